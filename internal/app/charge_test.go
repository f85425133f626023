package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/velora/credit-service/internal/domain"
	"github.com/velora/credit-service/internal/store"
)

type capturedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *capturingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *capturingPublisher) Close() {}

func (p *capturingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		keys = append(keys, ev.routingKey)
	}
	return keys
}

type memoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]domain.ChargeResult
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{entries: map[string]domain.ChargeResult{}}
}

func (m *memoryIdempotencyStore) Lookup(ctx context.Context, key string) (*domain.ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.entries[key]; ok {
		result := cached
		return &result, nil
	}
	return nil, nil
}

func (m *memoryIdempotencyStore) Remember(ctx context.Context, key string, result domain.ChargeResult, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = result
	return nil
}

type chargeRepoStub struct {
	store.Repository

	result *store.BalanceChangeResult
	err    error

	calls []store.BalanceChangeParams
}

func (s *chargeRepoStub) ApplyBalanceChange(ctx context.Context, params store.BalanceChangeParams) (*store.BalanceChangeResult, error) {
	s.calls = append(s.calls, params)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func TestCharge_RejectsInvalidInput(t *testing.T) {
	svc := NewService(&chargeRepoStub{}, nil, "", 20, domain.DefaultCreditFloor)

	if _, err := svc.Charge(context.Background(), uuid.New(), domain.ChargeRequest{Amount: 0, Action: "session_start"}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero amount, got %v", err)
	}
	if _, err := svc.Charge(context.Background(), uuid.New(), domain.ChargeRequest{Amount: -3, Action: "session_start"}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative amount, got %v", err)
	}
	if _, err := svc.Charge(context.Background(), uuid.New(), domain.ChargeRequest{Amount: 5, Action: "  "}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction for blank action, got %v", err)
	}
}

func TestCharge_DebitsAndPublishes(t *testing.T) {
	accountID := uuid.New()
	repo := &chargeRepoStub{
		result: &store.BalanceChangeResult{
			Account: domain.Account{ID: accountID, CreditsRemaining: 15, CreditsUsed: 5},
			Record:  domain.TransactionRecord{ID: uuid.New(), AccountID: accountID, ChangeAmount: -5, AfterBalance: 15},
		},
	}
	publisher := &capturingPublisher{}
	svc := NewService(repo, publisher, "credit_service.ledger_events", 20, domain.DefaultCreditFloor)

	result, err := svc.Charge(context.Background(), accountID, domain.ChargeRequest{Amount: 5, Action: "session_start"})
	if err != nil {
		t.Fatalf("Charge returned error: %v", err)
	}
	if result.CreditsRemaining != 15 || result.Blocked {
		t.Fatalf("unexpected charge result: %+v", result)
	}

	if len(repo.calls) != 1 {
		t.Fatalf("expected one balance change, got %d", len(repo.calls))
	}
	params := repo.calls[0]
	if params.Delta != -5 {
		t.Fatalf("expected delta -5, got %d", params.Delta)
	}
	if !params.CountUsed || !params.RequireUnblocked {
		t.Fatalf("charge must count usage and require an unblocked account: %+v", params)
	}

	keys := publisher.routingKeys()
	if len(keys) != 1 || keys[0] != "credit.charged" {
		t.Fatalf("expected a single credit.charged event, got %v", keys)
	}
}

func TestCharge_BlockedAccountIsRefused(t *testing.T) {
	repo := &chargeRepoStub{err: store.ErrInsufficientCredits}
	publisher := &capturingPublisher{}
	svc := NewService(repo, publisher, "credit_service.ledger_events", 20, domain.DefaultCreditFloor)

	_, err := svc.Charge(context.Background(), uuid.New(), domain.ChargeRequest{Amount: 1, Action: "session_start"})
	if !errors.Is(err, store.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if len(publisher.routingKeys()) != 0 {
		t.Fatal("refused charge must not publish events")
	}
}

func TestCharge_PublishesBlockedTransition(t *testing.T) {
	accountID := uuid.New()
	repo := &chargeRepoStub{
		result: &store.BalanceChangeResult{
			Account:       domain.Account{ID: accountID, CreditsRemaining: 0, CreditsUsed: 20, Blocked: true},
			Record:        domain.TransactionRecord{ID: uuid.New(), AccountID: accountID, ChangeAmount: -5, AfterBalance: 0},
			BecameBlocked: true,
		},
	}
	publisher := &capturingPublisher{}
	svc := NewService(repo, publisher, "credit_service.ledger_events", 20, domain.DefaultCreditFloor)

	result, err := svc.Charge(context.Background(), accountID, domain.ChargeRequest{Amount: 5, Action: "session_start"})
	if err != nil {
		t.Fatalf("Charge returned error: %v", err)
	}
	if !result.Blocked {
		t.Fatal("expected result to report blocked")
	}

	keys := publisher.routingKeys()
	if len(keys) != 2 || keys[0] != "credit.charged" || keys[1] != "account.blocked" {
		t.Fatalf("expected charged then blocked events, got %v", keys)
	}
}

func TestCharge_ReplaysCachedResult(t *testing.T) {
	accountID := uuid.New()
	token := "tok-123"
	repo := &chargeRepoStub{
		result: &store.BalanceChangeResult{
			Account: domain.Account{ID: accountID, CreditsRemaining: 15, CreditsUsed: 5},
			Record:  domain.TransactionRecord{ID: uuid.New(), AccountID: accountID, ChangeAmount: -5, AfterBalance: 15},
		},
	}
	publisher := &capturingPublisher{}
	svc := NewService(repo, publisher, "credit_service.ledger_events", 20, domain.DefaultCreditFloor)
	svc.SetChargeIdempotency(newMemoryIdempotencyStore(), time.Hour)

	req := domain.ChargeRequest{Amount: 5, Action: "session_start", CorrelationToken: &token}

	first, err := svc.Charge(context.Background(), accountID, req)
	if err != nil {
		t.Fatalf("first charge returned error: %v", err)
	}
	if first.Replayed {
		t.Fatal("first charge must not be marked replayed")
	}

	second, err := svc.Charge(context.Background(), accountID, req)
	if err != nil {
		t.Fatalf("second charge returned error: %v", err)
	}
	if !second.Replayed {
		t.Fatal("retry with the same token must be marked replayed")
	}
	if second.TransactionID != first.TransactionID {
		t.Fatalf("replay returned a different transaction: %s vs %s", second.TransactionID, first.TransactionID)
	}

	if len(repo.calls) != 1 {
		t.Fatalf("expected a single balance change across the retry, got %d", len(repo.calls))
	}
	if keys := publisher.routingKeys(); len(keys) != 1 {
		t.Fatalf("replay must not publish a second event, got %v", keys)
	}
}

func TestCharge_StoreReplayIsNotCachedTwice(t *testing.T) {
	accountID := uuid.New()
	token := "tok-456"
	repo := &chargeRepoStub{
		result: &store.BalanceChangeResult{
			Account:  domain.Account{ID: accountID, CreditsRemaining: 15, CreditsUsed: 5},
			Record:   domain.TransactionRecord{ID: uuid.New(), AccountID: accountID, ChangeAmount: -5, AfterBalance: 15},
			Replayed: true,
		},
	}
	publisher := &capturingPublisher{}
	svc := NewService(repo, publisher, "credit_service.ledger_events", 20, domain.DefaultCreditFloor)
	svc.SetChargeIdempotency(newMemoryIdempotencyStore(), time.Hour)

	result, err := svc.Charge(context.Background(), accountID, domain.ChargeRequest{Amount: 5, Action: "session_start", CorrelationToken: &token})
	if err != nil {
		t.Fatalf("Charge returned error: %v", err)
	}
	if !result.Replayed {
		t.Fatal("store-level replay must surface as replayed")
	}
	if keys := publisher.routingKeys(); len(keys) != 0 {
		t.Fatalf("store-level replay must not publish events, got %v", keys)
	}
}

func TestBalance_ReturnsProjection(t *testing.T) {
	accountID := uuid.New()
	repo := &balanceRepoStub{
		account: &domain.Account{ID: accountID, CreditsRemaining: 7, CreditsUsed: 13, Plan: domain.PlanFree},
	}
	svc := NewService(repo, nil, "", 20, domain.DefaultCreditFloor)

	proj, err := svc.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Balance returned error: %v", err)
	}
	if proj.CreditsRemaining != 7 || proj.CreditsUsed != 13 || proj.Plan != domain.PlanFree || proj.Blocked {
		t.Fatalf("unexpected projection: %+v", proj)
	}
}

type balanceRepoStub struct {
	store.Repository

	account *domain.Account
}

func (s *balanceRepoStub) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	if s.account == nil {
		return nil, store.ErrAccountNotFound
	}
	return s.account, nil
}
