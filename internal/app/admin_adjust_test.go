package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/velora/credit-service/internal/domain"
	"github.com/velora/credit-service/internal/store"
)

type adjustRepoStub struct {
	store.Repository

	account *domain.Account
	result  *store.BalanceChangeResult
	err     error

	calls []store.BalanceChangeParams
}

func (s *adjustRepoStub) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	if s.account == nil || s.account.ID != accountID {
		return nil, store.ErrAccountNotFound
	}
	return s.account, nil
}

func (s *adjustRepoStub) FindAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	if s.account == nil || s.account.Email != email {
		return nil, store.ErrAccountNotFound
	}
	return s.account, nil
}

func (s *adjustRepoStub) ApplyBalanceChange(ctx context.Context, params store.BalanceChangeParams) (*store.BalanceChangeResult, error) {
	s.calls = append(s.calls, params)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func TestAdminAdjust_RejectsZeroChange(t *testing.T) {
	svc := NewService(&adjustRepoStub{}, nil, "", 20, domain.DefaultCreditFloor)

	_, err := svc.AdminAdjust(context.Background(), "ops-1", domain.AdminAdjustRequest{UserID: uuid.New().String()})
	if !errors.Is(err, ErrInvalidChangeAmount) {
		t.Fatalf("expected ErrInvalidChangeAmount, got %v", err)
	}
}

func TestAdminAdjust_RequiresTargetIdentifier(t *testing.T) {
	svc := NewService(&adjustRepoStub{}, nil, "", 20, domain.DefaultCreditFloor)

	_, err := svc.AdminAdjust(context.Background(), "ops-1", domain.AdminAdjustRequest{ChangeAmount: 50})
	if !errors.Is(err, ErrMissingUserIdentifier) {
		t.Fatalf("expected ErrMissingUserIdentifier, got %v", err)
	}
}

func TestAdminAdjust_UnknownTarget(t *testing.T) {
	svc := NewService(&adjustRepoStub{}, nil, "", 20, domain.DefaultCreditFloor)

	_, err := svc.AdminAdjust(context.Background(), "ops-1", domain.AdminAdjustRequest{
		ChangeAmount: 50,
		Email:        "nobody@example.com",
	})
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	_, err = svc.AdminAdjust(context.Background(), "ops-1", domain.AdminAdjustRequest{
		ChangeAmount: 50,
		UserID:       "not-a-uuid",
	})
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound for malformed user id, got %v", err)
	}
}

func TestAdminAdjust_GrantUnblocksAndPublishes(t *testing.T) {
	account := &domain.Account{ID: uuid.New(), Email: "blocked@example.com", CreditsRemaining: -5, Blocked: true}
	repo := &adjustRepoStub{
		account: account,
		result: &store.BalanceChangeResult{
			Account:         domain.Account{ID: account.ID, CreditsRemaining: 95, CreditsUsed: 25},
			Record:          domain.TransactionRecord{ID: uuid.New(), AccountID: account.ID, ChangeAmount: 100, AfterBalance: 95},
			BecameUnblocked: true,
		},
	}
	publisher := &capturingPublisher{}
	svc := NewService(repo, publisher, "credit_service.ledger_events", 20, domain.DefaultCreditFloor)

	result, err := svc.AdminAdjust(context.Background(), "ops-1", domain.AdminAdjustRequest{
		ChangeAmount: 100,
		Email:        "blocked@example.com",
		Reason:       "payment received offline",
	})
	if err != nil {
		t.Fatalf("AdminAdjust returned error: %v", err)
	}
	if result.Account.CreditsRemaining != 95 {
		t.Fatalf("unexpected post-adjust balance: %d", result.Account.CreditsRemaining)
	}

	if len(repo.calls) != 1 {
		t.Fatalf("expected one balance change, got %d", len(repo.calls))
	}
	params := repo.calls[0]
	if params.Action != domain.ActionAdminManualAdjust {
		t.Fatalf("expected admin_manual_adjust action, got %q", params.Action)
	}
	if params.RequireUnblocked {
		t.Fatal("admin adjustment must work on blocked accounts")
	}
	if params.CountUsed {
		t.Fatal("a grant must not grow credits_used")
	}
	if !strings.Contains(params.Note, "adjusted by ops-1") || !strings.Contains(params.Note, "payment received offline") {
		t.Fatalf("audit note missing admin or reason: %q", params.Note)
	}

	keys := publisher.routingKeys()
	if len(keys) != 2 || keys[0] != "credit.adjusted" || keys[1] != "account.unblocked" {
		t.Fatalf("expected adjusted then unblocked events, got %v", keys)
	}
}

func TestAdminAdjust_NegativeChangeCountsUsedOnlyWhenAsked(t *testing.T) {
	account := &domain.Account{ID: uuid.New(), Email: "user@example.com", CreditsRemaining: 50}
	cases := []struct {
		name          string
		adjustUsed    bool
		wantCountUsed bool
	}{
		{name: "plain correction", adjustUsed: false, wantCountUsed: false},
		{name: "charge-equivalent correction", adjustUsed: true, wantCountUsed: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &adjustRepoStub{
				account: account,
				result: &store.BalanceChangeResult{
					Account: *account,
					Record:  domain.TransactionRecord{ID: uuid.New(), AccountID: account.ID, ChangeAmount: -10},
				},
			}
			svc := NewService(repo, nil, "", 20, domain.DefaultCreditFloor)

			_, err := svc.AdminAdjust(context.Background(), "ops-1", domain.AdminAdjustRequest{
				ChangeAmount: -10,
				UserID:       account.ID.String(),
				AdjustUsed:   tc.adjustUsed,
			})
			if err != nil {
				t.Fatalf("AdminAdjust returned error: %v", err)
			}
			if repo.calls[0].CountUsed != tc.wantCountUsed {
				t.Fatalf("CountUsed = %t, want %t", repo.calls[0].CountUsed, tc.wantCountUsed)
			}
		})
	}
}

func TestAdminAdjust_FulfillsCitedRechargeRequest(t *testing.T) {
	account := &domain.Account{ID: uuid.New(), Email: "user@example.com", CreditsRemaining: 5}
	requestID := uuid.New()
	repo := &adjustRepoStub{
		account: account,
		result: &store.BalanceChangeResult{
			Account: domain.Account{ID: account.ID, CreditsRemaining: 105},
			Record:  domain.TransactionRecord{ID: uuid.New(), AccountID: account.ID, ChangeAmount: 100, AfterBalance: 105},
		},
	}
	publisher := &capturingPublisher{}
	svc := NewService(repo, publisher, "credit_service.ledger_events", 20, domain.DefaultCreditFloor)

	_, err := svc.AdminAdjust(context.Background(), "ops-1", domain.AdminAdjustRequest{
		ChangeAmount:      100,
		UserID:            account.ID.String(),
		RechargeRequestID: requestID.String(),
	})
	if err != nil {
		t.Fatalf("AdminAdjust returned error: %v", err)
	}

	params := repo.calls[0]
	if params.FulfillRequestID == nil || *params.FulfillRequestID != requestID {
		t.Fatalf("expected fulfillment of %s, got %v", requestID, params.FulfillRequestID)
	}
	if params.FulfilledBy != "ops-1" {
		t.Fatalf("expected fulfiller ops-1, got %q", params.FulfilledBy)
	}

	keys := publisher.routingKeys()
	if len(keys) != 2 || keys[1] != "recharge.fulfilled" {
		t.Fatalf("expected a recharge.fulfilled event, got %v", keys)
	}
}

func TestAdminAdjust_MalformedRechargeRequestID(t *testing.T) {
	account := &domain.Account{ID: uuid.New(), Email: "user@example.com"}
	repo := &adjustRepoStub{account: account}
	svc := NewService(repo, nil, "", 20, domain.DefaultCreditFloor)

	_, err := svc.AdminAdjust(context.Background(), "ops-1", domain.AdminAdjustRequest{
		ChangeAmount:      100,
		UserID:            account.ID.String(),
		RechargeRequestID: "garbage",
	})
	if !errors.Is(err, store.ErrRechargeRequestNotFound) {
		t.Fatalf("expected ErrRechargeRequestNotFound, got %v", err)
	}
	if len(repo.calls) != 0 {
		t.Fatal("malformed request id must not reach the ledger")
	}
}

// When the cited request cannot be fulfilled the whole adjustment fails; the
// balance change and the fulfillment commit or roll back together.
func TestAdminAdjust_FulfillmentFailureFailsAdjustment(t *testing.T) {
	account := &domain.Account{ID: uuid.New(), Email: "user@example.com"}
	repo := &adjustRepoStub{account: account, err: store.ErrRechargeRequestNotPending}
	publisher := &capturingPublisher{}
	svc := NewService(repo, publisher, "credit_service.ledger_events", 20, domain.DefaultCreditFloor)

	_, err := svc.AdminAdjust(context.Background(), "ops-1", domain.AdminAdjustRequest{
		ChangeAmount:      100,
		UserID:            account.ID.String(),
		RechargeRequestID: uuid.New().String(),
	})
	if !errors.Is(err, store.ErrRechargeRequestNotPending) {
		t.Fatalf("expected ErrRechargeRequestNotPending, got %v", err)
	}
	if len(publisher.routingKeys()) != 0 {
		t.Fatal("failed adjustment must not publish events")
	}
}
