/**
 * @description
 * This file contains the core business logic for the credit-service. The
 * `Service` struct orchestrates every ledger operation: resolving caller
 * identities to accounts, charging credits through the consumption gate,
 * administrative adjustments, and the recharge request workflow.
 *
 * Key features:
 * - Identity resolution is idempotent: uniqueness constraints in the store
 *   turn first-time races into ErrAccountExists, which is resolved by
 *   retrying the lookup.
 * - Charges are idempotent per correlation token: a Redis cache short-circuits
 *   retries, and the store's unique index is the hard guarantee behind it.
 * - Administrative adjustment, its audit record, and recharge fulfillment
 *   commit in a single store transaction.
 * - Ledger events are published to RabbitMQ on a best-effort basis; publishing
 *   never fails the operation that produced the event.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID parsing and generation.
 * - golang.org/x/crypto/bcrypt: For admin secret verification.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/velora/credit-service/internal/domain"
	"github.com/velora/credit-service/internal/store"
	"github.com/velora/credit-service/pkg/rabbitmq"
)

var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidAction         = errors.New("invalid action")
	ErrInvalidChangeAmount   = errors.New("invalid change amount")
	ErrMissingUserIdentifier = errors.New("missing user identifier")
	ErrInvalidInput          = errors.New("invalid input")
	ErrDuplicatePending      = errors.New("a pending recharge request already exists for this email")
	ErrInvalidAdminSecret    = errors.New("invalid admin secret")
	ErrAdminDisabled         = errors.New("admin credential is disabled")
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const resolveRetryAttempts = 2

// Routing keys for ledger events.
const (
	eventCreditCharged     = "credit.charged"
	eventCreditAdjusted    = "credit.adjusted"
	eventAccountBlocked    = "account.blocked"
	eventAccountUnblocked  = "account.unblocked"
	eventRechargeRequested = "recharge.requested"
	eventRechargeFulfilled = "recharge.fulfilled"
	eventRechargeRejected  = "recharge.rejected"
)

// Service provides the core business logic for the credit ledger.
type Service struct {
	repo            store.Repository
	events          rabbitmq.Publisher
	idempotency     ChargeIdempotencyStore
	rateLimiter     *RedisRateLimiter
	eventExchange   string
	freeTierCredits int64
	creditFloor     int64
	idempotencyTTL  time.Duration
	rechargeLimit   int
}

// NewService creates a new credit service instance.
func NewService(repo store.Repository, events rabbitmq.Publisher, eventExchange string, freeTierCredits, creditFloor int64) *Service {
	return &Service{
		repo:            repo,
		events:          events,
		eventExchange:   eventExchange,
		freeTierCredits: freeTierCredits,
		creditFloor:     creditFloor,
	}
}

// SetChargeIdempotency wires the Redis-backed idempotency cache for charges.
func (s *Service) SetChargeIdempotency(idem ChargeIdempotencyStore, ttl time.Duration) {
	s.idempotency = idem
	s.idempotencyTTL = ttl
}

// SetRechargeRateLimiter wires the Redis-backed limiter for public recharge
// submissions.
func (s *Service) SetRechargeRateLimiter(limiter *RedisRateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.rechargeLimit = perMinute
}

// ResolveAccount maps an externally-verified identity to the internal account,
// provisioning one on first contact. Lookup order: external id, then
// case-insensitive email with external-id backfill, then insert. A create
// race surfaces as ErrAccountExists and is resolved by retrying the lookup.
func (s *Service) ResolveAccount(ctx context.Context, identity domain.CallerIdentity) (*domain.Account, error) {
	externalID := strings.TrimSpace(identity.ExternalID)
	email := strings.TrimSpace(identity.Email)
	if externalID == "" && email == "" {
		return nil, ErrMissingUserIdentifier
	}

	for attempt := 0; attempt <= resolveRetryAttempts; attempt++ {
		account, err := s.lookupAccount(ctx, externalID, email)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}

		var externalRef *string
		if externalID != "" {
			externalRef = &externalID
		}
		created, createErr := s.repo.CreateAccount(ctx, store.NewAccountParams{
			ExternalIdentityID: externalRef,
			Email:              email,
			Plan:               domain.PlanFree,
			StartingCredits:    s.freeTierCredits,
		})
		if createErr == nil {
			log.Printf("level=info component=service flow=resolve msg=\"account provisioned\" account_id=%s plan=%s starting_credits=%d", created.ID, created.Plan, created.CreditsRemaining)
			return created, nil
		}
		if !errors.Is(createErr, store.ErrAccountExists) {
			return nil, createErr
		}
		// Another first-time resolution won the insert; loop back to the lookup.
	}
	return nil, fmt.Errorf("account resolution did not converge for external id %q", externalID)
}

func (s *Service) lookupAccount(ctx context.Context, externalID, email string) (*domain.Account, error) {
	if externalID != "" {
		account, err := s.repo.FindAccountByExternalID(ctx, externalID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}
	}

	if email == "" {
		return nil, store.ErrAccountNotFound
	}

	account, err := s.repo.FindAccountByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if externalID != "" && account.ExternalIdentityID == nil {
		if linkErr := s.repo.LinkExternalIdentity(ctx, account.ID, externalID); linkErr != nil {
			log.Printf("level=warn component=service flow=resolve msg=\"external identity backfill failed\" account_id=%s err=%v", account.ID, linkErr)
		} else {
			account.ExternalIdentityID = &externalID
		}
	}
	return account, nil
}

// Charge debits the ledger for a billable action. A blocked account is
// refused before any mutation; an unblocked account may be driven to zero or
// below by a single charge. Retries carrying the same correlation token
// replay the original result instead of double-charging.
func (s *Service) Charge(ctx context.Context, accountID uuid.UUID, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		return nil, ErrInvalidAction
	}

	token := normalizeToken(req.CorrelationToken)
	if token != nil && s.idempotency != nil {
		key := chargeIdempotencyKey(accountID, action, *token)
		if cached, err := s.idempotency.Lookup(ctx, key); err != nil {
			log.Printf("level=warn component=service flow=charge msg=\"idempotency lookup failed\" account_id=%s err=%v", accountID, err)
		} else if cached != nil {
			log.Printf("level=info component=service flow=charge outcome=replayed account_id=%s transaction_id=%s", accountID, cached.TransactionID)
			replay := *cached
			replay.Replayed = true
			return &replay, nil
		}
	}

	result, err := s.repo.ApplyBalanceChange(ctx, store.BalanceChangeParams{
		AccountID:        accountID,
		Delta:            -req.Amount,
		Action:           action,
		Note:             strings.TrimSpace(req.Note),
		CorrelationToken: token,
		CountUsed:        true,
		RequireUnblocked: true,
		Floor:            s.creditFloor,
	})
	if err != nil {
		return nil, err
	}

	charge := &domain.ChargeResult{
		TransactionID:    result.Record.ID,
		CreditsRemaining: result.Account.CreditsRemaining,
		Blocked:          result.Account.Blocked,
		Replayed:         result.Replayed,
	}

	if token != nil && s.idempotency != nil && !result.Replayed {
		key := chargeIdempotencyKey(accountID, action, *token)
		if err := s.idempotency.Remember(ctx, key, *charge, s.idempotencyTTL); err != nil {
			log.Printf("level=warn component=service flow=charge msg=\"idempotency store failed\" account_id=%s err=%v", accountID, err)
		}
	}

	if !result.Replayed {
		s.publish(ctx, eventCreditCharged, rabbitmq.LedgerEvent{
			AccountID:     result.Account.ID,
			TransactionID: result.Record.ID,
			Action:        action,
			ChangeAmount:  result.Record.ChangeAmount,
			AfterBalance:  result.Record.AfterBalance,
			Timestamp:     time.Now().UTC(),
		})
		if result.BecameBlocked {
			s.publish(ctx, eventAccountBlocked, rabbitmq.AccountStateEvent{
				AccountID: result.Account.ID,
				Blocked:   true,
				Timestamp: time.Now().UTC(),
			})
		}
	}

	return charge, nil
}

// Balance returns the read-only projection for a resolved account.
func (s *Service) Balance(ctx context.Context, accountID uuid.UUID) (*domain.BalanceProjection, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	projection := account.Projection()
	return &projection, nil
}

// Transactions returns a page of the caller's ledger history, newest first.
func (s *Service) Transactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.TransactionRecord, error) {
	return s.repo.ListTransactionsByAccountID(ctx, accountID, limit, offset)
}

// AdminAdjust applies a signed balance correction with an audit record and,
// when a recharge request id is cited, fulfills that request in the same
// store transaction. This is the only path that can clear a blocked account.
func (s *Service) AdminAdjust(ctx context.Context, adminID string, req domain.AdminAdjustRequest) (*store.BalanceChangeResult, error) {
	if req.ChangeAmount == 0 {
		return nil, ErrInvalidChangeAmount
	}

	account, err := s.resolveAdjustTarget(ctx, req)
	if err != nil {
		return nil, err
	}

	var fulfillID *uuid.UUID
	if strings.TrimSpace(req.RechargeRequestID) != "" {
		parsed, parseErr := uuid.Parse(strings.TrimSpace(req.RechargeRequestID))
		if parseErr != nil {
			return nil, store.ErrRechargeRequestNotFound
		}
		fulfillID = &parsed
	}

	note := fmt.Sprintf("adjusted by %s", adminID)
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		note = fmt.Sprintf("%s: %s", note, reason)
	}

	result, err := s.repo.ApplyBalanceChange(ctx, store.BalanceChangeParams{
		AccountID:        account.ID,
		Delta:            req.ChangeAmount,
		Action:           domain.ActionAdminManualAdjust,
		Note:             note,
		CountUsed:        req.AdjustUsed && req.ChangeAmount < 0,
		Floor:            s.creditFloor,
		FulfillRequestID: fulfillID,
		FulfilledBy:      adminID,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service flow=admin_adjust outcome=applied account_id=%s change=%d admin=%s transaction_id=%s", account.ID, req.ChangeAmount, adminID, result.Record.ID)

	s.publish(ctx, eventCreditAdjusted, rabbitmq.LedgerEvent{
		AccountID:     result.Account.ID,
		TransactionID: result.Record.ID,
		Action:        domain.ActionAdminManualAdjust,
		ChangeAmount:  result.Record.ChangeAmount,
		AfterBalance:  result.Record.AfterBalance,
		Timestamp:     time.Now().UTC(),
	})
	if result.BecameUnblocked {
		s.publish(ctx, eventAccountUnblocked, rabbitmq.AccountStateEvent{
			AccountID: result.Account.ID,
			Blocked:   false,
			Timestamp: time.Now().UTC(),
		})
	}
	if result.BecameBlocked {
		s.publish(ctx, eventAccountBlocked, rabbitmq.AccountStateEvent{
			AccountID: result.Account.ID,
			Blocked:   true,
			Timestamp: time.Now().UTC(),
		})
	}
	if fulfillID != nil {
		s.publish(ctx, eventRechargeFulfilled, rabbitmq.RechargeEvent{
			RequestID: *fulfillID,
			AccountID: &result.Account.ID,
			Status:    domain.RechargeStatusFulfilled,
			Timestamp: time.Now().UTC(),
		})
	}

	return result, nil
}

func (s *Service) resolveAdjustTarget(ctx context.Context, req domain.AdminAdjustRequest) (*domain.Account, error) {
	if userID := strings.TrimSpace(req.UserID); userID != "" {
		parsed, err := uuid.Parse(userID)
		if err != nil {
			return nil, store.ErrAccountNotFound
		}
		return s.repo.FindAccountByID(ctx, parsed)
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		return s.repo.FindAccountByEmail(ctx, email)
	}
	return nil, ErrMissingUserIdentifier
}

// SubmitRechargeRequest records a manual top-up claim from a (possibly
// unauthenticated) user. One outstanding pending request per email at a time.
func (s *Service) SubmitRechargeRequest(ctx context.Context, sub domain.RechargeSubmission) (*domain.RechargeRequest, error) {
	email := strings.ToLower(strings.TrimSpace(sub.Email))
	if !emailPattern.MatchString(email) {
		return nil, ErrInvalidInput
	}
	if sub.RequestedCredits < 0 || sub.AmountPaid < 0 {
		return nil, ErrInvalidInput
	}

	latest, err := s.repo.FindLatestRechargeRequestByEmail(ctx, email)
	if err != nil && !errors.Is(err, store.ErrRechargeRequestNotFound) {
		return nil, err
	}
	if latest != nil && latest.Status == domain.RechargeStatusPending {
		return nil, ErrDuplicatePending
	}

	req := &domain.RechargeRequest{
		Email:            email,
		Name:             strings.TrimSpace(sub.Name),
		Phone:            strings.TrimSpace(sub.Phone),
		RequestedCredits: sub.RequestedCredits,
		AmountPaid:       sub.AmountPaid,
		PaymentReference: strings.TrimSpace(sub.PaymentReference),
		Status:           domain.RechargeStatusPending,
	}

	// A client-supplied account id is only trusted as a foreign key when it is
	// a well-formed internal key; anything else is kept as a debugging note so
	// an arbitrary string can neither break the insert nor spoof ownership.
	if raw := strings.TrimSpace(sub.AccountID); raw != "" {
		if parsed, parseErr := uuid.Parse(raw); parseErr == nil {
			req.AccountID = &parsed
		} else {
			req.AdminNote = fmt.Sprintf("unparsed account ref: %s", truncate(raw, 120))
		}
	}

	created, err := s.repo.CreateRechargeRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service flow=recharge outcome=submitted request_id=%s email=%s requested=%d", created.ID, created.Email, created.RequestedCredits)

	s.publish(ctx, eventRechargeRequested, rabbitmq.RechargeEvent{
		RequestID: created.ID,
		AccountID: created.AccountID,
		Status:    created.Status,
		Timestamp: time.Now().UTC(),
	})

	return created, nil
}

// ListPendingRechargeRequests returns the admin review queue in submission order.
func (s *Service) ListPendingRechargeRequests(ctx context.Context, opts store.RechargeListOptions) ([]domain.RechargeRequest, error) {
	return s.repo.ListRechargeRequestsByStatus(ctx, domain.RechargeStatusPending, opts)
}

// GetRechargeRequest loads one request regardless of state.
func (s *Service) GetRechargeRequest(ctx context.Context, requestID uuid.UUID) (*domain.RechargeRequest, error) {
	return s.repo.FindRechargeRequestByID(ctx, requestID)
}

// RejectRechargeRequest marks a pending request rejected with no balance effect.
func (s *Service) RejectRechargeRequest(ctx context.Context, adminID string, requestID uuid.UUID, note string) (*domain.RechargeRequest, error) {
	rejected, err := s.repo.RejectRechargeRequest(ctx, requestID, adminID, note)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service flow=recharge outcome=rejected request_id=%s admin=%s", rejected.ID, adminID)

	s.publish(ctx, eventRechargeRejected, rabbitmq.RechargeEvent{
		RequestID: rejected.ID,
		AccountID: rejected.AccountID,
		Status:    rejected.Status,
		Timestamp: time.Now().UTC(),
	})
	return rejected, nil
}

// AuthenticateAdmin verifies an administrator id and secret against the
// stored bcrypt hash and returns the credential with its capability set.
func (s *Service) AuthenticateAdmin(ctx context.Context, adminID, secret string) (*domain.AdminCredential, error) {
	cred, err := s.repo.FindAdminCredentialByAdminID(ctx, strings.TrimSpace(adminID))
	if err != nil {
		return nil, err
	}
	if cred.Disabled {
		return nil, ErrAdminDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidAdminSecret
	}
	return cred, nil
}

// AllowRechargeSubmission applies the fixed-window rate limit to the public
// submission endpoint. It fails open when the limiter is not configured or
// Redis is unreachable.
func (s *Service) AllowRechargeSubmission(ctx context.Context, remoteIP string) (retryAfterSeconds int, allowed bool) {
	if s.rateLimiter == nil || s.rechargeLimit <= 0 {
		return 0, true
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "recharge_submit", remoteIP, s.rechargeLimit, time.Minute)
	if err != nil {
		log.Printf("level=warn component=service flow=recharge msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		return 0, true
	}
	if count > s.rechargeLimit {
		return retryAfter, false
	}
	return 0, true
}

func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, s.eventExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

func normalizeToken(token *string) *string {
	if token == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*token)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
