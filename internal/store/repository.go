/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the credit-service needs. Keeping the ledger behind an interface
 * decouples the business logic from PostgreSQL and lets the service tests run
 * against stub repositories.
 *
 * The one rule the interface encodes: `credit_accounts.credits_remaining` is
 * only ever written through ApplyBalanceChange. There is no bare balance
 * setter.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For id handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/velora/credit-service/internal/domain"
)

// BalanceChangeParams describes one atomic ledger mutation. The store applies
// the delta, clamps at Floor, recomputes blocked, and appends the matching
// transaction record in a single database transaction.
type BalanceChangeParams struct {
	AccountID uuid.UUID
	Delta     int64
	Action    string
	Note      string
	// CorrelationToken, when set, makes the mutation idempotent: a second
	// insert with the same (account, action, token) resolves to the record
	// committed by the first.
	CorrelationToken *string
	// CountUsed controls whether a negative delta also grows credits_used.
	CountUsed bool
	// RequireUnblocked refuses the mutation with ErrInsufficientCredits when
	// the account is already blocked entering the transaction.
	RequireUnblocked bool
	// Floor is the clamp applied to the resulting balance. It is used
	// verbatim, so a zero floor clamps at exactly zero.
	Floor int64
	// FulfillRequestID, when set, transitions that recharge request to
	// fulfilled inside the same transaction as the balance change. Either
	// both commit or neither does.
	FulfillRequestID *uuid.UUID
	FulfilledBy      string
}

// BalanceChangeResult carries the post-commit account state and the appended
// transaction record. Replayed is true when the mutation was recognized as a
// duplicate by correlation token and the original record was returned instead
// of a new one.
type BalanceChangeResult struct {
	Account  domain.Account
	Record   domain.TransactionRecord
	Replayed bool
	// BecameBlocked / BecameUnblocked report a blocked-state transition caused
	// by this mutation, for event publishing.
	BecameBlocked   bool
	BecameUnblocked bool
}

// NewAccountParams describes a lazily provisioned account row.
type NewAccountParams struct {
	ExternalIdentityID *string
	Email              string
	Plan               string
	StartingCredits    int64
}

// RechargeListOptions bounds admin listing queries.
type RechargeListOptions struct {
	Limit  int
	Offset int
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Identity / account methods
	FindAccountByExternalID(ctx context.Context, externalID string) (*domain.Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	LinkExternalIdentity(ctx context.Context, accountID uuid.UUID, externalID string) error
	CreateAccount(ctx context.Context, params NewAccountParams) (*domain.Account, error)

	// Ledger methods
	ApplyBalanceChange(ctx context.Context, params BalanceChangeParams) (*BalanceChangeResult, error)
	ListTransactionsByAccountID(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.TransactionRecord, error)
	ArchiveTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Recharge request methods
	CreateRechargeRequest(ctx context.Context, req *domain.RechargeRequest) (*domain.RechargeRequest, error)
	FindRechargeRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.RechargeRequest, error)
	FindLatestRechargeRequestByEmail(ctx context.Context, email string) (*domain.RechargeRequest, error)
	ListRechargeRequestsByStatus(ctx context.Context, status string, opts RechargeListOptions) ([]domain.RechargeRequest, error)
	RejectRechargeRequest(ctx context.Context, requestID uuid.UUID, adminID string, note string) (*domain.RechargeRequest, error)

	// Admin credential methods
	FindAdminCredentialByAdminID(ctx context.Context, adminID string) (*domain.AdminCredential, error)
}
