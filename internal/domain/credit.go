/**
 * @description
 * This file defines the core domain models for the credit-service: the per-user
 * credit account and the append-only transaction record that together form the
 * ledger. These structs map directly to the `credit_accounts` and
 * `credit_transactions` tables.
 *
 * @notes
 * - Credits are stored as `int64`. Balances may go negative (a single charge is
 *   allowed to push a small positive balance below zero) but are clamped at
 *   DefaultCreditFloor.
 * - `Blocked` is derived state: it must equal `CreditsRemaining <= 0` after
 *   every mutation. The arithmetic lives in ApplyDelta so the store and the
 *   tests share one implementation.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account plans.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Well-known transaction actions. Charge actions are free-form caller tags
// (e.g. "session_start"); these constants cover the actions the service
// itself writes.
const (
	ActionAdminManualAdjust = "admin_manual_adjust"
	ActionTopup             = "topup"
)

// DefaultCreditFloor is the default lowest balance an account can be driven
// to; CREDIT_FLOOR overrides it, and zero is a valid override.
const DefaultCreditFloor = -1_000_000

// Account represents one end user of the ledger. Rows are created lazily on
// first ledger interaction and never deleted; `credits_remaining` is mutated
// exclusively through the store's single balance-change primitive.
type Account struct {
	ID                 uuid.UUID `json:"id"`
	ExternalIdentityID *string   `json:"external_identity_id,omitempty"`
	Email              string    `json:"email"`
	Plan               string    `json:"plan"`
	CreditsRemaining   int64     `json:"credits_remaining"`
	CreditsUsed        int64     `json:"credits_used"`
	Blocked            bool      `json:"blocked"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TransactionRecord is one row of the append-only ledger log. Records are never
// updated or deleted; `archived` is a housekeeping flag set by the archiver job
// and is not otherwise consumed.
type TransactionRecord struct {
	ID               uuid.UUID `json:"id"`
	AccountID        uuid.UUID `json:"account_id"`
	ChangeAmount     int64     `json:"change_amount"`
	Action           string    `json:"action"`
	BeforeBalance    int64     `json:"before_balance"`
	AfterBalance     int64     `json:"after_balance"`
	Note             string    `json:"note"`
	CorrelationToken *string   `json:"correlation_token,omitempty"`
	Archived         bool      `json:"archived"`
	CreatedAt        time.Time `json:"created_at"`
}

// BalanceProjection is the read-only view of an account exposed to callers.
type BalanceProjection struct {
	CreditsRemaining int64  `json:"credits_remaining"`
	CreditsUsed      int64  `json:"credits_used"`
	Plan             string `json:"plan"`
	Blocked          bool   `json:"blocked"`
}

// Projection returns the caller-facing view of the account.
func (a *Account) Projection() BalanceProjection {
	return BalanceProjection{
		CreditsRemaining: a.CreditsRemaining,
		CreditsUsed:      a.CreditsUsed,
		Plan:             a.Plan,
		Blocked:          a.Blocked,
	}
}

// ApplyDelta computes the account state after applying a signed credit delta.
// The new balance is clamped at `floor`, blocked is recomputed from the clamped
// balance, and `credits_used` grows by the debited amount when `countUsed` is
// set. Positive deltas never touch `credits_used`.
func ApplyDelta(remaining, used, delta int64, countUsed bool, floor int64) (newRemaining, newUsed int64, blocked bool) {
	newRemaining = remaining + delta
	if newRemaining < floor {
		newRemaining = floor
	}
	newUsed = used
	if countUsed && delta < 0 {
		// The used counter tracks the nominal debit, not the clamped one.
		newUsed = used - delta
	}
	blocked = newRemaining <= 0
	return newRemaining, newUsed, blocked
}

// ChargeRequest is the DTO for incoming consumption-gate API requests.
type ChargeRequest struct {
	Amount           int64   `json:"amount"`
	Action           string  `json:"action"`
	Note             string  `json:"note,omitempty"`
	CorrelationToken *string `json:"correlation_token,omitempty"`
}

// ChargeResult is returned to the caller after a successful (or idempotently
// replayed) charge.
type ChargeResult struct {
	TransactionID    uuid.UUID `json:"transaction_id"`
	CreditsRemaining int64     `json:"credits_remaining"`
	Blocked          bool      `json:"blocked"`
	Replayed         bool      `json:"replayed,omitempty"`
}

// CallerIdentity is the externally-verified identity attached to authenticated
// requests. The ledger trusts it as already resolved by the identity provider.
type CallerIdentity struct {
	ExternalID string
	Email      string
}
