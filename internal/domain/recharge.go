/**
 * @description
 * Domain model for the manual top-up workflow. A recharge request is a
 * human-reviewed claim of an out-of-band payment: users submit one, an
 * administrator later fulfills it (granting credits in the same action) or
 * rejects it. `pending` is the only non-terminal state.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Recharge request states. Fulfilled and rejected are terminal; there is no
// reverse transition.
const (
	RechargeStatusPending   = "pending"
	RechargeStatusFulfilled = "fulfilled"
	RechargeStatusRejected  = "rejected"
)

// RechargeRequest is one manual top-up workflow unit. AccountID is populated
// only when the submitted identifier parses as a well-formed internal key;
// otherwise the raw value is preserved in AdminNote for debugging and the
// foreign key stays null.
type RechargeRequest struct {
	ID               uuid.UUID  `json:"id"`
	AccountID        *uuid.UUID `json:"account_id,omitempty"`
	Email            string     `json:"email"`
	Name             string     `json:"name,omitempty"`
	Phone            string     `json:"phone,omitempty"`
	RequestedCredits int64      `json:"requested_credits"`
	AmountPaid       int64      `json:"amount_paid"`
	PaymentReference string     `json:"payment_reference,omitempty"`
	Status           string     `json:"status"`
	AdminNote        string     `json:"admin_note,omitempty"`
	RequestedAt      time.Time  `json:"requested_at"`
	FulfilledAt      *time.Time `json:"fulfilled_at,omitempty"`
}

// RechargeSubmission is the DTO for the public submission endpoint.
type RechargeSubmission struct {
	Email            string `json:"email"`
	Name             string `json:"name,omitempty"`
	Phone            string `json:"phone,omitempty"`
	AccountID        string `json:"account_id,omitempty"`
	RequestedCredits int64  `json:"requested_credits"`
	AmountPaid       int64  `json:"amount_paid"`
	PaymentReference string `json:"payment_reference,omitempty"`
}
