/**
 * @description
 * Per-administrator credentials and capabilities. Each admin authenticates
 * with an individual id and a bcrypt-hashed secret; what they may do is
 * governed by the capability set attached to their credential row rather
 * than a single shared password.
 */

package domain

import "time"

// Admin capabilities.
const (
	CapabilityReadPending = "read_pending"
	CapabilityApprove     = "approve"
	CapabilityReject      = "reject"
)

// AdminCredential maps one administrator identity to a hashed secret and a
// capability set.
type AdminCredential struct {
	AdminID      string    `json:"admin_id"`
	SecretHash   string    `json:"-"`
	Capabilities []string  `json:"capabilities"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasCapability reports whether the credential carries the given capability.
func (c *AdminCredential) HasCapability(capability string) bool {
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// AdminAdjustRequest is the DTO for the administrative adjustment endpoint.
// The target account is resolved by internal id or by email; exactly one of
// the two must be supplied.
type AdminAdjustRequest struct {
	UserID            string `json:"user_id,omitempty"`
	Email             string `json:"email,omitempty"`
	ChangeAmount      int64  `json:"change_amount"`
	Reason            string `json:"reason,omitempty"`
	AdjustUsed        bool   `json:"adjust_used,omitempty"`
	RechargeRequestID string `json:"recharge_request_id,omitempty"`
}
