package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// VerificationStatus is the lifecycle state of a verification/rental.
type VerificationStatus string

const (
	StatusPending   VerificationStatus = "pending"
	StatusCompleted VerificationStatus = "completed"
	StatusFailed    VerificationStatus = "failed"
	StatusExpired   VerificationStatus = "expired"
	StatusCancelled VerificationStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s VerificationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s VerificationStatus) String() string {
	return string(s)
}

// Capability is the kind of inbound message the rented number must accept.
type Capability string

const (
	CapabilitySMS   Capability = "sms"
	CapabilityVoice Capability = "voice"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	return c == CapabilitySMS || c == CapabilityVoice
}

// Verification is a single number reservation owned by one user.
// Only the state machine mutates it once created.
type Verification struct {
	ID                    string             `json:"id"`
	OwnerID               string             `json:"owner_id"`
	ServiceName           string             `json:"service_name"`
	PhoneNumber           *string            `json:"phone_number,omitempty"`
	ProviderReservationID string             `json:"provider_reservation_id,omitempty"`
	Capability            Capability         `json:"capability"`
	Status                VerificationStatus `json:"status"`
	Cost                  decimal.Decimal    `json:"cost"`
	FreeQuota             bool               `json:"free_quota"` // debit consumed a free-quota unit instead of balance
	RequestedCarrier      *string            `json:"requested_carrier,omitempty"`
	RequestedAreaCode     *string            `json:"requested_area_code,omitempty"`
	Code                  *string            `json:"code,omitempty"`
	MessageBody           *string            `json:"message_body,omitempty"`
	FailureReason         *string            `json:"failure_reason,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	CompletedAt           *time.Time         `json:"completed_at,omitempty"`
}

// Phone returns the reserved number or "" when none was assigned yet.
func (v *Verification) Phone() string {
	if v.PhoneNumber == nil {
		return ""
	}
	return *v.PhoneNumber
}

// Filters narrows the number the upstream should hand out.
type Filters struct {
	Carrier  string
	AreaCode string
}

// FailureReason records why a verification left pending without a code.
type FailureReason string

const (
	ReasonTimeout           FailureReason = "timeout"
	ReasonUpstreamFailed    FailureReason = "upstream_failed"
	ReasonUpstreamExpired   FailureReason = "upstream_expired"
	ReasonUpstreamCancelled FailureReason = "upstream_cancelled"
	ReasonOwnerCancelled    FailureReason = "cancelled_by_owner"
)

// TerminalStatus maps a failure reason onto the status it resolves to.
func (r FailureReason) TerminalStatus() VerificationStatus {
	switch r {
	case ReasonUpstreamExpired:
		return StatusExpired
	case ReasonUpstreamCancelled, ReasonOwnerCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// ReasonForUpstreamState mirrors an upstream terminal state.
func ReasonForUpstreamState(s UpstreamState) FailureReason {
	switch s {
	case UpstreamStateExpired:
		return ReasonUpstreamExpired
	case UpstreamStateCancelled:
		return ReasonUpstreamCancelled
	default:
		return ReasonUpstreamFailed
	}
}
