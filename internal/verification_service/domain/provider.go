package domain

import (
	"context"
	"time"
)

// ReservationRequest asks the upstream for a number.
type ReservationRequest struct {
	ServiceName string
	Capability  Capability
	Carrier     string
	AreaCode    string
}

// Reservation is what the upstream handed out.
type Reservation struct {
	ID          string
	PhoneNumber string
}

// UpstreamState is the upstream's view of a reservation.
type UpstreamState string

const (
	UpstreamStatePending   UpstreamState = "pending"
	UpstreamStateCompleted UpstreamState = "completed"
	UpstreamStateExpired   UpstreamState = "expired"
	UpstreamStateCancelled UpstreamState = "cancelled"
	UpstreamStateFailed    UpstreamState = "failed"
)

// PollOutcome distinguishes an empty poll from a message or an upstream-side terminal state.
type PollOutcome int

const (
	PollEmpty PollOutcome = iota
	PollMessage
	PollTerminal
)

func (o PollOutcome) String() string {
	switch o {
	case PollEmpty:
		return "empty"
	case PollMessage:
		return "message"
	case PollTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// InboundMessage is one SMS (or voice transcription) delivered to a reserved number.
type InboundMessage struct {
	Body       string
	ReceivedAt time.Time
}

// PollResult is the typed answer to "anything new for this reservation?".
type PollResult struct {
	Outcome  PollOutcome
	State    UpstreamState
	Messages []InboundMessage
}

// ReservationProvider is the upstream verification provider as the core sees it.
type ReservationProvider interface {
	CreateReservation(ctx context.Context, req ReservationRequest) (*Reservation, error)
	FetchMessages(ctx context.Context, reservationID string) (*PollResult, error)
	CancelReservation(ctx context.Context, reservationID string) error
}
