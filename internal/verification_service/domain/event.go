package domain

import "time"

// EventType names a client-facing notification.
type EventType string

const (
	EventVerificationUpdate    EventType = "verification_update"
	EventSMSReceived           EventType = "sms_received"
	EventConnectionEstablished EventType = "connection_established"
)

// Event is pushed to the owner's live connection.
type Event struct {
	Type           EventType          `json:"type"`
	OwnerID        string             `json:"-"`
	VerificationID string             `json:"verificationId,omitempty"`
	Status         VerificationStatus `json:"status,omitempty"`
	PhoneNumber    string             `json:"phoneNumber,omitempty"`
	Message        string             `json:"message,omitempty"`
	Code           string             `json:"code,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// NewVerificationEvent builds the event describing v's current state.
func NewVerificationEvent(t EventType, v *Verification, now time.Time) Event {
	ev := Event{
		Type:           t,
		OwnerID:        v.OwnerID,
		VerificationID: v.ID,
		Status:         v.Status,
		PhoneNumber:    v.Phone(),
		Timestamp:      now.UTC(),
	}
	if v.MessageBody != nil {
		ev.Message = *v.MessageBody
	}
	if v.Code != nil {
		ev.Code = *v.Code
	}
	return ev
}
