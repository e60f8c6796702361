package http

import (
	"time"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

// CreateVerificationRequest DTO for POST /v1/verifications
type CreateVerificationRequest struct {
	ServiceName string `json:"service_name" validate:"required,max=64"`
	Capability  string `json:"capability" validate:"omitempty,oneof=sms voice"`
	Carrier     string `json:"carrier,omitempty" validate:"omitempty,max=32"`
	AreaCode    string `json:"area_code,omitempty" validate:"omitempty,numeric,max=6"`
}

// VerificationResponse DTO
type VerificationResponse struct {
	ID            string                    `json:"id"`
	ServiceName   string                    `json:"service_name"`
	PhoneNumber   string                    `json:"phone_number,omitempty"`
	Capability    domain.Capability         `json:"capability"`
	Status        domain.VerificationStatus `json:"status"`
	Cost          string                    `json:"cost"`
	FreeQuota     bool                      `json:"free_quota"`
	Code          *string                   `json:"code,omitempty"`
	MessageBody   *string                   `json:"message_body,omitempty"`
	FailureReason *string                   `json:"failure_reason,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	CompletedAt   *time.Time                `json:"completed_at,omitempty"`
}

func toVerificationResponse(v *domain.Verification) VerificationResponse {
	return VerificationResponse{
		ID:            v.ID,
		ServiceName:   v.ServiceName,
		PhoneNumber:   v.Phone(),
		Capability:    v.Capability,
		Status:        v.Status,
		Cost:          v.Cost.String(),
		FreeQuota:     v.FreeQuota,
		Code:          v.Code,
		MessageBody:   v.MessageBody,
		FailureReason: v.FailureReason,
		CreatedAt:     v.CreatedAt,
		CompletedAt:   v.CompletedAt,
	}
}

// CircuitResponse DTO for one upstream breaker in GET /healthz
type CircuitResponse struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// HealthResponse DTO for GET /healthz
type HealthResponse struct {
	Status      string            `json:"status"`
	Circuits    []CircuitResponse `json:"circuits"`
	Connections int               `json:"connections"`
}
