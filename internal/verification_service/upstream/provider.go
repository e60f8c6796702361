package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

// VerificationProviderName is the breaker/endpoint name of the number provider.
const VerificationProviderName = "verification-provider"

// Provider speaks the verification provider's reservation API through the resilient Client.
type Provider struct {
	client   *Client
	upstream string
	logger   *slog.Logger
}

// NewProvider creates a Provider calling the upstream registered as name.
func NewProvider(client *Client, name string, logger *slog.Logger) *Provider {
	return &Provider{
		client:   client,
		upstream: name,
		logger:   logger.With("provider", name),
	}
}

type createReservationBody struct {
	ServiceName          string   `json:"serviceName"`
	Capability           string   `json:"capability"`
	AreaCodeSelectOption []string `json:"areaCodeSelectOption,omitempty"`
	CarrierSelectOption  []string `json:"carrierSelectOption,omitempty"`
}

type reservationResponse struct {
	ID     string `json:"id"`
	Number string `json:"number"`
}

type smsItem struct {
	SMSContent string    `json:"smsContent"`
	CreatedAt  time.Time `json:"createdAt"`
}

type reservationStatusResponse struct {
	ID    string    `json:"id"`
	State string    `json:"state"`
	SMS   []smsItem `json:"sms"`
}

func (p *Provider) CreateReservation(ctx context.Context, req domain.ReservationRequest) (*domain.Reservation, error) {
	body := createReservationBody{
		ServiceName: req.ServiceName,
		Capability:  string(req.Capability),
	}
	if req.AreaCode != "" {
		body.AreaCodeSelectOption = []string{req.AreaCode}
	}
	if req.Carrier != "" {
		body.CarrierSelectOption = []string{req.Carrier}
	}

	res, err := p.client.Call(ctx, p.upstream, Operation{
		Method: http.MethodPost,
		Path:   "/api/pub/v2/verifications",
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	var rr reservationResponse
	if err := res.Decode(&rr); err != nil {
		return nil, &domain.UpstreamError{Upstream: p.upstream, StatusCode: res.StatusCode, Message: "malformed reservation response", Err: err}
	}
	if rr.ID == "" || rr.Number == "" {
		return nil, &domain.UpstreamError{Upstream: p.upstream, StatusCode: res.StatusCode, Message: "reservation response missing id or number"}
	}

	p.logger.InfoContext(ctx, "Reserved number", "reservation_id", rr.ID, "service_name", req.ServiceName, "capability", req.Capability)
	return &domain.Reservation{ID: rr.ID, PhoneNumber: rr.Number}, nil
}

func (p *Provider) FetchMessages(ctx context.Context, reservationID string) (*domain.PollResult, error) {
	res, err := p.client.Call(ctx, p.upstream, Operation{
		Method: http.MethodGet,
		Path:   "/api/pub/v2/verifications/" + url.PathEscape(reservationID),
	})
	if err != nil {
		return nil, err
	}

	var sr reservationStatusResponse
	if err := res.Decode(&sr); err != nil {
		return nil, &domain.UpstreamError{Upstream: p.upstream, StatusCode: res.StatusCode, Message: "malformed status response", Err: err}
	}

	state, err := parseUpstreamState(sr.State)
	if err != nil {
		return nil, &domain.UpstreamError{Upstream: p.upstream, StatusCode: res.StatusCode, Err: err}
	}

	result := &domain.PollResult{Outcome: domain.PollEmpty, State: state}
	for _, m := range sr.SMS {
		if strings.TrimSpace(m.SMSContent) == "" {
			continue
		}
		result.Messages = append(result.Messages, domain.InboundMessage{Body: m.SMSContent, ReceivedAt: m.CreatedAt})
	}

	switch {
	case len(result.Messages) > 0:
		result.Outcome = domain.PollMessage
	case state == domain.UpstreamStateExpired || state == domain.UpstreamStateCancelled || state == domain.UpstreamStateFailed:
		result.Outcome = domain.PollTerminal
	}
	return result, nil
}

func (p *Provider) CancelReservation(ctx context.Context, reservationID string) error {
	_, err := p.client.Call(ctx, p.upstream, Operation{
		Method: http.MethodPost,
		Path:   "/api/pub/v2/verifications/" + url.PathEscape(reservationID) + "/cancel",
	})
	return err
}

func parseUpstreamState(s string) (domain.UpstreamState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pending", "verificationpending":
		return domain.UpstreamStatePending, nil
	case "completed", "verificationcompleted":
		return domain.UpstreamStateCompleted, nil
	case "expired", "timedout", "verificationtimedout":
		return domain.UpstreamStateExpired, nil
	case "cancelled", "canceled", "verificationcanceled", "refunded":
		return domain.UpstreamStateCancelled, nil
	case "failed", "verificationfailed":
		return domain.UpstreamStateFailed, nil
	default:
		return "", fmt.Errorf("unknown reservation state %q", s)
	}
}
