package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

// CreateRequest is what an owner asks for. Carrier and AreaCode are optional filters.
type CreateRequest struct {
	ServiceName string
	Capability  domain.Capability
	Carrier     string
	AreaCode    string
}

// EventPublisher delivers an event to the owner's live connection, if any.
type EventPublisher interface {
	Send(ctx context.Context, ownerID string, ev domain.Event) bool
}

// PollStarter starts and stops the poll session for a verification.
type PollStarter interface {
	Start(v domain.Verification) bool
	Stop(verificationID string) bool
}

// VerificationService owns the verification lifecycle and the credit movements attached to it.
// Every transition for one id runs under that id's lock; different ids proceed in parallel.
type VerificationService struct {
	repo     domain.VerificationRepository
	provider domain.ReservationProvider
	pricer   Pricer
	events   EventPublisher
	poller   PollStarter
	logger   *slog.Logger
	locks    *keyedMutex
	now      func() time.Time

	reserveTimeout time.Duration
	cancelTimeout  time.Duration
}

const (
	defaultReserveTimeout = 2 * time.Minute
	defaultCancelTimeout  = 10 * time.Second
)

// NewVerificationService wires the state machine. events may be nil when nobody listens.
func NewVerificationService(
	repo domain.VerificationRepository,
	provider domain.ReservationProvider,
	pricer Pricer,
	events EventPublisher,
	logger *slog.Logger,
) *VerificationService {
	return &VerificationService{
		repo:     repo,
		provider: provider,
		pricer:   pricer,
		events:   events,
		logger:   logger.With("component", "verification_service"),
		locks:    newKeyedMutex(),
		now:      time.Now,

		reserveTimeout: defaultReserveTimeout,
		cancelTimeout:  defaultCancelTimeout,
	}
}

// SetUpstreamTimeouts bounds the reservation call made during create and the best effort upstream cancel.
// Zero keeps the current value.
func (s *VerificationService) SetUpstreamTimeouts(reserve, cancel time.Duration) {
	if reserve > 0 {
		s.reserveTimeout = reserve
	}
	if cancel > 0 {
		s.cancelTimeout = cancel
	}
}

// SetPoller attaches the poll scheduler. The scheduler itself depends on the service, so it is wired after construction.
func (s *VerificationService) SetPoller(p PollStarter) {
	s.poller = p
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.ServiceName) == "" {
		return fmt.Errorf("%w: service name is required", domain.ErrInvalidRequest)
	}
	if !r.Capability.Valid() {
		return fmt.Errorf("%w: unsupported capability %q", domain.ErrInvalidRequest, r.Capability)
	}
	return nil
}

// Create debits the owner, reserves a number upstream and persists a pending verification as one unit.
// An upstream failure leaves neither a debit nor a verification behind.
func (s *VerificationService) Create(ctx context.Context, ownerID string, req CreateRequest) (*domain.Verification, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrInvalidRequest)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	price, err := s.pricer.Price(ctx, req.ServiceName, req.Capability)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", req.ServiceName, err)
	}

	acct, err := s.repo.GetAccount(ctx, ownerID)
	if err != nil {
		verificationsCreatedTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	useQuota := acct.FreeQuota > 0
	if !useQuota && acct.Balance.LessThan(price) {
		verificationsCreatedTotal.WithLabelValues("insufficient_credit").Inc()
		return nil, domain.ErrInsufficientCredit
	}

	v, err := s.create(ctx, ownerID, req, price, useQuota)
	if useQuota && errors.Is(err, domain.ErrInsufficientCredit) {
		// The last quota unit went to a concurrent request; fall back to balance.
		v, err = s.create(ctx, ownerID, req, price, false)
	}
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInsufficientCredit):
			verificationsCreatedTotal.WithLabelValues("insufficient_credit").Inc()
		case domain.IsUnavailable(err):
			verificationsCreatedTotal.WithLabelValues("upstream_unavailable").Inc()
		default:
			verificationsCreatedTotal.WithLabelValues("error").Inc()
		}
		s.logger.WarnContext(ctx, "Verification create failed", "owner_id", ownerID, "service_name", req.ServiceName, "error", err)
		return nil, err
	}
	verificationsCreatedTotal.WithLabelValues("success").Inc()

	s.logger.InfoContext(ctx, "Verification created",
		"verification_id", v.ID, "owner_id", ownerID, "service_name", v.ServiceName,
		"cost", v.Cost.String(), "free_quota", v.FreeQuota)
	s.publish(ctx, domain.NewVerificationEvent(domain.EventVerificationUpdate, v, s.now()))
	if s.poller != nil {
		s.poller.Start(*v)
	}
	return v, nil
}

func (s *VerificationService) create(ctx context.Context, ownerID string, req CreateRequest, price decimal.Decimal, useQuota bool) (*domain.Verification, error) {
	now := s.now().UTC()
	v := &domain.Verification{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		ServiceName: strings.TrimSpace(req.ServiceName),
		Capability:  req.Capability,
		Status:      domain.StatusPending,
		Cost:        price,
		FreeQuota:   useQuota,
		CreatedAt:   now,
	}
	if req.Carrier != "" {
		carrier := req.Carrier
		v.RequestedCarrier = &carrier
	}
	if req.AreaCode != "" {
		areaCode := req.AreaCode
		v.RequestedAreaCode = &areaCode
	}

	debit := domain.LedgerEntry{
		ID:                    uuid.NewString(),
		OwnerID:               ownerID,
		Amount:                price.Neg(),
		Reason:                domain.LedgerReasonDebit,
		RelatedVerificationID: &v.ID,
		CreatedAt:             now,
	}
	if useQuota {
		v.Cost = decimal.Zero
		debit.Amount = decimal.Zero
		debit.Reason = domain.LedgerReasonFreeQuotaDebit
	}

	var reserved *domain.Reservation
	reserve := func(ctx context.Context) (*domain.Reservation, error) {
		ctx, cancel := context.WithTimeout(ctx, s.reserveTimeout)
		defer cancel()
		res, err := s.provider.CreateReservation(ctx, domain.ReservationRequest{
			ServiceName: v.ServiceName,
			Capability:  v.Capability,
			Carrier:     req.Carrier,
			AreaCode:    req.AreaCode,
		})
		if err != nil {
			return nil, err
		}
		reserved = res
		return res, nil
	}

	stored, err := s.repo.CreateWithDebit(ctx, v, debit, reserve)
	if err != nil {
		if reserved != nil {
			// The number was handed out but nothing was persisted.
			s.cancelUpstream(ctx, v.ID, reserved.ID)
		}
		return nil, err
	}
	return stored, nil
}

// MarkCompleted resolves a pending verification with the received message. No refund is issued.
func (s *VerificationService) MarkCompleted(ctx context.Context, id, code, message string) (*domain.Verification, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	v, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status.IsTerminal() {
		return v, nil
	}

	upd := domain.TerminalUpdate{
		VerificationID: id,
		Status:         domain.StatusCompleted,
		MessageBody:    &message,
		CompletedAt:    s.now().UTC(),
	}
	if code != "" {
		upd.Code = &code
	}
	return s.applyTerminal(ctx, upd, domain.EventSMSReceived)
}

// MarkFailedOrExpired resolves a pending verification without a code and refunds its full cost.
func (s *VerificationService) MarkFailedOrExpired(ctx context.Context, id string, reason domain.FailureReason) (*domain.Verification, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	v, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status.IsTerminal() {
		return v, nil
	}
	return s.applyTerminal(ctx, s.refundUpdate(v, reason), domain.EventVerificationUpdate)
}

// Cancel lets the owner give a pending verification back. The refund is committed first; stopping the poll
// session and cancelling upstream follow only once it is. If the refund fails the session keeps running, so the
// verification still reaches a terminal status through the poll ceiling.
func (s *VerificationService) Cancel(ctx context.Context, id, ownerID string) (*domain.Verification, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	v, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.OwnerID != ownerID {
		return nil, domain.ErrAccessDenied
	}
	if v.Status.IsTerminal() {
		return v, nil
	}

	cancelled, err := s.applyTerminal(ctx, s.refundUpdate(v, domain.ReasonOwnerCancelled), domain.EventVerificationUpdate)
	if err != nil {
		return nil, err
	}
	if s.poller != nil {
		s.poller.Stop(id)
	}
	if cancelled.Status == domain.StatusCancelled {
		s.cancelUpstream(ctx, id, v.ProviderReservationID)
	}
	return cancelled, nil
}

// Get returns the verification if ownerID owns it.
func (s *VerificationService) Get(ctx context.Context, id, ownerID string) (*domain.Verification, error) {
	v, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.OwnerID != ownerID {
		return nil, domain.ErrAccessDenied
	}
	return v, nil
}

func (s *VerificationService) ListPending(ctx context.Context) ([]*domain.Verification, error) {
	return s.repo.ListPending(ctx)
}

func (s *VerificationService) refundUpdate(v *domain.Verification, reason domain.FailureReason) domain.TerminalUpdate {
	now := s.now().UTC()
	reasonText := string(reason)
	refund := &domain.LedgerEntry{
		ID:                    uuid.NewString(),
		OwnerID:               v.OwnerID,
		Amount:                v.Cost,
		Reason:                domain.LedgerReasonRefund,
		RelatedVerificationID: &v.ID,
		CreatedAt:             now,
	}
	if v.FreeQuota {
		refund.Amount = decimal.Zero
		refund.Reason = domain.LedgerReasonFreeQuotaRefund
	}
	return domain.TerminalUpdate{
		VerificationID: v.ID,
		Status:         reason.TerminalStatus(),
		FailureReason:  &reasonText,
		CompletedAt:    now,
		Refund:         refund,
	}
}

// applyTerminal must be called with the id lock held.
func (s *VerificationService) applyTerminal(ctx context.Context, upd domain.TerminalUpdate, eventType domain.EventType) (*domain.Verification, error) {
	v, err := s.repo.ApplyTerminal(ctx, upd)
	if errors.Is(err, domain.ErrConflict) {
		s.logger.InfoContext(ctx, "Transition skipped, verification already terminal",
			"verification_id", upd.VerificationID, "requested_status", upd.Status)
		if v != nil {
			return v, nil
		}
		return s.repo.GetByID(ctx, upd.VerificationID)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to apply transition",
			"verification_id", upd.VerificationID, "status", upd.Status, "error", err)
		return nil, fmt.Errorf("apply %s transition to %s: %w", upd.Status, upd.VerificationID, err)
	}

	verificationTransitionsTotal.WithLabelValues(string(v.Status)).Inc()
	logArgs := []any{"verification_id", v.ID, "owner_id", v.OwnerID, "status", v.Status}
	if upd.Refund != nil {
		verificationRefundsTotal.WithLabelValues(*upd.FailureReason).Inc()
		logArgs = append(logArgs, "refund", upd.Refund.Amount.String(), "reason", *upd.FailureReason)
	}
	s.logger.InfoContext(ctx, "Verification transitioned", logArgs...)

	s.publish(ctx, domain.NewVerificationEvent(eventType, v, s.now()))
	return v, nil
}

func (s *VerificationService) cancelUpstream(ctx context.Context, verificationID, reservationID string) {
	if reservationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cancelTimeout)
	defer cancel()
	if err := s.provider.CancelReservation(ctx, reservationID); err != nil {
		s.logger.WarnContext(ctx, "Upstream cancel failed",
			"verification_id", verificationID, "reservation_id", reservationID, "error", err)
	}
}

func (s *VerificationService) publish(ctx context.Context, ev domain.Event) {
	if s.events == nil {
		return
	}
	if !s.events.Send(ctx, ev.OwnerID, ev) {
		s.logger.DebugContext(ctx, "Event not delivered, owner offline", "owner_id", ev.OwnerID, "event_type", ev.Type)
	}
}
