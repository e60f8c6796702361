// Package memory keeps verifications, accounts and the ledger in process memory.
// It backs local runs without postgres and the state-machine tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

// Store is a domain.VerificationRepository guarded by a single mutex.
// The mutex is never held across the upstream reservation call.
type Store struct {
	now func() time.Time

	mu            sync.Mutex
	accounts      map[string]*domain.Account
	verifications map[string]*domain.Verification
	ledger        []domain.LedgerEntry
	ledgerErr     error
}

var _ domain.VerificationRepository = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		now:           time.Now,
		accounts:      make(map[string]*domain.Account),
		verifications: make(map[string]*domain.Verification),
	}
}

// SetAccount creates or overwrites an owner's account.
func (s *Store) SetAccount(ownerID string, balance decimal.Decimal, freeQuota int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[ownerID] = &domain.Account{OwnerID: ownerID, Balance: balance, FreeQuota: freeQuota}
}

// FailLedgerWrites makes every following ledger write fail with err (nil restores normal behaviour).
func (s *Store) FailLedgerWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgerErr = err
}

func (s *Store) CreateWithDebit(ctx context.Context, v *domain.Verification, debit domain.LedgerEntry, reserve domain.ReserveFunc) (*domain.Verification, error) {
	s.mu.Lock()
	acct, ok := s.accounts[v.OwnerID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrAccountNotFound
	}
	if s.ledgerErr != nil {
		err := s.ledgerErr
		s.mu.Unlock()
		return nil, err
	}
	if v.FreeQuota {
		if acct.FreeQuota <= 0 {
			s.mu.Unlock()
			return nil, domain.ErrInsufficientCredit
		}
		acct.FreeQuota--
	} else {
		if acct.Balance.Add(debit.Amount).IsNegative() {
			s.mu.Unlock()
			return nil, domain.ErrInsufficientCredit
		}
		acct.Balance = acct.Balance.Add(debit.Amount)
	}
	s.mu.Unlock()

	res, err := reserve(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if v.FreeQuota {
			acct.FreeQuota++
		} else {
			acct.Balance = acct.Balance.Sub(debit.Amount)
		}
		return nil, err
	}

	stored := clone(v)
	stored.ProviderReservationID = res.ID
	phone := res.PhoneNumber
	stored.PhoneNumber = &phone
	stored.Status = domain.StatusPending
	s.verifications[stored.ID] = stored

	debit = s.stamp(debit)
	s.ledger = append(s.ledger, debit)
	return clone(stored), nil
}

func (s *Store) ApplyTerminal(ctx context.Context, upd domain.TerminalUpdate) (*domain.Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.verifications[upd.VerificationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if v.Status.IsTerminal() {
		return clone(v), domain.ErrConflict
	}

	if upd.Refund != nil {
		if s.ledgerErr != nil {
			return nil, s.ledgerErr
		}
		acct, ok := s.accounts[v.OwnerID]
		if !ok {
			return nil, domain.ErrAccountNotFound
		}
		refunded := decimal.Zero
		for _, e := range s.ledger {
			if e.IsRefund() && e.RelatedVerificationID != nil && *e.RelatedVerificationID == v.ID {
				refunded = refunded.Add(e.Amount)
			}
		}
		if refunded.Add(upd.Refund.Amount).GreaterThan(v.Cost) {
			return nil, domain.ErrConflict
		}
		if upd.Refund.Reason == domain.LedgerReasonFreeQuotaRefund {
			acct.FreeQuota++
		} else {
			acct.Balance = acct.Balance.Add(upd.Refund.Amount)
		}
		s.ledger = append(s.ledger, s.stamp(*upd.Refund))
	}

	v.Status = upd.Status
	v.Code = upd.Code
	v.MessageBody = upd.MessageBody
	v.FailureReason = upd.FailureReason
	completedAt := upd.CompletedAt
	v.CompletedAt = &completedAt
	return clone(v), nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*domain.Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(v), nil
}

func (s *Store) ListPending(ctx context.Context) ([]*domain.Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Verification
	for _, v := range s.verifications {
		if v.Status == domain.StatusPending {
			out = append(out, clone(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) LedgerForVerification(ctx context.Context, verificationID string) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range s.ledger {
		if e.RelatedVerificationID != nil && *e.RelatedVerificationID == verificationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, ownerID string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[ownerID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

// stamp must be called with mu held.
func (s *Store) stamp(e domain.LedgerEntry) domain.LedgerEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	return e
}

func clone(v *domain.Verification) *domain.Verification {
	cp := *v
	cp.PhoneNumber = cloneString(v.PhoneNumber)
	cp.RequestedCarrier = cloneString(v.RequestedCarrier)
	cp.RequestedAreaCode = cloneString(v.RequestedAreaCode)
	cp.Code = cloneString(v.Code)
	cp.MessageBody = cloneString(v.MessageBody)
	cp.FailureReason = cloneString(v.FailureReason)
	if v.CompletedAt != nil {
		t := *v.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
