package domain

import (
	"context"
	"time"
)

// ReserveFunc obtains the upstream reservation once the debit is held. Implementations call it without
// holding a database transaction or lock. Returning an error releases the debit.
type ReserveFunc func(ctx context.Context) (*Reservation, error)

// TerminalUpdate moves a pending verification into a terminal status, optionally with a refund.
type TerminalUpdate struct {
	VerificationID string
	Status         VerificationStatus
	Code           *string
	MessageBody    *string
	FailureReason  *string
	CompletedAt    time.Time
	Refund         *LedgerEntry
}

// VerificationRepository is the persistence boundary.
type VerificationRepository interface {
	// CreateWithDebit debits the owner, calls reserve and persists v as pending. When reserve or the final
	// write fails the debit is released, so a caller sees either a pending verification or no debit at all.
	// v.FreeQuota selects quota consumption instead of balance.
	CreateWithDebit(ctx context.Context, v *Verification, debit LedgerEntry, reserve ReserveFunc) (*Verification, error)
	// ApplyTerminal commits the status change and refund atomically. Returns ErrConflict when v is no longer pending.
	ApplyTerminal(ctx context.Context, upd TerminalUpdate) (*Verification, error)
	GetByID(ctx context.Context, id string) (*Verification, error)
	ListPending(ctx context.Context) ([]*Verification, error)
	LedgerForVerification(ctx context.Context, verificationID string) ([]LedgerEntry, error)
	GetAccount(ctx context.Context, ownerID string) (*Account, error)
}
