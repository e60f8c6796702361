package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerReason classifies a credit movement.
type LedgerReason string

const (
	LedgerReasonDebit           LedgerReason = "verification_debit"
	LedgerReasonRefund          LedgerReason = "verification_refund"
	LedgerReasonFreeQuotaDebit  LedgerReason = "verification_free_quota_debit"
	LedgerReasonFreeQuotaRefund LedgerReason = "verification_free_quota_refund"
)

// LedgerEntry is one credit movement. Amount is negative for debits.
type LedgerEntry struct {
	ID                    string          `json:"id"`
	OwnerID               string          `json:"owner_id"`
	Amount                decimal.Decimal `json:"amount"`
	Reason                LedgerReason    `json:"reason"`
	RelatedVerificationID *string         `json:"related_verification_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}

// IsRefund reports whether the entry gives credit (or quota) back.
func (e LedgerEntry) IsRefund() bool {
	return e.Reason == LedgerReasonRefund || e.Reason == LedgerReasonFreeQuotaRefund
}

// Account is the owner's spendable state as seen by the state machine.
type Account struct {
	OwnerID   string          `json:"owner_id"`
	Balance   decimal.Decimal `json:"balance"`
	FreeQuota int             `json:"free_quota"`
}
