package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

// DB is the subset of *pgxpool.Pool the repository needs. pgxmock pools satisfy it too.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgVerificationRepository struct {
	db     DB
	logger *slog.Logger
}

var _ domain.VerificationRepository = (*PgVerificationRepository)(nil)

func NewPgVerificationRepository(db DB, logger *slog.Logger) *PgVerificationRepository {
	return &PgVerificationRepository{db: db, logger: logger.With("component", "verification_repository_pg")}
}

const verificationColumns = `id, owner_id, service_name, phone_number, COALESCE(provider_reservation_id, ''), capability, status,
	cost::text, free_quota, requested_carrier, requested_area_code, code, message_body, failure_reason,
	created_at, completed_at`

// statusReserving marks a row whose debit is committed while the upstream reservation is still in flight.
// It never leaves the repository: the row becomes pending or is removed together with its debit.
const statusReserving = "reserving"

// releaseTimeout bounds the compensating transaction. It runs detached from the caller's cancellation.
const releaseTimeout = 10 * time.Second

// CreateWithDebit commits the debit and a reserving row first, calls reserve with no transaction open and
// then either promotes the row to pending or releases the debit.
func (r *PgVerificationRepository) CreateWithDebit(ctx context.Context, v *domain.Verification, debit domain.LedgerEntry, reserve domain.ReserveFunc) (*domain.Verification, error) {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := debitAccount(ctx, tx, v, debit); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO verifications (id, owner_id, service_name, capability, status, cost, free_quota,
			                           requested_carrier, requested_area_code, created_at)
			VALUES ($1, $2, $3, $4, '`+statusReserving+`', $5, $6, $7, $8, $9)`,
			v.ID, v.OwnerID, v.ServiceName, v.Capability, v.Cost, v.FreeQuota,
			v.RequestedCarrier, v.RequestedAreaCode, v.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert verification: %w", err)
		}
		return insertLedgerEntry(ctx, tx, debit)
	})
	if err != nil {
		return nil, err
	}

	res, err := reserve(ctx)
	if err != nil {
		r.release(ctx, v, debit)
		return nil, err
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE verifications SET provider_reservation_id = $2, phone_number = $3, status = $4
		WHERE id = $1 AND status = '`+statusReserving+`'`,
		v.ID, res.ID, res.PhoneNumber, domain.StatusPending,
	)
	if err == nil && tag.RowsAffected() == 0 {
		err = fmt.Errorf("verification %s left the reserving state", v.ID)
	}
	if err != nil {
		r.release(ctx, v, debit)
		return nil, fmt.Errorf("confirm reservation: %w", err)
	}

	stored := *v
	stored.ProviderReservationID = res.ID
	phone := res.PhoneNumber
	stored.PhoneNumber = &phone
	stored.Status = domain.StatusPending
	r.logger.InfoContext(ctx, "Verification created with debit", "verification_id", stored.ID, "owner_id", stored.OwnerID, "cost", stored.Cost)
	return &stored, nil
}

func debitAccount(ctx context.Context, tx pgx.Tx, v *domain.Verification, debit domain.LedgerEntry) error {
	var balanceText string
	var freeQuota int
	err := tx.QueryRow(ctx,
		`SELECT balance::text, free_quota FROM accounts WHERE owner_id = $1 FOR UPDATE`,
		v.OwnerID,
	).Scan(&balanceText, &freeQuota)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrAccountNotFound
		}
		return fmt.Errorf("lock account: %w", err)
	}
	balance, err := decimal.NewFromString(balanceText)
	if err != nil {
		return fmt.Errorf("parse balance: %w", err)
	}

	if v.FreeQuota {
		if freeQuota <= 0 {
			return domain.ErrInsufficientCredit
		}
		if _, err := tx.Exec(ctx, `UPDATE accounts SET free_quota = free_quota - 1 WHERE owner_id = $1`, v.OwnerID); err != nil {
			return fmt.Errorf("consume free quota: %w", err)
		}
		return nil
	}
	if balance.Add(debit.Amount).IsNegative() {
		return domain.ErrInsufficientCredit
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1 WHERE owner_id = $2`, debit.Amount, v.OwnerID); err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	return nil
}

// release undoes a debit whose reservation never materialised. A failure here leaves the row in the
// reserving state for an operator to reconcile.
func (r *PgVerificationRepository) release(ctx context.Context, v *domain.Verification, debit domain.LedgerEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM ledger_entries WHERE id = $1 AND related_verification_id IN (
				SELECT id FROM verifications WHERE id = $2 AND status = '`+statusReserving+`' FOR UPDATE)`,
			debit.ID, v.ID,
		)
		if err != nil {
			return fmt.Errorf("delete debit: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM verifications WHERE id = $1`, v.ID); err != nil {
			return fmt.Errorf("delete reserving verification: %w", err)
		}
		if v.FreeQuota {
			_, err = tx.Exec(ctx, `UPDATE accounts SET free_quota = free_quota + 1 WHERE owner_id = $1`, v.OwnerID)
		} else {
			_, err = tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1 WHERE owner_id = $2`, debit.Amount.Neg(), v.OwnerID)
		}
		if err != nil {
			return fmt.Errorf("restore credit: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to release debit, verification left reserving",
			"verification_id", v.ID, "owner_id", v.OwnerID, "error", err)
		return
	}
	r.logger.InfoContext(ctx, "Debit released", "verification_id", v.ID, "owner_id", v.OwnerID)
}

func (r *PgVerificationRepository) ApplyTerminal(ctx context.Context, upd domain.TerminalUpdate) (*domain.Verification, error) {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var ownerID, costText string
		var status domain.VerificationStatus
		err := tx.QueryRow(ctx,
			`SELECT owner_id, status, cost::text FROM verifications WHERE id = $1 FOR UPDATE`,
			upd.VerificationID,
		).Scan(&ownerID, &status, &costText)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("lock verification: %w", err)
		}
		if status.IsTerminal() {
			return domain.ErrConflict
		}

		if upd.Refund != nil {
			if err := applyRefund(ctx, tx, upd, ownerID, costText); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE verifications
			SET status = $2, code = $3, message_body = $4, failure_reason = $5, completed_at = $6
			WHERE id = $1 AND status = 'pending'`,
			upd.VerificationID, upd.Status, upd.Code, upd.MessageBody, upd.FailureReason, upd.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("update verification status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrConflict
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			current, getErr := r.GetByID(ctx, upd.VerificationID)
			if getErr != nil {
				return nil, getErr
			}
			return current, domain.ErrConflict
		}
		return nil, err
	}
	return r.GetByID(ctx, upd.VerificationID)
}

func applyRefund(ctx context.Context, tx pgx.Tx, upd domain.TerminalUpdate, ownerID, costText string) error {
	cost, err := decimal.NewFromString(costText)
	if err != nil {
		return fmt.Errorf("parse cost: %w", err)
	}
	var refundedText string
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM ledger_entries
		WHERE related_verification_id = $1 AND reason IN ($2, $3)`,
		upd.VerificationID, domain.LedgerReasonRefund, domain.LedgerReasonFreeQuotaRefund,
	).Scan(&refundedText)
	if err != nil {
		return fmt.Errorf("sum refunds: %w", err)
	}
	refunded, err := decimal.NewFromString(refundedText)
	if err != nil {
		return fmt.Errorf("parse refunded amount: %w", err)
	}
	if refunded.Add(upd.Refund.Amount).GreaterThan(cost) {
		return domain.ErrConflict
	}

	if upd.Refund.Reason == domain.LedgerReasonFreeQuotaRefund {
		_, err = tx.Exec(ctx, `UPDATE accounts SET free_quota = free_quota + 1 WHERE owner_id = $1`, ownerID)
	} else {
		_, err = tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1 WHERE owner_id = $2`, upd.Refund.Amount, ownerID)
	}
	if err != nil {
		return fmt.Errorf("credit refund: %w", err)
	}
	return insertLedgerEntry(ctx, tx, *upd.Refund)
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e domain.LedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, owner_id, amount, reason, related_verification_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.OwnerID, e.Amount, e.Reason, e.RelatedVerificationID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (r *PgVerificationRepository) GetByID(ctx context.Context, id string) (*domain.Verification, error) {
	row := r.db.QueryRow(ctx, `SELECT `+verificationColumns+` FROM verifications WHERE id = $1`, id)
	v, err := scanVerification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get verification %s: %w", id, err)
	}
	return v, nil
}

func (r *PgVerificationRepository) ListPending(ctx context.Context) ([]*domain.Verification, error) {
	rows, err := r.db.Query(ctx, `SELECT `+verificationColumns+` FROM verifications WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending verifications: %w", err)
	}
	defer rows.Close()

	var out []*domain.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending verification: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PgVerificationRepository) LedgerForVerification(ctx context.Context, verificationID string) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, owner_id, amount::text, reason, related_verification_id, created_at
		FROM ledger_entries WHERE related_verification_id = $1 ORDER BY created_at`,
		verificationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var amountText string
		if err := rows.Scan(&e.ID, &e.OwnerID, &amountText, &e.Reason, &e.RelatedVerificationID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amountText); err != nil {
			return nil, fmt.Errorf("parse ledger amount: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PgVerificationRepository) GetAccount(ctx context.Context, ownerID string) (*domain.Account, error) {
	var balanceText string
	acct := &domain.Account{OwnerID: ownerID}
	err := r.db.QueryRow(ctx, `SELECT balance::text, free_quota FROM accounts WHERE owner_id = $1`, ownerID).Scan(&balanceText, &acct.FreeQuota)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acct.Balance, err = decimal.NewFromString(balanceText); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return acct, nil
}

func scanVerification(row pgx.Row) (*domain.Verification, error) {
	var v domain.Verification
	var costText string
	var completedAt *time.Time
	err := row.Scan(
		&v.ID, &v.OwnerID, &v.ServiceName, &v.PhoneNumber, &v.ProviderReservationID, &v.Capability, &v.Status,
		&costText, &v.FreeQuota, &v.RequestedCarrier, &v.RequestedAreaCode, &v.Code, &v.MessageBody, &v.FailureReason,
		&v.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if v.Cost, err = decimal.NewFromString(costText); err != nil {
		return nil, fmt.Errorf("parse cost: %w", err)
	}
	v.CompletedAt = completedAt
	return &v, nil
}
