/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL the credit-service runs against the
 * `credit_accounts`, `credit_transactions`, `recharge_requests`, and
 * `admin_credentials` tables.
 *
 * The central method is ApplyBalanceChange: one transaction that locks the
 * account row (SELECT ... FOR UPDATE), applies the delta, recomputes the
 * blocked flag, appends the matching ledger record, and optionally fulfills a
 * recharge request. Per-account serializability comes from the row lock, not
 * from application code.
 *
 * @dependencies
 * - context, errors, fmt, strings, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/velora/credit-service/internal/domain"
)

var (
	ErrAccountNotFound           = errors.New("account not found")
	ErrAccountExists             = errors.New("account already exists")
	ErrInsufficientCredits       = errors.New("insufficient credits")
	ErrRechargeRequestNotFound   = errors.New("recharge request not found")
	ErrRechargeRequestNotPending = errors.New("recharge request is not pending")
	ErrAdminNotFound             = errors.New("admin credential not found")
)

const accountColumns = `id, external_identity_id, COALESCE(email, ''), plan, credits_remaining, credits_used, blocked, created_at, updated_at`

const transactionColumns = `id, account_id, change_amount, action, before_balance, after_balance, note, correlation_token, archived, created_at`

const rechargeColumns = `id, account_id, email, name, phone, requested_credits, amount_paid, payment_reference, status, admin_note, requested_at, fulfilled_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.ID,
		&account.ExternalIdentityID,
		&account.Email,
		&account.Plan,
		&account.CreditsRemaining,
		&account.CreditsUsed,
		&account.Blocked,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func scanTransaction(row rowScanner) (*domain.TransactionRecord, error) {
	var record domain.TransactionRecord
	err := row.Scan(
		&record.ID,
		&record.AccountID,
		&record.ChangeAmount,
		&record.Action,
		&record.BeforeBalance,
		&record.AfterBalance,
		&record.Note,
		&record.CorrelationToken,
		&record.Archived,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func scanRecharge(row rowScanner) (*domain.RechargeRequest, error) {
	var req domain.RechargeRequest
	err := row.Scan(
		&req.ID,
		&req.AccountID,
		&req.Email,
		&req.Name,
		&req.Phone,
		&req.RequestedCredits,
		&req.AmountPaid,
		&req.PaymentReference,
		&req.Status,
		&req.AdminNote,
		&req.RequestedAt,
		&req.FulfilledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRechargeRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// FindAccountByExternalID resolves an account from the identity provider's
// stable subject id.
func (r *PostgresRepository) FindAccountByExternalID(ctx context.Context, externalID string) (*domain.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM credit_accounts WHERE external_identity_id = $1`, accountColumns)
	return scanAccount(r.db.QueryRow(ctx, query, externalID))
}

// FindAccountByEmail resolves an account by case-insensitive email match.
func (r *PostgresRepository) FindAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM credit_accounts WHERE lower(email) = lower(btrim($1))`, accountColumns)
	return scanAccount(r.db.QueryRow(ctx, query, email))
}

// FindAccountByID retrieves an account by its internal id.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM credit_accounts WHERE id = $1`, accountColumns)
	return scanAccount(r.db.QueryRow(ctx, query, accountID))
}

// LinkExternalIdentity backfills the external-id link on an account that was
// matched by email. It never overwrites an existing link.
func (r *PostgresRepository) LinkExternalIdentity(ctx context.Context, accountID uuid.UUID, externalID string) error {
	query := `
		UPDATE credit_accounts
		SET external_identity_id = $1, updated_at = NOW()
		WHERE id = $2 AND external_identity_id IS NULL
	`
	_, err := r.db.Exec(ctx, query, externalID, accountID)
	return err
}

// emailParam returns the email as a nullable insert parameter. Identities
// without an email claim store NULL so the unique index on lower(email)
// cannot make two email-less accounts collide.
func emailParam(email string) *string {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// CreateAccount inserts a new account row. A race between two first-time
// resolutions surfaces as ErrAccountExists via the unique constraints on
// external_identity_id and lower(email); the caller is expected to retry the
// lookup.
func (r *PostgresRepository) CreateAccount(ctx context.Context, params NewAccountParams) (*domain.Account, error) {
	query := fmt.Sprintf(`
		INSERT INTO credit_accounts (id, external_identity_id, email, plan, credits_remaining, credits_used, blocked, created_at, updated_at)
		VALUES ($1, $2, lower(btrim($3)), $4, $5, 0, $5 <= 0, NOW(), NOW())
		RETURNING %s
	`, accountColumns)

	account, err := scanAccount(r.db.QueryRow(ctx, query,
		uuid.New(), params.ExternalIdentityID, emailParam(params.Email), params.Plan, params.StartingCredits))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAccountExists
		}
		return nil, err
	}
	return account, nil
}

// ApplyBalanceChange is the single balance mutation primitive. The blocked
// gate, the delta, the clamp, the ledger append, and any cited recharge
// fulfillment all commit in one transaction or not at all.
func (r *PostgresRepository) ApplyBalanceChange(ctx context.Context, params BalanceChangeParams) (*BalanceChangeResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}

	result, err := applyBalanceChangeInTx(ctx, tx, params)
	if err == nil {
		return result, nil
	}

	// Two concurrent retries can both pass the in-transaction token check;
	// the loser's insert aborts with a unique violation on the
	// (account_id, action, correlation_token) index. The winner's mutation
	// already committed, so the retry resolves to it.
	if isUniqueViolation(err) && params.CorrelationToken != nil {
		return r.findReplayedChange(ctx, params)
	}
	return nil, err
}

// ledgerTx is the slice of pgx.Tx the balance-change flow uses; tests supply
// an in-memory implementation.
type ledgerTx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

func applyBalanceChangeInTx(ctx context.Context, tx ledgerTx, params BalanceChangeParams) (*BalanceChangeResult, error) {
	defer tx.Rollback(ctx)

	// Lock the account row so two concurrent mutations for the same account
	// apply one after the other with no lost update.
	lockQuery := fmt.Sprintf(`SELECT %s FROM credit_accounts WHERE id = $1 FOR UPDATE`, accountColumns)
	account, err := scanAccount(tx.QueryRow(ctx, lockQuery, params.AccountID))
	if err != nil {
		return nil, err
	}

	// Resolve a retried correlation token before the blocked gate can refuse
	// it: the committed charge may be the very one that exhausted the account,
	// and a lost response must still replay as a success.
	if params.CorrelationToken != nil {
		record, err := findChangeByTokenTx(ctx, tx, params)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return &BalanceChangeResult{
				Account:  *account,
				Record:   *record,
				Replayed: true,
			}, nil
		}
	}

	if params.RequireUnblocked && account.Blocked {
		return nil, ErrInsufficientCredits
	}

	before := account.CreditsRemaining
	newRemaining, newUsed, blocked := domain.ApplyDelta(before, account.CreditsUsed, params.Delta, params.CountUsed, params.Floor)

	updated, err := scanAccount(tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE credit_accounts
		SET credits_remaining = $1, credits_used = $2, blocked = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING %s
	`, accountColumns), newRemaining, newUsed, blocked, params.AccountID))
	if err != nil {
		return nil, err
	}

	record, err := scanTransaction(tx.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO credit_transactions (id, account_id, change_amount, action, before_balance, after_balance, note, correlation_token, archived, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, NOW())
		RETURNING %s
	`, transactionColumns), uuid.New(), params.AccountID, params.Delta, params.Action, before, newRemaining, params.Note, params.CorrelationToken))
	if err != nil {
		return nil, err
	}

	if params.FulfillRequestID != nil {
		if err := fulfillRechargeRequestTx(ctx, tx, *params.FulfillRequestID, params.FulfilledBy); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &BalanceChangeResult{
		Account:         *updated,
		Record:          *record,
		BecameBlocked:   !account.Blocked && updated.Blocked,
		BecameUnblocked: account.Blocked && !updated.Blocked,
	}, nil
}

// fulfillRechargeRequestTx flips a pending recharge request to fulfilled
// inside the caller's transaction. A non-pending or missing request aborts
// the whole transaction, balance change included.
func fulfillRechargeRequestTx(ctx context.Context, tx ledgerTx, requestID uuid.UUID, fulfilledBy string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE recharge_requests
		SET status = $1,
		    fulfilled_at = NOW(),
		    admin_note = btrim(admin_note || ' ' || 'fulfilled by ' || $2)
		WHERE id = $3 AND status = $4
	`, domain.RechargeStatusFulfilled, fulfilledBy, requestID, domain.RechargeStatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var status string
		if scanErr := tx.QueryRow(ctx, `SELECT status FROM recharge_requests WHERE id = $1`, requestID).Scan(&status); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return ErrRechargeRequestNotFound
			}
			return scanErr
		}
		return ErrRechargeRequestNotPending
	}
	return nil
}

// findChangeByTokenTx looks up a prior mutation with the same correlation
// token under the account lock. No match returns (nil, nil).
func findChangeByTokenTx(ctx context.Context, tx ledgerTx, params BalanceChangeParams) (*domain.TransactionRecord, error) {
	record, err := scanTransaction(tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM credit_transactions
		WHERE account_id = $1 AND action = $2 AND correlation_token = $3
	`, transactionColumns), params.AccountID, params.Action, *params.CorrelationToken))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// findReplayedChange resolves an idempotent retry to the transaction record
// committed by the original call.
func (r *PostgresRepository) findReplayedChange(ctx context.Context, params BalanceChangeParams) (*BalanceChangeResult, error) {
	record, err := scanTransaction(r.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM credit_transactions
		WHERE account_id = $1 AND action = $2 AND correlation_token = $3
	`, transactionColumns), params.AccountID, params.Action, *params.CorrelationToken))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("correlation token conflict without matching record for account %s", params.AccountID)
		}
		return nil, err
	}

	account, err := r.FindAccountByID(ctx, params.AccountID)
	if err != nil {
		return nil, err
	}

	return &BalanceChangeResult{
		Account:  *account,
		Record:   *record,
		Replayed: true,
	}, nil
}

// ListTransactionsByAccountID returns ledger records for an account, newest first.
func (r *PostgresRepository) ListTransactionsByAccountID(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.TransactionRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM credit_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, transactionColumns), accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// ArchiveTransactionsBefore flags ledger records older than the cutoff as
// archived. The flag is the only write the log ever sees after insert.
func (r *PostgresRepository) ArchiveTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE credit_transactions
		SET archived = TRUE
		WHERE archived = FALSE AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateRechargeRequest inserts a new pending recharge request.
func (r *PostgresRepository) CreateRechargeRequest(ctx context.Context, req *domain.RechargeRequest) (*domain.RechargeRequest, error) {
	query := fmt.Sprintf(`
		INSERT INTO recharge_requests (id, account_id, email, name, phone, requested_credits, amount_paid, payment_reference, status, admin_note, requested_at)
		VALUES ($1, $2, lower(btrim($3)), $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING %s
	`, rechargeColumns)

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return scanRecharge(r.db.QueryRow(ctx, query,
		id, req.AccountID, req.Email, req.Name, req.Phone,
		req.RequestedCredits, req.AmountPaid, req.PaymentReference,
		domain.RechargeStatusPending, req.AdminNote))
}

// FindRechargeRequestByID retrieves a single recharge request.
func (r *PostgresRepository) FindRechargeRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.RechargeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM recharge_requests WHERE id = $1`, rechargeColumns)
	return scanRecharge(r.db.QueryRow(ctx, query, requestID))
}

// FindLatestRechargeRequestByEmail returns the most recent request for an
// email by submission time. Used by the duplicate-pending check.
func (r *PostgresRepository) FindLatestRechargeRequestByEmail(ctx context.Context, email string) (*domain.RechargeRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM recharge_requests
		WHERE lower(email) = lower(btrim($1))
		ORDER BY requested_at DESC
		LIMIT 1
	`, rechargeColumns)
	return scanRecharge(r.db.QueryRow(ctx, query, email))
}

// ListRechargeRequestsByStatus returns requests in a given state, oldest first
// so administrators work the queue in submission order.
func (r *PostgresRepository) ListRechargeRequestsByStatus(ctx context.Context, status string, opts RechargeListOptions) ([]domain.RechargeRequest, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM recharge_requests
		WHERE status = $1
		ORDER BY requested_at ASC
		LIMIT $2 OFFSET $3
	`, rechargeColumns), status, limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.RechargeRequest
	for rows.Next() {
		req, err := scanRecharge(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// RejectRechargeRequest transitions a pending request to rejected with no
// balance effect.
func (r *PostgresRepository) RejectRechargeRequest(ctx context.Context, requestID uuid.UUID, adminID string, note string) (*domain.RechargeRequest, error) {
	adminNote := fmt.Sprintf("rejected by %s", adminID)
	if strings.TrimSpace(note) != "" {
		adminNote = fmt.Sprintf("%s: %s", adminNote, strings.TrimSpace(note))
	}

	req, err := scanRecharge(r.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE recharge_requests
		SET status = $1,
		    admin_note = btrim(admin_note || ' ' || $2)
		WHERE id = $3 AND status = $4
		RETURNING %s
	`, rechargeColumns), domain.RechargeStatusRejected, adminNote, requestID, domain.RechargeStatusPending))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, ErrRechargeRequestNotFound) {
		return nil, err
	}

	// Distinguish a missing request from one already resolved.
	var status string
	if scanErr := r.db.QueryRow(ctx, `SELECT status FROM recharge_requests WHERE id = $1`, requestID).Scan(&status); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, ErrRechargeRequestNotFound
		}
		return nil, scanErr
	}
	return nil, ErrRechargeRequestNotPending
}

// FindAdminCredentialByAdminID loads one administrator's credential row.
func (r *PostgresRepository) FindAdminCredentialByAdminID(ctx context.Context, adminID string) (*domain.AdminCredential, error) {
	var cred domain.AdminCredential
	err := r.db.QueryRow(ctx, `
		SELECT admin_id, secret_hash, capabilities, disabled, created_at
		FROM admin_credentials
		WHERE admin_id = $1
	`, adminID).Scan(&cred.AdminID, &cred.SecretHash, &cred.Capabilities, &cred.Disabled, &cred.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAdminNotFound
		}
		return nil, err
	}
	return &cred, nil
}
