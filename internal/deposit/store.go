package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"slipdesk/internal/common/database"
)

// Store persists deposit requests, slip records and store accounts.
// Every transition-performing method is an atomic conditional write: the
// expected current status is part of the update predicate, so a stale
// caller loses the race and gets an InvalidTransition error instead of
// silently overwriting.
type Store interface {
	CreateRequest(ctx context.Context, req *DepositRequest) error
	GetRequest(ctx context.Context, id string) (*DepositRequest, error)
	GetRequestByToken(ctx context.Context, token string) (*DepositRequest, error)

	// MarkUploaded moves pending/rejected -> uploaded and records the slip
	// reference. A request already at uploaded with no slip record (the
	// provider failed mid-attempt before anything was recorded) may be
	// re-marked so the upload can be retried. Fails on expired windows.
	MarkUploaded(ctx context.Context, id, slipRef string) (*DepositRequest, error)

	// Approve moves uploaded -> verified and invokes credit inside the same
	// transaction; if credit fails the transition is rolled back.
	Approve(ctx context.Context, id, processedBy string, credit func(ctx context.Context) error) (*DepositRequest, error)

	// Reject moves uploaded -> rejected with a machine-readable reason.
	Reject(ctx context.Context, id, processedBy, reason string) (*DepositRequest, error)

	// Cancel moves pending/uploaded/rejected -> cancelled, owner-checked.
	Cancel(ctx context.Context, id, userID string) (*DepositRequest, error)

	// ExtendExpiry pushes expires_at to newExpiry (never shortens).
	ExtendExpiry(ctx context.Context, id, userID string, newExpiry time.Time) (*DepositRequest, error)

	TouchAccess(ctx context.Context, id string) error
	ListActiveByUser(ctx context.Context, userID string) ([]*DepositRequest, error)

	// ExpireOverdue is the reaper's sweep: one bulk conditional update,
	// returns the rows it expired.
	ExpireOverdue(ctx context.Context) ([]ExpiredRequest, error)

	CreateSlipRecord(ctx context.Context, rec *SlipRecord) error
	TransactionSeen(ctx context.Context, transactionID string) (bool, error)
	HasSlipRecord(ctx context.Context, requestID string) (bool, error)

	GetStoreAccount(ctx context.Context, id string) (*StoreBankAccount, error)
	ListStoreAccounts(ctx context.Context, activeOnly bool) ([]*StoreBankAccount, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `
	id, user_id, store_account_id, amount_minor, currency, status,
	recovery_token, slip_image_ref, slip_uploaded_at,
	processed_by, processed_at, rejection_reason,
	created_at, updated_at, expires_at, last_accessed_at
`

// CreateRequest inserts a new deposit request.
func (s *PostgresStore) CreateRequest(ctx context.Context, req *DepositRequest) error {
	query := `
		INSERT INTO deposit_requests (
			id, user_id, store_account_id, amount_minor, currency, status,
			recovery_token, slip_image_ref, slip_uploaded_at,
			processed_by, processed_at, rejection_reason,
			created_at, updated_at, expires_at, last_accessed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`

	_, err := s.db.Exec(ctx, query,
		req.ID, req.UserID, req.StoreAccountID, req.Amount.AmountMinor, req.Amount.Currency, req.Status,
		req.RecoveryToken, nullStr(req.SlipImageRef), req.SlipUploadedAt,
		nullStr(req.ProcessedBy), req.ProcessedAt, nullStr(req.RejectionReason),
		req.CreatedAt, req.UpdatedAt, req.ExpiresAt, req.LastAccessedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return WrapE(KindValidation, "duplicate_request", "deposit request already exists", err)
		}
		return fmt.Errorf("insert deposit request: %w", err)
	}
	return nil
}

// GetRequest retrieves a deposit request by ID.
func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*DepositRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM deposit_requests WHERE id = $1`

	req, err := scanRequest(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(KindNotFound, "request_not_found", "deposit request not found")
		}
		return nil, fmt.Errorf("get deposit request: %w", err)
	}
	return req, nil
}

// GetRequestByToken retrieves a deposit request by recovery token.
func (s *PostgresStore) GetRequestByToken(ctx context.Context, token string) (*DepositRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM deposit_requests WHERE recovery_token = $1`

	req, err := scanRequest(s.db.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(KindRecoveryTokenInvalid, "token_not_found", "recovery token not found")
		}
		return nil, fmt.Errorf("get deposit request by token: %w", err)
	}
	return req, nil
}

// MarkUploaded transitions pending/rejected -> uploaded. An uploaded
// request with no slip record is also accepted: the earlier attempt died
// in transit to the provider, and the upload must remain retryable.
func (s *PostgresStore) MarkUploaded(ctx context.Context, id, slipRef string) (*DepositRequest, error) {
	query := `
		UPDATE deposit_requests
		SET status = 'uploaded', slip_image_ref = $2, slip_uploaded_at = now(),
		    rejection_reason = NULL, updated_at = now(), last_accessed_at = now()
		WHERE id = $1 AND expires_at > now()
		  AND (status IN ('pending', 'rejected')
		       OR (status = 'uploaded' AND NOT EXISTS (
		             SELECT 1 FROM slip_records
		             WHERE slip_records.deposit_request_id = deposit_requests.id)))
		RETURNING ` + requestColumns

	req, err := scanRequest(s.db.QueryRow(ctx, query, id, slipRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifyFailedTransition(ctx, id, "slip upload")
		}
		return nil, fmt.Errorf("mark uploaded: %w", err)
	}
	return req, nil
}

// Approve transitions uploaded -> verified and credits the wallet within
// the same transaction. The conditional UPDATE runs first and acts as the
// row lock; a concurrent approver gets zero rows and fails with
// InvalidTransition. If credit returns an error the transaction is rolled
// back and the request stays uploaded.
func (s *PostgresStore) Approve(ctx context.Context, id, processedBy string, credit func(ctx context.Context) error) (*DepositRequest, error) {
	query := `
		UPDATE deposit_requests
		SET status = 'verified', processed_by = $2, processed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'uploaded' AND expires_at > now()
		RETURNING ` + requestColumns

	var req *DepositRequest
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		r, err := scanRequest(tx.QueryRow(ctx, query, id, processedBy))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return s.classifyFailedTransitionTx(ctx, tx, id, "approval")
			}
			return fmt.Errorf("approve: %w", err)
		}
		if err := credit(ctx); err != nil {
			return WrapE(KindCreditFailed, "credit_failed", "wallet credit failed", err)
		}
		req = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Reject transitions uploaded -> rejected.
func (s *PostgresStore) Reject(ctx context.Context, id, processedBy, reason string) (*DepositRequest, error) {
	query := `
		UPDATE deposit_requests
		SET status = 'rejected', processed_by = $2, processed_at = now(),
		    rejection_reason = $3, updated_at = now()
		WHERE id = $1 AND status = 'uploaded' AND expires_at > now()
		RETURNING ` + requestColumns

	req, err := scanRequest(s.db.QueryRow(ctx, query, id, processedBy, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifyFailedTransition(ctx, id, "rejection")
		}
		return nil, fmt.Errorf("reject: %w", err)
	}
	return req, nil
}

// Cancel transitions pending/uploaded/rejected -> cancelled for the owner.
func (s *PostgresStore) Cancel(ctx context.Context, id, userID string) (*DepositRequest, error) {
	query := `
		UPDATE deposit_requests
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND user_id = $2
		  AND status IN ('pending', 'uploaded', 'rejected') AND expires_at > now()
		RETURNING ` + requestColumns

	req, err := scanRequest(s.db.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifyFailedOwnedTransition(ctx, id, userID, "cancellation")
		}
		return nil, fmt.Errorf("cancel: %w", err)
	}
	return req, nil
}

// ExtendExpiry pushes the expiry forward. GREATEST guards the invariant
// that expires_at is only ever extended, never shortened.
func (s *PostgresStore) ExtendExpiry(ctx context.Context, id, userID string, newExpiry time.Time) (*DepositRequest, error) {
	query := `
		UPDATE deposit_requests
		SET expires_at = GREATEST(expires_at, $3), updated_at = now(), last_accessed_at = now()
		WHERE id = $1 AND user_id = $2
		  AND status IN ('pending', 'uploaded', 'rejected') AND expires_at > now()
		RETURNING ` + requestColumns

	req, err := scanRequest(s.db.QueryRow(ctx, query, id, userID, newExpiry))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifyFailedOwnedTransition(ctx, id, userID, "expiry extension")
		}
		return nil, fmt.Errorf("extend expiry: %w", err)
	}
	return req, nil
}

// TouchAccess updates last_accessed_at.
func (s *PostgresStore) TouchAccess(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE deposit_requests SET last_accessed_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch access: %w", err)
	}
	return nil
}

// ListActiveByUser lists a user's non-expired pending/uploaded requests.
func (s *PostgresStore) ListActiveByUser(ctx context.Context, userID string) ([]*DepositRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM deposit_requests
		WHERE user_id = $1 AND status IN ('pending', 'uploaded') AND expires_at > now()
		ORDER BY created_at DESC
	`

	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list active requests: %w", err)
	}
	defer rows.Close()

	var reqs []*DepositRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// ExpireOverdue bulk-expires overdue pending/uploaded requests. The
// predicate makes the sweep race-safe: a row transitioned by another actor
// just before the sweep no longer matches and is left alone.
func (s *PostgresStore) ExpireOverdue(ctx context.Context) ([]ExpiredRequest, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE deposit_requests
		SET status = 'expired', updated_at = now()
		WHERE status IN ('pending', 'uploaded') AND expires_at < now()
		RETURNING id, user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("expire overdue requests: %w", err)
	}
	defer rows.Close()

	var expired []ExpiredRequest
	for rows.Next() {
		var e ExpiredRequest
		if err := rows.Scan(&e.ID, &e.UserID); err != nil {
			return nil, fmt.Errorf("scan expired request: %w", err)
		}
		expired = append(expired, e)
	}
	return expired, rows.Err()
}

// CreateSlipRecord inserts a slip record. A transaction-id collision maps
// to DuplicateSlip, the platform's own duplicate defense.
func (s *PostgresStore) CreateSlipRecord(ctx context.Context, rec *SlipRecord) error {
	query := `
		INSERT INTO slip_records (
			id, deposit_request_id, transaction_id, amount_minor, currency,
			transfer_date, sender_account, sender_name, sender_bank,
			receiver_account, receiver_name, receiver_bank, refs,
			account_match, amount_match, name_match, verification_score,
			status, raw_payload, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
	`

	refs, _ := json.Marshal(rec.Refs)

	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.DepositRequestID, rec.TransactionID, rec.Amount.AmountMinor, rec.Amount.Currency,
		rec.TransferDate, nullStr(rec.SenderAccount), nullStr(rec.SenderName), nullStr(rec.SenderBank),
		nullStr(rec.ReceiverAccount), nullStr(rec.ReceiverName), nullStr(rec.ReceiverBank), refs,
		rec.AccountMatch, rec.AmountMatch, rec.NameMatch, rec.VerificationScore,
		rec.Status, rec.RawPayload, rec.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return WrapE(KindDuplicateSlip, "duplicate_transaction",
				fmt.Sprintf("transaction %s already recorded", rec.TransactionID), err)
		}
		return fmt.Errorf("insert slip record: %w", err)
	}
	return nil
}

// TransactionSeen reports whether a provider transaction id is already
// recorded system-wide.
func (s *PostgresStore) TransactionSeen(ctx context.Context, transactionID string) (bool, error) {
	var seen bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM slip_records WHERE transaction_id = $1)`,
		transactionID,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check transaction id: %w", err)
	}
	return seen, nil
}

// HasSlipRecord reports whether any verification outcome has been
// recorded for a deposit request.
func (s *PostgresStore) HasSlipRecord(ctx context.Context, requestID string) (bool, error) {
	var has bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM slip_records WHERE deposit_request_id = $1)`,
		requestID,
	).Scan(&has)
	if err != nil {
		return false, fmt.Errorf("check slip record: %w", err)
	}
	return has, nil
}

// GetStoreAccount retrieves a store bank account by ID.
func (s *PostgresStore) GetStoreAccount(ctx context.Context, id string) (*StoreBankAccount, error) {
	query := `
		SELECT id, account_number, account_name, account_name_latin,
		       bank_name, promptpay_number, is_active, created_at
		FROM store_accounts WHERE id = $1
	`

	var a StoreBankAccount
	var nameLatin, promptpay *string
	err := s.db.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.AccountNumber, &a.AccountName, &nameLatin,
		&a.BankName, &promptpay, &a.IsActive, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(KindNotFound, "store_account_not_found", "store account not found")
		}
		return nil, fmt.Errorf("get store account: %w", err)
	}
	if nameLatin != nil {
		a.AccountNameLatin = *nameLatin
	}
	if promptpay != nil {
		a.PromptPayNumber = *promptpay
	}
	return &a, nil
}

// ListStoreAccounts lists store bank accounts.
func (s *PostgresStore) ListStoreAccounts(ctx context.Context, activeOnly bool) ([]*StoreBankAccount, error) {
	query := `
		SELECT id, account_number, account_name, account_name_latin,
		       bank_name, promptpay_number, is_active, created_at
		FROM store_accounts
		WHERE ($1 = false OR is_active = true)
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list store accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*StoreBankAccount
	for rows.Next() {
		var a StoreBankAccount
		var nameLatin, promptpay *string
		if err := rows.Scan(
			&a.ID, &a.AccountNumber, &a.AccountName, &nameLatin,
			&a.BankName, &promptpay, &a.IsActive, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan store account: %w", err)
		}
		if nameLatin != nil {
			a.AccountNameLatin = *nameLatin
		}
		if promptpay != nil {
			a.PromptPayNumber = *promptpay
		}
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

// classifyFailedTransition explains why a conditional update matched no
// rows: missing, expired window, or a genuine status conflict.
func (s *PostgresStore) classifyFailedTransition(ctx context.Context, id, attempted string) error {
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if !req.Status.IsTerminal() && req.IsExpired(time.Now().UTC()) {
		return E(KindInvalidTransition, "window_expired",
			fmt.Sprintf("request %s deposit window has expired; %s is not allowed", id, attempted))
	}
	return invalidTransition(id, req.Status, attempted)
}

func (s *PostgresStore) classifyFailedTransitionTx(ctx context.Context, tx pgx.Tx, id, attempted string) error {
	var status Status
	var expiresAt time.Time
	err := tx.QueryRow(ctx,
		`SELECT status, expires_at FROM deposit_requests WHERE id = $1`, id,
	).Scan(&status, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return E(KindNotFound, "request_not_found", "deposit request not found")
		}
		return fmt.Errorf("classify transition failure: %w", err)
	}
	if !status.IsTerminal() && time.Now().UTC().After(expiresAt) {
		return E(KindInvalidTransition, "window_expired",
			fmt.Sprintf("request %s deposit window has expired; %s is not allowed", id, attempted))
	}
	return invalidTransition(id, status, attempted)
}

func (s *PostgresStore) classifyFailedOwnedTransition(ctx context.Context, id, userID, attempted string) error {
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.UserID != userID {
		// Do not reveal another user's request.
		return E(KindNotFound, "request_not_found", "deposit request not found")
	}
	if !req.Status.IsTerminal() && req.IsExpired(time.Now().UTC()) {
		return E(KindInvalidTransition, "window_expired",
			fmt.Sprintf("request %s deposit window has expired; %s is not allowed", id, attempted))
	}
	return invalidTransition(id, req.Status, attempted)
}

func scanRequest(row pgx.Row) (*DepositRequest, error) {
	var r DepositRequest
	var slipRef, processedBy, rejectionReason *string

	err := row.Scan(
		&r.ID, &r.UserID, &r.StoreAccountID, &r.Amount.AmountMinor, &r.Amount.Currency, &r.Status,
		&r.RecoveryToken, &slipRef, &r.SlipUploadedAt,
		&processedBy, &r.ProcessedAt, &rejectionReason,
		&r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt, &r.LastAccessedAt,
	)
	if err != nil {
		return nil, err
	}

	if slipRef != nil {
		r.SlipImageRef = *slipRef
	}
	if processedBy != nil {
		r.ProcessedBy = *processedBy
	}
	if rejectionReason != nil {
		r.RejectionReason = *rejectionReason
	}

	return &r, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
