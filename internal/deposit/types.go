// Package deposit owns the deposit request lifecycle: creation, slip
// verification, admin review, recovery and expiry.
package deposit

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"slipdesk/internal/common/money"
	"slipdesk/internal/verify"
)

// Status represents the status of a deposit request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploaded  Status = "uploaded"
	StatusVerified  Status = "verified"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// transitions is the full state machine. Anything not listed here is an
// invalid transition. The persisted row's current status is always the
// authority; these sets back the conditional-update predicates in the
// store.
var transitions = map[Status][]Status{
	StatusPending:  {StatusUploaded, StatusCancelled, StatusExpired},
	StatusUploaded: {StatusVerified, StatusRejected, StatusCancelled, StatusExpired},
	StatusRejected: {StatusUploaded, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusVerified || s == StatusCancelled || s == StatusExpired
}

// DepositRequest is the unit of work: one user's promise to transfer a
// given amount to a store-owned account, proven later by a slip.
type DepositRequest struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	StoreAccountID string      `json:"store_account_id"`
	Amount         money.Money `json:"amount"`
	Status         Status      `json:"status"`
	RecoveryToken  string      `json:"recovery_token"`

	SlipImageRef   string     `json:"slip_image_ref,omitempty"`
	SlipUploadedAt *time.Time `json:"slip_uploaded_at,omitempty"`

	ProcessedBy     string     `json:"processed_by,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// IsExpired reports whether the request's deposit window has passed.
func (r *DepositRequest) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// TimeRemaining returns the seconds left in the deposit window, floored
// at zero.
func (r *DepositRequest) TimeRemaining(now time.Time) int64 {
	remaining := r.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return int64(remaining.Seconds())
}

// CanUploadSlip reports whether a slip upload is still permitted.
func (r *DepositRequest) CanUploadSlip(now time.Time) bool {
	if r.IsExpired(now) {
		return false
	}
	return r.Status == StatusPending || r.Status == StatusRejected
}

// recoveryTokenBytes gives 32 hex characters per token.
const recoveryTokenBytes = 16

// NewRecoveryToken generates an opaque fixed-length recovery token.
func NewRecoveryToken() (string, error) {
	buf := make([]byte, recoveryTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating recovery token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// StoreBankAccount is a destination account the platform owns. Referenced,
// never owned, by deposit requests.
type StoreBankAccount struct {
	ID               string    `json:"id"`
	AccountNumber    string    `json:"account_number"`
	AccountName      string    `json:"account_name"`
	AccountNameLatin string    `json:"account_name_latin,omitempty"`
	BankName         string    `json:"bank_name"`
	PromptPayNumber  string    `json:"promptpay_number,omitempty"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
}

// SlipRecord is the normalized, persisted result of one verification
// attempt. TransactionID is unique system-wide; that uniqueness is the
// platform's own duplicate-slip defense.
type SlipRecord struct {
	ID                string       `json:"id"`
	DepositRequestID  string       `json:"deposit_request_id"`
	TransactionID     string       `json:"transaction_id"`
	Amount            money.Money  `json:"amount"`
	TransferDate      time.Time    `json:"transfer_date"`
	SenderAccount     string       `json:"sender_account,omitempty"`
	SenderName        string       `json:"sender_name,omitempty"`
	SenderBank        string       `json:"sender_bank,omitempty"`
	ReceiverAccount   string       `json:"receiver_account,omitempty"`
	ReceiverName      string       `json:"receiver_name,omitempty"`
	ReceiverBank      string       `json:"receiver_bank,omitempty"`
	Refs              []string     `json:"refs,omitempty"`
	AccountMatch      verify.Match `json:"account_match"`
	AmountMatch       verify.Match `json:"amount_match"`
	NameMatch         verify.Match `json:"name_match"`
	VerificationScore float64      `json:"verification_score"`
	Status            SlipStatus   `json:"status"`
	RawPayload        []byte       `json:"-"` // audit only, never branched on
	CreatedAt         time.Time    `json:"created_at"`
}

// ExpiredRequest identifies one row swept into expired by the reaper.
type ExpiredRequest struct {
	ID     string
	UserID string
}

// SlipStatus mirrors the verification outcome on the slip record.
type SlipStatus string

const (
	SlipVerified SlipStatus = "verified"
	SlipReview   SlipStatus = "review"
	SlipRejected SlipStatus = "rejected"
)

// Summary is the deposit-request view returned to the user-facing flow.
type Summary struct {
	RequestID     string      `json:"request_id"`
	Amount        money.Money `json:"amount"`
	Status        Status      `json:"status"`
	AccountInfo   AccountInfo `json:"account_info"`
	RecoveryToken string      `json:"recovery_token"`
	ExpiresAt     time.Time   `json:"expires_at"`
	Instructions  []string    `json:"instructions"`
}

// AccountInfo is the copyable destination-account block.
type AccountInfo struct {
	AccountNumber   string `json:"account_number"`
	AccountName     string `json:"account_name"`
	BankName        string `json:"bank_name"`
	PromptPayNumber string `json:"promptpay_number,omitempty"`
}

// SlipUploadResult is returned after a slip upload attempt.
type SlipUploadResult struct {
	SlipID            string  `json:"slip_id,omitempty"`
	Status            Status  `json:"status"`
	Message           string  `json:"message"`
	VerificationScore float64 `json:"verification_score,omitempty"`
	WalletUpdated     bool    `json:"wallet_updated"`
}

// PendingItem is one entry in a user's pending-request listing.
type PendingItem struct {
	Summary
	TimeRemainingSeconds int64 `json:"time_remaining_seconds"`
	CanUploadSlip        bool  `json:"can_upload_slip"`
}

// buildInstructions renders the transfer steps shown alongside a new
// deposit request.
func buildInstructions(amount money.Money, account *StoreBankAccount, expiresAt time.Time) []string {
	instructions := []string{
		fmt.Sprintf("Transfer exactly %s to the account below.", amount),
		fmt.Sprintf("Bank: %s", account.BankName),
		fmt.Sprintf("Account number: %s", account.AccountNumber),
		fmt.Sprintf("Account name: %s", account.AccountName),
	}
	if account.PromptPayNumber != "" {
		instructions = append(instructions, fmt.Sprintf("PromptPay: %s", account.PromptPayNumber))
	}
	instructions = append(instructions,
		fmt.Sprintf("Upload your transfer slip before %s.", expiresAt.Format(time.RFC3339)),
	)
	return instructions
}
