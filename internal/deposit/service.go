package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"slipdesk/internal/common/events"
	"slipdesk/internal/common/money"
	"slipdesk/internal/verify"
)

// Config holds deposit lifecycle configuration. Loaded once, injected as
// an immutable snapshot.
type Config struct {
	MinAmountMinor int64          `envconfig:"DEPOSIT_MIN_AMOUNT_MINOR" default:"2000"`
	MaxAmountMinor int64          `envconfig:"DEPOSIT_MAX_AMOUNT_MINOR" default:"10000000"`
	Currency       money.Currency `envconfig:"DEPOSIT_CURRENCY" default:"THB"`
	DefaultWindow  time.Duration  `envconfig:"DEPOSIT_DEFAULT_WINDOW" default:"24h"`
	MaxWindow      time.Duration  `envconfig:"DEPOSIT_MAX_WINDOW" default:"72h"`
}

// Verifier calls the external slip verification provider.
type Verifier interface {
	Verify(ctx context.Context, req *verify.Request) (*verify.Result, error)
}

// WalletClient is the single wallet operation this subsystem consumes.
type WalletClient interface {
	Credit(ctx context.Context, userID string, amount money.Money, reference string) error
}

// Service orchestrates the deposit request lifecycle.
type Service struct {
	cfg       Config
	store     Store
	verifier  Verifier
	scorer    *verify.Scorer
	wallet    WalletClient
	publisher events.Publisher
	logger    *slog.Logger
}

// NewService creates a new deposit service.
func NewService(cfg Config, store Store, verifier Verifier, scorer *verify.Scorer, wallet WalletClient, publisher events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		verifier:  verifier,
		scorer:    scorer,
		wallet:    wallet,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateRequest is the request to create a deposit.
type CreateRequest struct {
	UserID         string `json:"-"`
	StoreAccountID string `json:"store_account_id" validate:"required"`
	AmountMinor    int64  `json:"amount_minor" validate:"required,gt=0"`
}

// Create validates amount bounds and the target account, then opens a new
// deposit request in pending with a fresh recovery token.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Summary, error) {
	if req.UserID == "" {
		return nil, E(KindValidation, "missing_user", "user id is required")
	}
	if req.AmountMinor < s.cfg.MinAmountMinor {
		return nil, E(KindValidation, "amount_below_minimum",
			fmt.Sprintf("amount must be at least %s", money.New(s.cfg.MinAmountMinor, s.cfg.Currency)))
	}
	if req.AmountMinor > s.cfg.MaxAmountMinor {
		return nil, E(KindValidation, "amount_above_maximum",
			fmt.Sprintf("amount must be at most %s", money.New(s.cfg.MaxAmountMinor, s.cfg.Currency)))
	}

	account, err := s.store.GetStoreAccount(ctx, req.StoreAccountID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive {
		return nil, E(KindValidation, "account_inactive", "store account is not accepting deposits")
	}

	token, err := NewRecoveryToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	request := &DepositRequest{
		ID:             ulid.Make().String(),
		UserID:         req.UserID,
		StoreAccountID: account.ID,
		Amount:         money.New(req.AmountMinor, s.cfg.Currency),
		Status:         StatusPending,
		RecoveryToken:  token,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.DefaultWindow),
		LastAccessedAt: now,
	}

	if err := s.store.CreateRequest(ctx, request); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventDepositCreated, request.ID, events.DepositCreatedData{
		RequestID:      request.ID,
		UserID:         request.UserID,
		StoreAccountID: request.StoreAccountID,
		AmountMinor:    request.Amount.AmountMinor,
		Currency:       string(request.Amount.Currency),
		ExpiresAt:      request.ExpiresAt,
	})

	s.logger.Info("deposit request created",
		"request_id", request.ID,
		"user_id", request.UserID,
		"amount", request.Amount.AmountMinor,
		"expires_at", request.ExpiresAt,
	)

	return s.summarize(request, account), nil
}

// AttachSlip records the slip, runs verification, and applies the
// auto-approval decision. The request moves to uploaded before the
// provider call, so a provider outage leaves it recoverable there.
func (s *Service) AttachSlip(ctx context.Context, requestID, userID string, image []byte, filename string) (*SlipUploadResult, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.UserID != userID {
		return nil, E(KindNotFound, "request_not_found", "deposit request not found")
	}
	if len(image) == 0 {
		return nil, E(KindValidation, "empty_image", "slip image is required")
	}

	account, err := s.store.GetStoreAccount(ctx, req.StoreAccountID)
	if err != nil {
		return nil, err
	}

	slipRef := fmt.Sprintf("%s/%s", ulid.Make().String(), filename)
	req, err = s.store.MarkUploaded(ctx, requestID, slipRef)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventSlipUploaded, req.ID, events.SlipUploadedData{
		RequestID: req.ID,
		UserID:    req.UserID,
		SlipRef:   slipRef,
	})

	result, err := s.verifier.Verify(ctx, &verify.Request{
		Image:             image,
		Filename:          filename,
		ReceiverAccount:   account.AccountNumber,
		ReceiverNameLocal: account.AccountName,
		ReceiverNameLatin: account.AccountNameLatin,
		ExpectedAmount:    req.Amount,
		TransferredAfter:  req.CreatedAt,
	})
	if err != nil {
		return nil, s.handleVerifyFailure(ctx, req, err)
	}

	seen, err := s.store.TransactionSeen(ctx, result.TransactionID)
	if err != nil {
		return nil, err
	}

	assessment := s.scorer.Assess(result, verify.Expected{
		AccountNumber: account.AccountNumber,
		AccountName:   account.AccountName,
		Amount:        req.Amount,
	}, !seen)

	if seen {
		if _, rejErr := s.store.Reject(ctx, req.ID, "system", verify.ReasonDuplicateSlip); rejErr != nil {
			s.logger.Error("failed to reject duplicate slip", "request_id", req.ID, "error", rejErr)
		}
		s.publishRejected(ctx, req, verify.ReasonDuplicateSlip, "system")
		s.logger.Warn("duplicate slip detected",
			"request_id", req.ID,
			"transaction_id", result.TransactionID,
		)
		return nil, E(KindDuplicateSlip, "duplicate_transaction",
			"this transfer slip has already been used")
	}

	record := &SlipRecord{
		ID:                ulid.Make().String(),
		DepositRequestID:  req.ID,
		TransactionID:     result.TransactionID,
		Amount:            result.Amount,
		TransferDate:      result.TransferDate,
		SenderAccount:     result.Sender.Account,
		SenderName:        result.Sender.Name,
		SenderBank:        result.Sender.Bank,
		ReceiverAccount:   result.Receiver.Account,
		ReceiverName:      result.Receiver.Name,
		ReceiverBank:      result.Receiver.Bank,
		Refs:              result.Refs,
		AccountMatch:      assessment.AccountMatch,
		AmountMatch:       assessment.AmountMatch,
		NameMatch:         assessment.NameMatch,
		VerificationScore: assessment.Score,
		Status:            slipStatusFor(assessment.Decision),
		RawPayload:        result.Raw,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.CreateSlipRecord(ctx, record); err != nil {
		if IsKind(err, KindDuplicateSlip) {
			// Lost the race against a concurrent submission of the same slip.
			if _, rejErr := s.store.Reject(ctx, req.ID, "system", verify.ReasonDuplicateSlip); rejErr != nil {
				s.logger.Error("failed to reject duplicate slip", "request_id", req.ID, "error", rejErr)
			}
			s.publishRejected(ctx, req, verify.ReasonDuplicateSlip, "system")
		}
		return nil, err
	}

	switch assessment.Decision {
	case verify.DecisionApprove:
		return s.autoApprove(ctx, req, record, assessment)

	case verify.DecisionReject:
		if _, err := s.store.Reject(ctx, req.ID, "system", assessment.Reason); err != nil {
			return nil, err
		}
		s.publishRejected(ctx, req, assessment.Reason, "system")
		s.logger.Info("slip rejected",
			"request_id", req.ID,
			"reason", assessment.Reason,
			"score", assessment.Score,
		)
		return &SlipUploadResult{
			SlipID:            record.ID,
			Status:            StatusRejected,
			Message:           "slip verification failed: " + assessment.Reason,
			VerificationScore: assessment.Score,
		}, nil

	default: // DecisionReview
		s.logger.Info("slip held for manual review",
			"request_id", req.ID,
			"reason", assessment.Reason,
			"score", assessment.Score,
		)
		return &SlipUploadResult{
			SlipID:            record.ID,
			Status:            StatusUploaded,
			Message:           "slip received and held for review",
			VerificationScore: assessment.Score,
		}, nil
	}
}

// autoApprove credits the wallet and commits the verified transition as
// one unit. A credit failure rolls back the transition; the slip record
// keeps its verified outcome so a later retry only needs to re-credit.
func (s *Service) autoApprove(ctx context.Context, req *DepositRequest, record *SlipRecord, assessment verify.Assessment) (*SlipUploadResult, error) {
	approved, err := s.store.Approve(ctx, req.ID, "system", func(ctx context.Context) error {
		return s.wallet.Credit(ctx, req.UserID, req.Amount, req.ID)
	})
	if err != nil {
		if IsKind(err, KindCreditFailed) {
			s.logger.Error("wallet credit failed after verification",
				"request_id", req.ID,
				"error", err,
			)
		}
		return nil, err
	}

	s.publish(ctx, events.EventDepositVerified, approved.ID, events.DepositVerifiedData{
		RequestID:         approved.ID,
		UserID:            approved.UserID,
		AmountMinor:       approved.Amount.AmountMinor,
		Currency:          string(approved.Amount.Currency),
		VerificationScore: assessment.Score,
		ProcessedBy:       "system",
	})

	s.logger.Info("deposit auto-approved",
		"request_id", approved.ID,
		"amount", approved.Amount.AmountMinor,
		"score", assessment.Score,
	)

	return &SlipUploadResult{
		SlipID:            record.ID,
		Status:            StatusVerified,
		Message:           "deposit verified and credited",
		VerificationScore: assessment.Score,
		WalletUpdated:     true,
	}, nil
}

// handleVerifyFailure maps provider errors onto the state machine.
// Transport failures keep the request at uploaded for a later retry;
// definitive provider rejections move it to rejected.
func (s *Service) handleVerifyFailure(ctx context.Context, req *DepositRequest, err error) error {
	var transport *verify.TransportError
	if errors.As(err, &transport) {
		s.logger.Warn("slip verification unavailable, request stays uploaded",
			"request_id", req.ID,
			"attempts", transport.Attempts,
			"error", err,
		)
		return WrapE(KindProviderTransport, "provider_unavailable",
			"slip verification is temporarily unavailable; the slip can be retried", err)
	}

	var rejection *verify.RejectionError
	if errors.As(err, &rejection) {
		if _, rejErr := s.store.Reject(ctx, req.ID, "system", rejection.Code); rejErr != nil {
			s.logger.Error("failed to reject request", "request_id", req.ID, "error", rejErr)
		}
		s.publishRejected(ctx, req, rejection.Code, "system")
		s.logger.Info("provider rejected slip",
			"request_id", req.ID,
			"code", rejection.Code,
		)
		return WrapE(KindProviderRejection, rejection.Code, rejection.Message, err)
	}

	return fmt.Errorf("verify slip: %w", err)
}

// AdminApprove credits the wallet and marks the request verified. The
// conditional write re-checks the current status, so two racing admins
// cannot double-credit: the loser gets InvalidTransition.
func (s *Service) AdminApprove(ctx context.Context, requestID, adminID string) (*DepositRequest, error) {
	if adminID == "" {
		return nil, E(KindValidation, "missing_admin", "admin id is required")
	}

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	approved, err := s.store.Approve(ctx, requestID, adminID, func(ctx context.Context) error {
		return s.wallet.Credit(ctx, req.UserID, req.Amount, req.ID)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventDepositVerified, approved.ID, events.DepositVerifiedData{
		RequestID:   approved.ID,
		UserID:      approved.UserID,
		AmountMinor: approved.Amount.AmountMinor,
		Currency:    string(approved.Amount.Currency),
		ProcessedBy: adminID,
	})

	s.logger.Info("deposit approved by admin",
		"request_id", approved.ID,
		"admin_id", adminID,
		"amount", approved.Amount.AmountMinor,
	)

	return approved, nil
}

// AdminReject marks the request rejected with a reason.
func (s *Service) AdminReject(ctx context.Context, requestID, adminID, reason string) (*DepositRequest, error) {
	if adminID == "" {
		return nil, E(KindValidation, "missing_admin", "admin id is required")
	}
	if reason == "" {
		reason = "rejected_by_admin"
	}

	rejected, err := s.store.Reject(ctx, requestID, adminID, reason)
	if err != nil {
		return nil, err
	}

	s.publishRejected(ctx, rejected, reason, adminID)

	s.logger.Info("deposit rejected by admin",
		"request_id", rejected.ID,
		"admin_id", adminID,
		"reason", reason,
	)

	return rejected, nil
}

// Cancel cancels the caller's own request.
func (s *Service) Cancel(ctx context.Context, requestID, userID string) (*DepositRequest, error) {
	cancelled, err := s.store.Cancel(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventDepositCancelled, cancelled.ID, events.DepositCancelledData{
		RequestID: cancelled.ID,
		UserID:    cancelled.UserID,
	})

	s.logger.Info("deposit request cancelled",
		"request_id", cancelled.ID,
		"user_id", userID,
	)

	return cancelled, nil
}

// GetSummary returns the summary view of a request, including the
// destination account block.
func (s *Service) GetSummary(ctx context.Context, req *DepositRequest) (*Summary, error) {
	account, err := s.store.GetStoreAccount(ctx, req.StoreAccountID)
	if err != nil {
		return nil, err
	}
	return s.summarize(req, account), nil
}

// ListStoreAccounts lists active store bank accounts.
func (s *Service) ListStoreAccounts(ctx context.Context) ([]*StoreBankAccount, error) {
	return s.store.ListStoreAccounts(ctx, true)
}

func (s *Service) summarize(req *DepositRequest, account *StoreBankAccount) *Summary {
	return &Summary{
		RequestID: req.ID,
		Amount:    req.Amount,
		Status:    req.Status,
		AccountInfo: AccountInfo{
			AccountNumber:   account.AccountNumber,
			AccountName:     account.AccountName,
			BankName:        account.BankName,
			PromptPayNumber: account.PromptPayNumber,
		},
		RecoveryToken: req.RecoveryToken,
		ExpiresAt:     req.ExpiresAt,
		Instructions:  buildInstructions(req.Amount, account, req.ExpiresAt),
	}
}

func slipStatusFor(decision verify.Decision) SlipStatus {
	switch decision {
	case verify.DecisionApprove:
		return SlipVerified
	case verify.DecisionReject:
		return SlipRejected
	default:
		return SlipReview
	}
}

func (s *Service) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, "deposit_request", aggregateID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}

func (s *Service) publishRejected(ctx context.Context, req *DepositRequest, reason, processedBy string) {
	s.publish(ctx, events.EventDepositRejected, req.ID, events.DepositRejectedData{
		RequestID:   req.ID,
		UserID:      req.UserID,
		Reason:      reason,
		ProcessedBy: processedBy,
	})
}
