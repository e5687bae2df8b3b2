package deposit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slipdesk/internal/common/events"
	"slipdesk/internal/common/money"
	"slipdesk/internal/verify"
)

type testEnv struct {
	service   *Service
	store     *memStore
	verifier  *fakeVerifier
	wallet    *fakeWallet
	publisher *fakePublisher
	account   *StoreBankAccount
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := newMemStore()
	account := &StoreBankAccount{
		ID:               "acct-1",
		AccountNumber:    "123-4-56789-0",
		AccountName:      "Somchai Jaidee",
		AccountNameLatin: "Somchai Jaidee",
		BankName:         "SCB",
		PromptPayNumber:  "0812345678",
		IsActive:         true,
		CreatedAt:        time.Now().UTC(),
	}
	store.addAccount(account)

	scorer, err := verify.NewScorer(verify.ScoringConfig{
		WeightAccount:           0.45,
		WeightAmount:            0.35,
		WeightName:              0.05,
		WeightProvider:          0.10,
		WeightDuplicate:         0.05,
		MinAutoApproveScore:     0.80,
		AutoApproveCeilingMinor: 1000000,
		NameSimilarityThreshold: 0.5,
		AmountToleranceMinor:    1,
	})
	require.NoError(t, err)

	verifier := &fakeVerifier{}
	wallet := &fakeWallet{}
	publisher := &fakePublisher{}

	service := NewService(Config{
		MinAmountMinor: 2000,
		MaxAmountMinor: 10000000,
		Currency:       money.THB,
		DefaultWindow:  24 * time.Hour,
		MaxWindow:      72 * time.Hour,
	}, store, verifier, scorer, wallet, publisher,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	return &testEnv{
		service:   service,
		store:     store,
		verifier:  verifier,
		wallet:    wallet,
		publisher: publisher,
		account:   account,
	}
}

// matchingResult is a provider result that passes every check for the
// test account and the given amount.
func matchingResult(transactionID string, amountMinor int64) *verify.Result {
	return &verify.Result{
		TransactionID:      transactionID,
		Amount:             money.New(amountMinor, money.THB),
		TransferDate:       time.Now().UTC(),
		Sender:             verify.Party{Account: "111-1-11111-1", Name: "Payer", Bank: "KBANK"},
		Receiver:           verify.Party{Account: "1234567890", Name: "Somchai Jaidee", Bank: "SCB"},
		ProviderConfidence: 0.95,
	}
}

func (e *testEnv) createRequest(t *testing.T, userID string, amountMinor int64) *Summary {
	t.Helper()
	summary, err := e.service.Create(context.Background(), &CreateRequest{
		UserID:         userID,
		StoreAccountID: e.account.ID,
		AmountMinor:    amountMinor,
	})
	require.NoError(t, err)
	return summary
}

func (e *testEnv) requestStatus(t *testing.T, id string) Status {
	t.Helper()
	req, err := e.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	return req.Status
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *CreateRequest
		code string
	}{
		{"missing user", &CreateRequest{StoreAccountID: "acct-1", AmountMinor: 50000}, "missing_user"},
		{"below minimum", &CreateRequest{UserID: "u1", StoreAccountID: "acct-1", AmountMinor: 1999}, "amount_below_minimum"},
		{"above maximum", &CreateRequest{UserID: "u1", StoreAccountID: "acct-1", AmountMinor: 10000001}, "amount_above_maximum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.Create(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindValidation))
			assert.Equal(t, tt.code, CodeOf(err))
		})
	}

	t.Run("unknown account", func(t *testing.T) {
		_, err := env.service.Create(ctx, &CreateRequest{UserID: "u1", StoreAccountID: "nope", AmountMinor: 50000})
		assert.True(t, IsKind(err, KindNotFound))
	})

	t.Run("inactive account", func(t *testing.T) {
		env.store.addAccount(&StoreBankAccount{ID: "acct-off", AccountNumber: "9", AccountName: "x", BankName: "y"})
		_, err := env.service.Create(ctx, &CreateRequest{UserID: "u1", StoreAccountID: "acct-off", AmountMinor: 50000})
		assert.True(t, IsKind(err, KindValidation))
		assert.Equal(t, "account_inactive", CodeOf(err))
	})
}

func TestCreateSuccess(t *testing.T) {
	env := newTestEnv(t)

	summary := env.createRequest(t, "u1", 50000)

	assert.NotEmpty(t, summary.RequestID)
	assert.Equal(t, StatusPending, summary.Status)
	assert.Equal(t, money.New(50000, money.THB), summary.Amount)
	assert.Len(t, summary.RecoveryToken, 32)
	assert.Equal(t, "123-4-56789-0", summary.AccountInfo.AccountNumber)
	assert.Equal(t, "0812345678", summary.AccountInfo.PromptPayNumber)
	assert.NotEmpty(t, summary.Instructions)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), summary.ExpiresAt, time.Minute)

	assert.Equal(t, []string{events.EventDepositCreated}, env.publisher.types())
}

func TestAttachSlipAutoApprove(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)
	env.verifier.result = matchingResult("TXN-1", 50000)

	result, err := env.service.AttachSlip(context.Background(), summary.RequestID, "u1", []byte("img"), "slip.jpg")
	require.NoError(t, err)

	assert.Equal(t, StatusVerified, result.Status)
	assert.True(t, result.WalletUpdated)
	assert.InDelta(t, 0.995, result.VerificationScore, 1e-9)
	assert.Equal(t, StatusVerified, env.requestStatus(t, summary.RequestID))

	require.Equal(t, 1, env.wallet.creditCount())
	assert.Equal(t, "u1", env.wallet.credits[0].userID)
	assert.Equal(t, money.New(50000, money.THB), env.wallet.credits[0].amount)
	assert.Equal(t, summary.RequestID, env.wallet.credits[0].reference)

	assert.Contains(t, env.publisher.types(), events.EventSlipUploaded)
	assert.Contains(t, env.publisher.types(), events.EventDepositVerified)
}

func TestAttachSlipHeldForReview(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)

	res := matchingResult("TXN-2", 50000)
	res.Receiver.Name = "Wichai"
	env.verifier.result = res

	result, err := env.service.AttachSlip(context.Background(), summary.RequestID, "u1", []byte("img"), "slip.jpg")
	require.NoError(t, err)

	assert.Equal(t, StatusUploaded, result.Status)
	assert.False(t, result.WalletUpdated)
	assert.Equal(t, StatusUploaded, env.requestStatus(t, summary.RequestID))
	assert.Equal(t, 0, env.wallet.creditCount())
}

func TestAttachSlipAccountMismatchRejects(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)

	res := matchingResult("TXN-3", 50000)
	res.Receiver.Account = "999-9-99999-9"
	env.verifier.result = res

	result, err := env.service.AttachSlip(context.Background(), summary.RequestID, "u1", []byte("img"), "slip.jpg")
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, result.Status)
	assert.Equal(t, StatusRejected, env.requestStatus(t, summary.RequestID))
	assert.Equal(t, 0, env.wallet.creditCount())

	req, err := env.store.GetRequest(context.Background(), summary.RequestID)
	require.NoError(t, err)
	assert.Equal(t, verify.ReasonAccountMismatch, req.RejectionReason)
	assert.Equal(t, "system", req.ProcessedBy)
}

func TestAttachSlipDuplicateTransaction(t *testing.T) {
	env := newTestEnv(t)

	first := env.createRequest(t, "u1", 50000)
	env.verifier.result = matchingResult("TXN-DUP", 50000)
	_, err := env.service.AttachSlip(context.Background(), first.RequestID, "u1", []byte("img"), "slip.jpg")
	require.NoError(t, err)

	// Same slip submitted against a second request.
	second := env.createRequest(t, "u2", 50000)
	_, err = env.service.AttachSlip(context.Background(), second.RequestID, "u2", []byte("img"), "slip.jpg")
	require.Error(t, err)

	assert.True(t, IsKind(err, KindDuplicateSlip))
	assert.Equal(t, StatusRejected, env.requestStatus(t, second.RequestID))
	// Only the first submission was credited.
	assert.Equal(t, 1, env.wallet.creditCount())
}

func TestAttachSlipProviderTransportKeepsUploaded(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)
	env.verifier.err = &verify.TransportError{Attempts: 3}

	_, err := env.service.AttachSlip(context.Background(), summary.RequestID, "u1", []byte("img"), "slip.jpg")
	require.Error(t, err)

	assert.True(t, IsKind(err, KindProviderTransport))
	// The slip stays attached so verification can be retried later.
	assert.Equal(t, StatusUploaded, env.requestStatus(t, summary.RequestID))
	assert.Equal(t, 0, env.wallet.creditCount())
}

func TestAttachSlipRetryAfterTransportFailure(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)

	env.verifier.err = &verify.TransportError{Attempts: 3}
	_, err := env.service.AttachSlip(context.Background(), summary.RequestID, "u1", []byte("img"), "slip.jpg")
	require.Error(t, err)
	require.True(t, IsKind(err, KindProviderTransport))
	require.Equal(t, StatusUploaded, env.requestStatus(t, summary.RequestID))

	// Listing still offers the upload: nothing was recorded for the slip.
	items, err := env.service.ListPending(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].CanUploadSlip)

	// Provider back up: the same user retries and the deposit completes.
	env.verifier.err = nil
	env.verifier.result = matchingResult("TXN-AGAIN", 50000)

	result, err := env.service.AttachSlip(context.Background(), summary.RequestID, "u1", []byte("img"), "slip.jpg")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, result.Status)
	assert.Equal(t, 1, env.wallet.creditCount())
}

func TestAttachSlipNoRetryOnceRecorded(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)

	// First upload lands in manual review: a slip record exists.
	res := matchingResult("TXN-HELD", 50000)
	res.Receiver.Name = "Wichai"
	env.verifier.result = res
	result, err := env.service.AttachSlip(context.Background(), summary.RequestID, "u1", []byte("img"), "slip.jpg")
	require.NoError(t, err)
	require.Equal(t, StatusUploaded, result.Status)

	// Re-submitting over a recorded verification is a conflict, not a retry.
	env.verifier.result = matchingResult("TXN-SWAP", 50000)
	_, err = env.service.AttachSlip(context.Background(), summary.RequestID, "u1", []byte("img2"), "slip2.jpg")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidTransition))

	items, err := env.service.ListPending(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, items[0].CanUploadSlip)
}

func TestAttachSlipProviderRejection(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)
	env.verifier.err = &verify.RejectionError{Code: "1013", Message: "image is not a payment slip"}

	_, err := env.service.AttachSlip(context.Background(), summary.RequestID, "u1", []byte("img"), "slip.jpg")
	require.Error(t, err)

	assert.True(t, IsKind(err, KindProviderRejection))
	assert.Equal(t, "1013", CodeOf(err))
	assert.Equal(t, StatusRejected, env.requestStatus(t, summary.RequestID))
}

func TestAttachSlipAfterRejectionSucceeds(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)

	env.verifier.err = &verify.RejectionError{Code: "1013", Message: "unreadable"}
	_, err := env.service.AttachSlip(context.Background(), summary.RequestID, "u1", []byte("bad"), "bad.jpg")
	require.Error(t, err)
	assert.Equal(t, StatusRejected, env.requestStatus(t, summary.RequestID))

	// Second upload with a readable slip.
	env.verifier.err = nil
	env.verifier.result = matchingResult("TXN-RETRY", 50000)

	result, err := env.service.AttachSlip(context.Background(), summary.RequestID, "u1", []byte("img"), "slip.jpg")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, result.Status)
}

func TestAttachSlipCreditFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)
	env.verifier.result = matchingResult("TXN-CF", 50000)
	env.wallet.err = errors.New("wallet service down")

	_, err := env.service.AttachSlip(context.Background(), summary.RequestID, "u1", []byte("img"), "slip.jpg")
	require.Error(t, err)

	assert.True(t, IsKind(err, KindCreditFailed))
	// Rolled back: still uploaded, no funds moved.
	assert.Equal(t, StatusUploaded, env.requestStatus(t, summary.RequestID))
	assert.Equal(t, 0, env.wallet.creditCount())

	// Once the wallet recovers an admin can approve the held request.
	env.wallet.err = nil
	approved, err := env.service.AdminApprove(context.Background(), summary.RequestID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, approved.Status)
	assert.Equal(t, 1, env.wallet.creditCount())
}

func TestAttachSlipWrongOwner(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)

	_, err := env.service.AttachSlip(context.Background(), summary.RequestID, "u2", []byte("img"), "slip.jpg")
	assert.True(t, IsKind(err, KindNotFound))
	assert.Equal(t, StatusPending, env.requestStatus(t, summary.RequestID))
}

func TestAttachSlipExpiredRequest(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)

	env.store.mu.Lock()
	env.store.requests[summary.RequestID].ExpiresAt = time.Now().UTC().Add(-time.Hour)
	env.store.mu.Unlock()

	_, err := env.service.AttachSlip(context.Background(), summary.RequestID, "u1", []byte("img"), "slip.jpg")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidTransition))
	assert.Equal(t, "window_expired", CodeOf(err))
}

func TestAdminApproveRace(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)

	env.store.mu.Lock()
	env.store.requests[summary.RequestID].Status = StatusUploaded
	env.store.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.service.AdminApprove(context.Background(), summary.RequestID, "admin-1")
		}(i)
	}
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case IsKind(err, KindInvalidTransition):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
	// Exactly one credit despite two approvers.
	assert.Equal(t, 1, env.wallet.creditCount())
}

func TestAdminRejectRequiresUploaded(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)

	_, err := env.service.AdminReject(context.Background(), summary.RequestID, "admin-1", "blurry slip")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidTransition))

	env.store.mu.Lock()
	env.store.requests[summary.RequestID].Status = StatusUploaded
	env.store.mu.Unlock()

	rejected, err := env.service.AdminReject(context.Background(), summary.RequestID, "admin-1", "blurry slip")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "blurry slip", rejected.RejectionReason)
	assert.Equal(t, "admin-1", rejected.ProcessedBy)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createRequest(t, "u1", 50000)

	t.Run("wrong owner", func(t *testing.T) {
		_, err := env.service.Cancel(context.Background(), summary.RequestID, "u2")
		assert.True(t, IsKind(err, KindNotFound))
	})

	t.Run("owner cancels", func(t *testing.T) {
		cancelled, err := env.service.Cancel(context.Background(), summary.RequestID, "u1")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, cancelled.Status)
		assert.Contains(t, env.publisher.types(), events.EventDepositCancelled)
	})

	t.Run("terminal request cannot be cancelled again", func(t *testing.T) {
		_, err := env.service.Cancel(context.Background(), summary.RequestID, "u1")
		assert.True(t, IsKind(err, KindInvalidTransition))
	})
}
