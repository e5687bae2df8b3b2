package deposit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slipdesk/internal/common/money"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusUploaded},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusExpired},
		{StatusUploaded, StatusVerified},
		{StatusUploaded, StatusRejected},
		{StatusUploaded, StatusCancelled},
		{StatusUploaded, StatusExpired},
		{StatusRejected, StatusUploaded},
		{StatusRejected, StatusCancelled},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusVerified},
		{StatusPending, StatusRejected},
		{StatusRejected, StatusVerified},
		{StatusRejected, StatusExpired},
		{StatusVerified, StatusCancelled},
		{StatusVerified, StatusExpired},
		{StatusCancelled, StatusUploaded},
		{StatusExpired, StatusUploaded},
		{StatusExpired, StatusCancelled},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusVerified.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusUploaded.IsTerminal())
	assert.False(t, StatusRejected.IsTerminal())
}

func TestNewRecoveryToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := NewRecoveryToken()
		require.NoError(t, err)
		assert.Len(t, token, 32)
		assert.False(t, seen[token], "token collision")
		seen[token] = true
	}
}

func TestDepositRequestWindow(t *testing.T) {
	now := time.Now().UTC()
	req := &DepositRequest{
		Status:    StatusPending,
		ExpiresAt: now.Add(30 * time.Minute),
	}

	assert.False(t, req.IsExpired(now))
	assert.True(t, req.CanUploadSlip(now))
	assert.InDelta(t, 1800, req.TimeRemaining(now), 1)

	req.ExpiresAt = now.Add(-time.Minute)
	assert.True(t, req.IsExpired(now))
	assert.False(t, req.CanUploadSlip(now))
	assert.Equal(t, int64(0), req.TimeRemaining(now))

	req.ExpiresAt = now.Add(time.Hour)
	req.Status = StatusRejected
	assert.True(t, req.CanUploadSlip(now), "re-upload after rejection")

	req.Status = StatusUploaded
	assert.False(t, req.CanUploadSlip(now))
}

func TestBuildInstructions(t *testing.T) {
	account := &StoreBankAccount{
		AccountNumber:   "123-4-56789-0",
		AccountName:     "Somchai Jaidee",
		BankName:        "SCB",
		PromptPayNumber: "0812345678",
	}

	instructions := buildInstructions(
		money.New(50000, money.THB), account, time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC))

	joined := ""
	for _, line := range instructions {
		joined += line + "\n"
	}
	assert.Contains(t, joined, "123-4-56789-0")
	assert.Contains(t, joined, "SCB")
	assert.Contains(t, joined, "0812345678")
	assert.Contains(t, joined, "2024-03-02T12:00:00Z")
}
