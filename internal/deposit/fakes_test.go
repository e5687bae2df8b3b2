package deposit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"slipdesk/internal/common/events"
	"slipdesk/internal/common/money"
	"slipdesk/internal/verify"
)

// memStore is an in-memory Store with the same conditional-transition
// semantics as the SQL implementation: every transition re-checks the
// current status and window under the lock.
type memStore struct {
	mu       sync.Mutex
	requests map[string]*DepositRequest
	slips    map[string]*SlipRecord // keyed by transaction id
	accounts map[string]*StoreBankAccount
}

func newMemStore() *memStore {
	return &memStore{
		requests: make(map[string]*DepositRequest),
		slips:    make(map[string]*SlipRecord),
		accounts: make(map[string]*StoreBankAccount),
	}
}

func (m *memStore) addAccount(a *StoreBankAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
}

func (m *memStore) CreateRequest(_ context.Context, req *DepositRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return E(KindValidation, "duplicate_request", "deposit request already exists")
	}
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *memStore) GetRequest(_ context.Context, id string) (*DepositRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, E(KindNotFound, "request_not_found", "deposit request not found")
	}
	cp := *req
	return &cp, nil
}

func (m *memStore) GetRequestByToken(_ context.Context, token string) (*DepositRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.RecoveryToken == token {
			cp := *req
			return &cp, nil
		}
	}
	return nil, E(KindRecoveryTokenInvalid, "token_not_found", "recovery token not found")
}

func (m *memStore) failTransition(req *DepositRequest, attempted string) error {
	if !req.Status.IsTerminal() && req.IsExpired(time.Now().UTC()) {
		return E(KindInvalidTransition, "window_expired",
			fmt.Sprintf("request %s deposit window has expired; %s is not allowed", req.ID, attempted))
	}
	return invalidTransition(req.ID, req.Status, attempted)
}

func (m *memStore) hasSlipLocked(requestID string) bool {
	for _, rec := range m.slips {
		if rec.DepositRequestID == requestID {
			return true
		}
	}
	return false
}

func (m *memStore) MarkUploaded(_ context.Context, id, slipRef string) (*DepositRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, E(KindNotFound, "request_not_found", "deposit request not found")
	}
	now := time.Now().UTC()
	allowed := req.Status == StatusPending || req.Status == StatusRejected ||
		(req.Status == StatusUploaded && !m.hasSlipLocked(id))
	if !allowed || req.IsExpired(now) {
		return nil, m.failTransition(req, "slip upload")
	}
	req.Status = StatusUploaded
	req.SlipImageRef = slipRef
	req.SlipUploadedAt = &now
	req.RejectionReason = ""
	req.UpdatedAt = now
	req.LastAccessedAt = now
	cp := *req
	return &cp, nil
}

func (m *memStore) Approve(ctx context.Context, id, processedBy string, credit func(ctx context.Context) error) (*DepositRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, E(KindNotFound, "request_not_found", "deposit request not found")
	}
	now := time.Now().UTC()
	if req.Status != StatusUploaded || req.IsExpired(now) {
		return nil, m.failTransition(req, "approval")
	}
	if err := credit(ctx); err != nil {
		// Transition rolled back; request stays uploaded.
		return nil, WrapE(KindCreditFailed, "credit_failed", "wallet credit failed", err)
	}
	req.Status = StatusVerified
	req.ProcessedBy = processedBy
	req.ProcessedAt = &now
	req.UpdatedAt = now
	cp := *req
	return &cp, nil
}

func (m *memStore) Reject(_ context.Context, id, processedBy, reason string) (*DepositRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, E(KindNotFound, "request_not_found", "deposit request not found")
	}
	now := time.Now().UTC()
	if req.Status != StatusUploaded || req.IsExpired(now) {
		return nil, m.failTransition(req, "rejection")
	}
	req.Status = StatusRejected
	req.ProcessedBy = processedBy
	req.ProcessedAt = &now
	req.RejectionReason = reason
	req.UpdatedAt = now
	cp := *req
	return &cp, nil
}

func (m *memStore) Cancel(_ context.Context, id, userID string) (*DepositRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, E(KindNotFound, "request_not_found", "deposit request not found")
	}
	if req.UserID != userID {
		return nil, E(KindNotFound, "request_not_found", "deposit request not found")
	}
	now := time.Now().UTC()
	switch req.Status {
	case StatusPending, StatusUploaded, StatusRejected:
	default:
		return nil, m.failTransition(req, "cancellation")
	}
	if req.IsExpired(now) {
		return nil, m.failTransition(req, "cancellation")
	}
	req.Status = StatusCancelled
	req.UpdatedAt = now
	cp := *req
	return &cp, nil
}

func (m *memStore) ExtendExpiry(_ context.Context, id, userID string, newExpiry time.Time) (*DepositRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok || req.UserID != userID {
		return nil, E(KindNotFound, "request_not_found", "deposit request not found")
	}
	now := time.Now().UTC()
	switch req.Status {
	case StatusPending, StatusUploaded, StatusRejected:
	default:
		return nil, m.failTransition(req, "expiry extension")
	}
	if req.IsExpired(now) {
		return nil, m.failTransition(req, "expiry extension")
	}
	if newExpiry.After(req.ExpiresAt) {
		req.ExpiresAt = newExpiry
	}
	req.UpdatedAt = now
	req.LastAccessedAt = now
	cp := *req
	return &cp, nil
}

func (m *memStore) TouchAccess(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.requests[id]; ok {
		req.LastAccessedAt = time.Now().UTC()
	}
	return nil
}

func (m *memStore) ListActiveByUser(_ context.Context, userID string) ([]*DepositRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []*DepositRequest
	for _, req := range m.requests {
		if req.UserID != userID {
			continue
		}
		if req.Status != StatusPending && req.Status != StatusUploaded {
			continue
		}
		if req.IsExpired(now) {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ExpireOverdue(_ context.Context) ([]ExpiredRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var expired []ExpiredRequest
	for _, req := range m.requests {
		if (req.Status == StatusPending || req.Status == StatusUploaded) && req.IsExpired(now) {
			req.Status = StatusExpired
			req.UpdatedAt = now
			expired = append(expired, ExpiredRequest{ID: req.ID, UserID: req.UserID})
		}
	}
	return expired, nil
}

func (m *memStore) CreateSlipRecord(_ context.Context, rec *SlipRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slips[rec.TransactionID]; ok {
		return WrapE(KindDuplicateSlip, "duplicate_transaction",
			fmt.Sprintf("transaction %s already recorded", rec.TransactionID), nil)
	}
	cp := *rec
	m.slips[rec.TransactionID] = &cp
	return nil
}

func (m *memStore) TransactionSeen(_ context.Context, transactionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, seen := m.slips[transactionID]
	return seen, nil
}

func (m *memStore) HasSlipRecord(_ context.Context, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasSlipLocked(requestID), nil
}

func (m *memStore) GetStoreAccount(_ context.Context, id string) (*StoreBankAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, E(KindNotFound, "store_account_not_found", "store account not found")
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ListStoreAccounts(_ context.Context, activeOnly bool) ([]*StoreBankAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StoreBankAccount
	for _, a := range m.accounts {
		if activeOnly && !a.IsActive {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// fakeVerifier returns a canned result or error.
type fakeVerifier struct {
	mu     sync.Mutex
	result *verify.Result
	err    error
	calls  int
}

func (f *fakeVerifier) Verify(_ context.Context, _ *verify.Request) (*verify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.result
	return &cp, nil
}

// fakeWallet records credits and can be told to fail.
type fakeWallet struct {
	mu      sync.Mutex
	err     error
	credits []walletCredit
}

type walletCredit struct {
	userID    string
	amount    money.Money
	reference string
}

func (f *fakeWallet) Credit(_ context.Context, userID string, amount money.Money, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.credits = append(f.credits, walletCredit{userID: userID, amount: amount, reference: reference})
	return nil
}

func (f *fakeWallet) creditCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.credits)
}

// fakePublisher captures published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (f *fakePublisher) Publish(_ context.Context, event *events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}
