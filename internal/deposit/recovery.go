package deposit

import (
	"context"
	"time"
)

// ListPending returns the caller's active requests annotated with the
// remaining window and whether a slip can still be uploaded.
func (s *Service) ListPending(ctx context.Context, userID string) ([]*PendingItem, error) {
	reqs, err := s.store.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	items := make([]*PendingItem, 0, len(reqs))
	for _, req := range reqs {
		account, err := s.store.GetStoreAccount(ctx, req.StoreAccountID)
		if err != nil {
			return nil, err
		}

		canUpload := req.CanUploadSlip(now)
		if !canUpload && req.Status == StatusUploaded && !req.IsExpired(now) {
			// An uploaded request with no recorded verification lost its
			// provider call mid-flight; the slip can be re-submitted.
			has, err := s.store.HasSlipRecord(ctx, req.ID)
			if err != nil {
				return nil, err
			}
			canUpload = !has
		}

		items = append(items, &PendingItem{
			Summary:              *s.summarize(req, account),
			TimeRemainingSeconds: req.TimeRemaining(now),
			CanUploadSlip:        canUpload,
		})
	}
	return items, nil
}

// ResumeByToken loads a request by its recovery token. Terminal and
// expired requests are not resumable; both surface as an invalid token so
// the endpoint leaks nothing about dead requests.
func (s *Service) ResumeByToken(ctx context.Context, token string) (*Summary, error) {
	if token == "" {
		return nil, E(KindRecoveryTokenInvalid, "token_not_found", "recovery token not found")
	}

	req, err := s.store.GetRequestByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if req.Status.IsTerminal() || req.IsExpired(now) {
		return nil, E(KindRecoveryTokenInvalid, "token_expired",
			"recovery token no longer resolves to an active request")
	}

	if err := s.store.TouchAccess(ctx, req.ID); err != nil {
		s.logger.Warn("failed to touch request access", "request_id", req.ID, "error", err)
	}

	account, err := s.store.GetStoreAccount(ctx, req.StoreAccountID)
	if err != nil {
		return nil, err
	}
	return s.summarize(req, account), nil
}

// maxExtendHours bounds a single extension request.
const maxExtendHours = 48

// ExtendExpiry pushes the request's expiry forward by the given number of
// hours, capped so the total window never exceeds MaxWindow from creation.
func (s *Service) ExtendExpiry(ctx context.Context, requestID, userID string, hours int) (*DepositRequest, error) {
	if hours < 1 || hours > maxExtendHours {
		return nil, E(KindValidation, "invalid_extension",
			"extension must be between 1 and 48 hours")
	}

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.UserID != userID {
		return nil, E(KindNotFound, "request_not_found", "deposit request not found")
	}

	newExpiry := req.ExpiresAt.Add(time.Duration(hours) * time.Hour)
	ceiling := req.CreatedAt.Add(s.cfg.MaxWindow)
	if newExpiry.After(ceiling) {
		newExpiry = ceiling
	}
	if !newExpiry.After(req.ExpiresAt) {
		return nil, E(KindValidation, "window_at_maximum",
			"deposit window is already at its maximum length")
	}

	extended, err := s.store.ExtendExpiry(ctx, requestID, userID, newExpiry)
	if err != nil {
		return nil, err
	}

	s.logger.Info("deposit window extended",
		"request_id", extended.ID,
		"expires_at", extended.ExpiresAt,
	)
	return extended, nil
}
