package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Deposit lifecycle event types
const (
	EventDepositCreated   = "deposit.request.created"
	EventSlipUploaded     = "deposit.slip.uploaded"
	EventDepositVerified  = "deposit.request.verified"
	EventDepositRejected  = "deposit.request.rejected"
	EventDepositCancelled = "deposit.request.cancelled"
	EventDepositExpired   = "deposit.request.expired"
	EventDepositsSwept    = "deposit.requests.swept"
)

// DepositCreatedData is the data for deposit.request.created events
type DepositCreatedData struct {
	RequestID      string    `json:"request_id"`
	UserID         string    `json:"user_id"`
	StoreAccountID string    `json:"store_account_id"`
	AmountMinor    int64     `json:"amount_minor"`
	Currency       string    `json:"currency"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// SlipUploadedData is the data for deposit.slip.uploaded events
type SlipUploadedData struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	SlipRef   string `json:"slip_ref"`
}

// DepositVerifiedData is the data for deposit.request.verified events
type DepositVerifiedData struct {
	RequestID         string  `json:"request_id"`
	UserID            string  `json:"user_id"`
	AmountMinor       int64   `json:"amount_minor"`
	Currency          string  `json:"currency"`
	VerificationScore float64 `json:"verification_score,omitempty"`
	ProcessedBy       string  `json:"processed_by"`
}

// DepositRejectedData is the data for deposit.request.rejected events
type DepositRejectedData struct {
	RequestID   string `json:"request_id"`
	UserID      string `json:"user_id"`
	Reason      string `json:"reason"`
	ProcessedBy string `json:"processed_by"`
}

// DepositCancelledData is the data for deposit.request.cancelled events
type DepositCancelledData struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
}

// DepositExpiredData is the data for deposit.request.expired events
type DepositExpiredData struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
}

// DepositsSweptData is the data for deposit.requests.swept events
type DepositsSweptData struct {
	ExpiredCount int64     `json:"expired_count"`
	SweptAt      time.Time `json:"swept_at"`
}
