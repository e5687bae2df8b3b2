// Package verify integrates the external slip verification provider and
// scores its responses for auto-approval.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"slipdesk/internal/common/money"
)

// Config holds verification provider configuration.
type Config struct {
	BaseURL        string        `envconfig:"VERIFY_BASE_URL" required:"true"`
	APIKey         string        `envconfig:"VERIFY_API_KEY" required:"true"`
	Timeout        time.Duration `envconfig:"VERIFY_TIMEOUT" default:"30s"`
	MaxAttempts    int           `envconfig:"VERIFY_MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay time.Duration `envconfig:"VERIFY_RETRY_BASE_DELAY" default:"2s"`
}

// TransportError is a network-level failure (timeout, connection error,
// provider 5xx). The caller may retry the whole verification later.
type TransportError struct {
	Attempts int
	err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("provider unreachable after %d attempts: %v", e.Attempts, e.err)
}

func (e *TransportError) Unwrap() error { return e.err }

// RejectionError is a definitive provider-side failure: the provider read
// the slip and said no, or returned a payload we cannot interpret.
// Retrying with the same image will not help.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("provider rejected slip: %s (%s)", e.Message, e.Code)
}

// Party identifies one side of the transfer on the slip.
type Party struct {
	Account string `json:"account"`
	Name    string `json:"name"`
	Bank    string `json:"bank"`
}

// Result is the normalized verification response. Both upstream response
// shapes collapse into this; business logic must only ever read Result,
// never Raw (which is retained for audit).
type Result struct {
	TransactionID      string          `json:"transaction_id"`
	Amount             money.Money     `json:"amount"`
	TransferDate       time.Time       `json:"transfer_date"`
	Sender             Party           `json:"sender"`
	Receiver           Party           `json:"receiver"`
	Refs               []string        `json:"refs,omitempty"`
	ProviderConfidence float64         `json:"provider_confidence"`
	Raw                json.RawMessage `json:"-"`
}

// Request carries one verification attempt.
type Request struct {
	Image             []byte
	Filename          string
	ReceiverAccount   string
	ReceiverNameLocal string
	ReceiverNameLatin string
	ExpectedAmount    money.Money
	TransferredAfter  time.Time
}

// Client calls the slip verification provider.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new verification client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// checkPayload is the JSON part of the multipart request.
type checkPayload struct {
	CheckDuplicate bool            `json:"checkDuplicate"`
	CheckReceiver  []checkReceiver `json:"checkReceiver"`
	CheckAmount    checkAmount     `json:"checkAmount"`
	CheckDate      checkDate       `json:"checkDate"`
}

type checkReceiver struct {
	AccountType      string `json:"accountType"`
	AccountNameLocal string `json:"accountNameLocal"`
	AccountNameLatin string `json:"accountNameLatin"`
	AccountNumber    string `json:"accountNumber"`
}

type checkAmount struct {
	Type   string  `json:"type"`
	Amount float64 `json:"amount"`
}

type checkDate struct {
	Type string `json:"type"`
	Date string `json:"date"`
}

// Verify submits the slip image and returns the normalized result.
// Transport failures and 5xx responses are retried with linear backoff;
// 4xx responses and unparseable payloads fail immediately.
func (c *Client) Verify(ctx context.Context, req *Request) (*Result, error) {
	if len(req.Image) == 0 {
		return nil, &RejectionError{Code: "EMPTY_IMAGE", Message: "slip image is empty"}
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.config.RetryBaseDelay * time.Duration(attempt)
			c.logger.Warn("retrying slip verification",
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, &TransportError{Attempts: attempt - 1, err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		result, retryable, err := c.doVerify(ctx, req)
		if err == nil {
			return result, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, &TransportError{Attempts: c.config.MaxAttempts, err: lastErr}
}

// doVerify performs a single provider call. The second return value says
// whether the failure was transport-level and therefore worth retrying.
func (c *Client) doVerify(ctx context.Context, req *Request) (*Result, bool, error) {
	// The provider's own duplicate detection is disabled on purpose: it is
	// global across all of the provider's clients and flags our own
	// re-submitted slips. Duplicate detection happens against our slip
	// records instead.
	payload := checkPayload{
		CheckDuplicate: false,
		CheckReceiver: []checkReceiver{{
			AccountType:      "BANKAC",
			AccountNameLocal: req.ReceiverNameLocal,
			AccountNameLatin: req.ReceiverNameLatin,
			AccountNumber:    req.ReceiverAccount,
		}},
		CheckAmount: checkAmount{Type: "eq", Amount: req.ExpectedAmount.ToMajor()},
		CheckDate:   checkDate{Type: "gte", Date: req.TransferredAfter.Format("2006-01-02")},
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	filePart, err := writer.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, false, fmt.Errorf("create file part: %w", err)
	}
	if _, err := filePart.Write(req.Image); err != nil {
		return nil, false, fmt.Errorf("write file part: %w", err)
	}
	if err := writer.WriteField("payload", string(payloadJSON)); err != nil {
		return nil, false, fmt.Errorf("write payload part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, false, fmt.Errorf("close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/verify", &body)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("provider error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}
	if httpResp.StatusCode >= 400 {
		var errResp struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr == nil && errResp.Code != "" {
			return nil, false, &RejectionError{Code: errResp.Code, Message: errResp.Message}
		}
		return nil, false, &RejectionError{
			Code:    fmt.Sprintf("HTTP_%d", httpResp.StatusCode),
			Message: "provider rejected the request",
		}
	}

	result, err := normalizeResponse(respBody, req.ExpectedAmount.Currency)
	if err != nil {
		// Shape problems are not transport problems; retrying the same
		// call would get the same payload back.
		var rej *RejectionError
		if errors.As(err, &rej) {
			return nil, false, err
		}
		return nil, false, &RejectionError{Code: "MALFORMED_RESPONSE", Message: err.Error()}
	}

	return result, false, nil
}

// currentResponse is the provider's current response shape.
type currentResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		TransRef   string  `json:"transRef"`
		Amount     float64 `json:"amount"`
		DateTime   string  `json:"dateTime"`
		Confidence float64 `json:"confidence"`
		Sender     struct {
			Account struct {
				Value string `json:"value"`
			} `json:"account"`
			Name string `json:"name"`
			Bank struct {
				Name string `json:"name"`
			} `json:"bank"`
		} `json:"sender"`
		Receiver struct {
			Account struct {
				Value string `json:"value"`
			} `json:"account"`
			Name string `json:"name"`
			Bank struct {
				Name string `json:"name"`
			} `json:"bank"`
		} `json:"receiver"`
		Ref1 string `json:"ref1"`
		Ref2 string `json:"ref2"`
		Ref3 string `json:"ref3"`
	} `json:"data"`
}

// legacyResponse is the provider's pre-2023 response shape, still returned
// by some regional endpoints.
type legacyResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		TransactionID   string  `json:"transactionId"`
		Amount          float64 `json:"amount"`
		TransDate       string  `json:"transDate"` // YYYYMMDD
		TransTime       string  `json:"transTime"` // HH:MM:SS
		SenderAccount   string  `json:"senderAccount"`
		SenderName      string  `json:"senderName"`
		SenderBank      string  `json:"senderBank"`
		ReceiverAccount string  `json:"receiverAccount"`
		ReceiverName    string  `json:"receiverName"`
		ReceiverBank    string  `json:"receiverBank"`
		Ref             string  `json:"ref"`
	} `json:"data"`
}

const successCode = "200000"

// normalizeResponse folds both upstream shapes into a Result.
func normalizeResponse(body []byte, currency money.Currency) (*Result, error) {
	var current currentResponse
	if err := json.Unmarshal(body, &current); err == nil && current.Code != "" {
		if current.Code != successCode {
			return nil, &RejectionError{Code: current.Code, Message: current.Message}
		}
		if current.Data == nil || current.Data.TransRef == "" {
			return nil, fmt.Errorf("success response missing data")
		}
		d := current.Data

		transferDate, err := time.Parse(time.RFC3339, d.DateTime)
		if err != nil {
			return nil, fmt.Errorf("parse dateTime %q: %w", d.DateTime, err)
		}

		var refs []string
		for _, r := range []string{d.Ref1, d.Ref2, d.Ref3} {
			if r != "" {
				refs = append(refs, r)
			}
		}

		return &Result{
			TransactionID: d.TransRef,
			Amount:        money.NewFromMajor(d.Amount, currency),
			TransferDate:  transferDate,
			Sender: Party{
				Account: d.Sender.Account.Value,
				Name:    d.Sender.Name,
				Bank:    d.Sender.Bank.Name,
			},
			Receiver: Party{
				Account: d.Receiver.Account.Value,
				Name:    d.Receiver.Name,
				Bank:    d.Receiver.Bank.Name,
			},
			Refs:               refs,
			ProviderConfidence: d.Confidence,
			Raw:                json.RawMessage(body),
		}, nil
	}

	var legacy legacyResponse
	if err := json.Unmarshal(body, &legacy); err == nil && legacy.Data != nil && legacy.Data.TransactionID != "" {
		if !legacy.Success {
			return nil, &RejectionError{Code: "LEGACY_NOT_VERIFIED", Message: "provider could not verify slip"}
		}
		d := legacy.Data

		transferDate, err := time.Parse("20060102 15:04:05", d.TransDate+" "+d.TransTime)
		if err != nil {
			// Some legacy endpoints omit the time component.
			transferDate, err = time.Parse("20060102", d.TransDate)
			if err != nil {
				return nil, fmt.Errorf("parse transDate %q: %w", d.TransDate, err)
			}
		}

		var refs []string
		if d.Ref != "" {
			refs = append(refs, d.Ref)
		}

		return &Result{
			TransactionID: d.TransactionID,
			Amount:        money.NewFromMajor(d.Amount, currency),
			TransferDate:  transferDate,
			Sender: Party{
				Account: d.SenderAccount,
				Name:    d.SenderName,
				Bank:    d.SenderBank,
			},
			Receiver: Party{
				Account: d.ReceiverAccount,
				Name:    d.ReceiverName,
				Bank:    d.ReceiverBank,
			},
			Refs: refs,
			// Legacy responses carry no confidence; treat as fully confident
			// so the field does not drag the weighted score down.
			ProviderConfidence: 1.0,
			Raw:                json.RawMessage(body),
		}, nil
	}

	return nil, fmt.Errorf("unrecognized provider response shape")
}
