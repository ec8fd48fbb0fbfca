package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultBaseURL is the Expo push API endpoint.
	DefaultBaseURL = "https://exp.host/--/api/v2"

	// SendLimit is the maximum number of messages the gateway accepts in a
	// single publish call.
	SendLimit = 100

	// ReceiptLimit is the maximum number of receipt ids the gateway accepts
	// in a single query.
	ReceiptLimit = 300

	defaultTimeout = time.Second * 30
	retryAttempts  = 3
	retryDelay     = time.Second * 2
)

// Ticket statuses and receipt error codes reported by the gateway.
const (
	StatusOK    = "ok"
	StatusError = "error"

	ErrCodeDeviceNotRegistered = "DeviceNotRegistered"
	ErrCodeMessageTooBig       = "MessageTooBig"
	ErrCodeRateExceeded        = "MessageRateExceeded"
	ErrCodeInvalidCredentials  = "InvalidCredentials"

	codeValidationError = "VALIDATION_ERROR"
)

// Message is a single push notification addressed to one device token.
type Message struct {
	To        string            `json:"to"`
	Title     string            `json:"title,omitempty"`
	Body      string            `json:"body,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Sound     string            `json:"sound,omitempty"`
	Priority  string            `json:"priority,omitempty"`
	TTL       int               `json:"ttl,omitempty"`
	Badge     *int              `json:"badge,omitempty"`
	ChannelID string            `json:"channelId,omitempty"`
}

// ErrorDetails carries the machine-readable error code attached to a failed
// ticket or receipt.
type ErrorDetails struct {
	Error string `json:"error,omitempty"`
}

// Ticket is the immediate outcome of one send attempt. A StatusOK ticket
// carries a receipt id to be reconciled later.
type Ticket struct {
	Status  string        `json:"status"`
	ID      string        `json:"id,omitempty"`
	Message string        `json:"message,omitempty"`
	Details *ErrorDetails `json:"details,omitempty"`
}

// Receipt is the delayed delivery confirmation fetched with a ticket's id.
type Receipt struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Details *ErrorDetails `json:"details,omitempty"`
}

// APIError is a request-level error returned by the gateway, as opposed to a
// per-message ticket error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("expo: %s: %s", e.Code, e.Message)
}

// IsNoItemsError reports whether err is the gateway's rejection of an empty
// receipt query. Receiving it proves the gateway is reachable and parsing
// requests.
func IsNoItemsError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeValidationError
}

// Client talks to the Expo push gateway over HTTPS. Every request is bounded
// by the client timeout and retried a fixed number of times on transport or
// 5xx failures.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewClient creates a gateway client. An empty baseURL selects the public
// endpoint, a zero timeout selects the default. accessToken may be empty for
// projects without enhanced push security.
func NewClient(baseURL, accessToken string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// NewClientFromEnv builds a client from EXPO_PUSH_URL and EXPO_ACCESS_TOKEN.
func NewClientFromEnv() *Client {
	return NewClient(os.Getenv("EXPO_PUSH_URL"), os.Getenv("EXPO_ACCESS_TOKEN"), 0)
}

// PublishMessages submits up to SendLimit messages in one gateway call and
// returns one ticket per message, in submission order. Chunking to the limit
// is the caller's responsibility.
func (c *Client) PublishMessages(ctx context.Context, messages []Message) ([]Ticket, error) {
	if len(messages) > SendLimit {
		return nil, errors.Errorf("publish of %d messages exceeds gateway limit %d", len(messages), SendLimit)
	}
	var tickets []Ticket
	if err := c.post(ctx, "/push/send", messages, &tickets); err != nil {
		return nil, errors.Wrap(err, "push/send")
	}
	if len(tickets) != len(messages) {
		return nil, errors.Errorf("gateway returned %d tickets for %d messages", len(tickets), len(messages))
	}
	return tickets, nil
}

// GetReceipts queries delivery receipts for up to ReceiptLimit ticket ids.
// Ids not yet processed by the gateway are absent from the result.
func (c *Client) GetReceipts(ctx context.Context, ids []string) (map[string]Receipt, error) {
	if len(ids) > ReceiptLimit {
		return nil, errors.Errorf("query of %d receipt ids exceeds gateway limit %d", len(ids), ReceiptLimit)
	}
	payload := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	receipts := make(map[string]Receipt)
	if err := c.post(ctx, "/push/getReceipts", payload, &receipts); err != nil {
		return nil, errors.Wrap(err, "push/getReceipts")
	}
	return receipts, nil
}

// post sends one JSON request with retries. Gateway-level APIErrors are
// returned as-is and not retried; transport errors and 5xx responses are
// retried with a fixed delay.
func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		err := c.doOnce(ctx, path, body, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.Errorf("gateway status %d: %s", resp.StatusCode, raw)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []*APIError     `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errors.Wrapf(err, "decode gateway response (status %d)", resp.StatusCode)
	}
	if len(envelope.Errors) > 0 {
		return envelope.Errors[0]
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("gateway status %d: %s", resp.StatusCode, raw)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return errors.Wrap(err, "decode gateway data")
		}
	}
	return nil
}
