package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotsync/libs/httpx"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/slots"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodyBytes = 4 << 20

// StatusError is returned for any non-2xx answer from the booking backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the external booking backend that owns availability.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SaveDayRequest is the replace-for-date write payload.
type SaveDayRequest struct {
	Date  string          `json:"date"`
	Slots []slots.RawSlot `json:"slots"`
}

// FetchAvailability returns the raw response body. Decoding is the caller's
// job so malformed bodies can be told apart from transport failures.
func (c *Client) FetchAvailability(ctx context.Context, subjectID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.availabilityURL(subjectID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

// SaveDay replaces every slot of one date. An empty slot list clears the date.
func (c *Client) SaveDay(ctx context.Context, subjectID string, date string, in []slots.RawSlot) error {
	if in == nil {
		in = []slots.RawSlot{}
	}
	body, err := json.Marshal(SaveDayRequest{Date: date, Slots: in})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.availabilityURL(subjectID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req)
	return err
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if id := httpx.RequestIDFromContext(req.Context()); id != "" {
		req.Header.Set(httpx.RequestIDHeader, id)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(truncate(body, 200)))}
	}
	return body, nil
}

func (c *Client) availabilityURL(subjectID string) string {
	return c.baseURL + "/subjects/" + url.PathEscape(subjectID) + "/availability"
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
