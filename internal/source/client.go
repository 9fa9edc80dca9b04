// Package source talks to the bookmarked-articles service (Pocket v3 API).
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/shohag/kindlerelay/internal/config"
)

// Error is returned for any failure reported by the article source.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("article source error %d (code %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("article source error %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL     string
	consumerKey string
	http        *http.Client
	limiter     *rate.Limiter
}

func NewClient(cfg config.SourceConfig) *Client {
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		consumerKey: cfg.ConsumerKey,
		http:        &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(limit, burst),
	}
}

// post sends a JSON request and decodes a JSON response into out.
func (c *Client) post(ctx context.Context, path string, body map[string]interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body["consumer_key"] = c.consumerKey
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed after %s: %w", path, time.Since(start).Round(time.Millisecond), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := resp.Header.Get("X-Error")
		if msg == "" {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			msg = strings.TrimSpace(string(b))
		}
		return &Error{StatusCode: resp.StatusCode, Code: resp.Header.Get("X-Error-Code"), Message: msg}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
