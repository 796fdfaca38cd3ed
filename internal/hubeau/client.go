package hubeau

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/padorange/hubeau/internal/apperr"
)

const (
	// DefaultPageSize is the number of observations requested per page.
	DefaultPageSize = 400

	maxExcerpt = 256
)

// Options configures a Client.
type Options struct {
	BaseURL         string
	UserAgent       string
	Timeout         time.Duration
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger

	// OnRetry is called before each retry of a transient failure.
	OnRetry func(op string, err error)
}

// Client provides access to the Hub'Eau hydrometry API.
type Client struct {
	baseURL         string
	userAgent       string
	httpClient      *http.Client
	attempts        int
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          *slog.Logger
	onRetry         func(op string, err error)
}

// NewClient creates a Hub'Eau API client.
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		userAgent:       opts.UserAgent,
		httpClient:      opts.HTTPClient,
		attempts:        opts.Attempts,
		initialInterval: opts.InitialInterval,
		maxInterval:     opts.MaxInterval,
		logger:          opts.Logger,
		onRetry:         opts.OnRetry,
	}
	if c.httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	if c.attempts <= 0 {
		c.attempts = 1
	}
	if c.initialInterval <= 0 {
		c.initialInterval = 500 * time.Millisecond
	}
	if c.maxInterval < c.initialInterval {
		c.maxInterval = c.initialInterval
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// getJSON fetches rawURL and decodes it into out, retrying transient failures
// with capped exponential backoff until the attempt budget is spent.
func (c *Client) getJSON(ctx context.Context, op, rawURL string, out any) (int, error) {
	var status int
	operation := func() error {
		var err error
		status, err = c.do(ctx, op, rawURL, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(apperr.New(apperr.KindCanceled, op, ctx.Err()))
		}
		if !apperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("transient hubeau failure, retrying", "op", op, "error", err, "wait", wait)
		if c.onRetry != nil {
			c.onRetry(op, err)
		}
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.attempts-1)), ctx), notify)
	switch {
	case err == nil:
		return status, nil
	case apperr.KindOf(err) == apperr.KindUnknown && ctx.Err() != nil:
		return status, apperr.New(apperr.KindCanceled, op, err)
	case apperr.IsRetryable(err):
		return status, errors.Join(err, fmt.Errorf("%w after %d attempts", apperr.ErrRetryBudgetExhausted, c.attempts))
	}
	return status, err
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// do performs a single request.
func (c *Client) do(ctx context.Context, op, rawURL string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, apperr.New(apperr.KindClient, op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apperr.New(apperr.KindNetwork, op, fmt.Errorf("request %s: %w", op, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, apperr.New(apperr.KindNetwork, op, fmt.Errorf("read body: %w", err))
	}

	c.logger.Debug("hubeau request", "op", op, "status", resp.StatusCode, "url", rawURL)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	default:
		return resp.StatusCode, apperr.FromStatus(op, resp.StatusCode, fmt.Errorf("unexpected status %s: %s", resp.Status, excerpt(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, apperr.New(apperr.KindData, op, fmt.Errorf("decode payload: %w (body: %s)", err, excerpt(body)))
	}
	return resp.StatusCode, nil
}

// checkAPIVersion rejects payloads from an unsupported major API version.
func checkAPIVersion(op, version string) error {
	if version == "" {
		return nil
	}
	major, _, _ := strings.Cut(version, ".")
	if major != "1" {
		return apperr.New(apperr.KindData, op, fmt.Errorf("unsupported api_version %q", version))
	}
	return nil
}

func (c *Client) endpoint(path string, params url.Values) string {
	return c.baseURL + path + "?" + params.Encode()
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxExcerpt {
		return s[:maxExcerpt] + "..."
	}
	return s
}
