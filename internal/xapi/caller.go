// Package xapi executes metered calls against the X API. Every call is
// priced and admitted by the budget ledger first; every attempt that
// reaches the network is charged, whatever its outcome. Response
// bodies, headers and credentials are never logged or returned: only
// status codes and explicitly requested JSON fields leave this package.
package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bort-os/bort/internal/budget"
	"github.com/bort-os/bort/internal/credentials"
	"github.com/bort-os/bort/internal/httpkit"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://api.x.com"

// Request describes one metered call.
type Request struct {
	Action budget.Action
	// Body, when non-nil, is sent as JSON.
	Body any
	// ExtractPaths lists dot paths to copy out of a JSON response.
	ExtractPaths []string
}

// Result is the outcome of [Caller.Call]. OK means the call was
// executed (any status, including 0 for a transport failure); Blocked
// means it was deferred to the action queue without a network call.
type Result struct {
	OK          bool           `json:"ok"`
	Blocked     bool           `json:"blocked,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Status      int            `json:"status"`
	EstimateUSD float64        `json:"estimateUsd"`
	ActionID    string         `json:"actionId"`
	Attempts    int            `json:"attempts"`
	Extracted   map[string]any `json:"extracted,omitempty"`
}

// Success reports a 2xx response.
func (r Result) Success() bool {
	return r.OK && r.Status >= 200 && r.Status < 300
}

// Refresher obtains a fresh access token after the current one was
// rejected.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Caller performs metered calls.
type Caller struct {
	baseURL   string
	client    *http.Client
	ledger    *budget.Ledger
	creds     credentials.Store
	refresher Refresher
	limiter   *rate.Limiter
	logger    *slog.Logger
	newID     func() string
}

// Option configures a Caller.
type Option func(*Caller)

// WithBaseURL points the caller at another API host.
func WithBaseURL(u string) Option {
	return func(c *Caller) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Caller) { c.client = hc }
}

// WithRefresher enables the single refresh-and-retry after HTTP 401.
func WithRefresher(r Refresher) Option {
	return func(c *Caller) { c.refresher = r }
}

// WithLimiter admits calls through l; a denied call is queued.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Caller) { c.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Caller) { c.logger = l }
}

// WithIDs overrides action ID generation.
func WithIDs(fn func() string) Option {
	return func(c *Caller) { c.newID = fn }
}

// New creates a caller charging ledger and reading creds.
func New(ledger *budget.Ledger, creds credentials.Store, opts ...Option) *Caller {
	c := &Caller{
		baseURL: DefaultBaseURL,
		ledger:  ledger,
		creds:   creds,
		logger:  slog.Default(),
		newID:   newActionID,
	}
	for _, o := range opts {
		o(c)
	}
	if c.client == nil {
		c.client = httpkit.NewClient(httpkit.WithLogger(c.logger))
	}
	return c
}

// NewLimiter returns a limiter allowing perMinute calls with the given
// burst, or nil when perMinute is not positive.
func NewLimiter(perMinute float64, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perMinute/60), burst)
}

func newActionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Call prices, admits, executes and charges req. A budget or rate
// block is a normal result, not an error. Errors are returned for a
// missing access token, an unusable ledger, or a spend that could not
// be recorded; in the last case the result is still valid.
func (c *Caller) Call(ctx context.Context, req Request) (Result, error) {
	a := req.Action.Normalize()
	res := Result{ActionID: c.newID(), EstimateUSD: c.ledger.Estimate(a)}

	var body []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return res, fmt.Errorf("encode request body: %w", err)
		}
		body = b
	}

	if _, err := http.NewRequest(a.Method, c.baseURL+a.Endpoint, nil); err != nil {
		return res, fmt.Errorf("build request: %w", err)
	}

	if c.limiter != nil && !c.limiter.Allow() {
		if err := c.ledger.Queue(ctx, budget.ReasonBlockedByRateLimit, a, res.EstimateUSD); err != nil {
			return res, err
		}
		res.Blocked, res.Reason = true, budget.ReasonBlockedByRateLimit
		return res, nil
	}

	if blocked, err := c.admit(ctx, a, &res); blocked || err != nil {
		return res, err
	}

	token, err := credentials.Require(ctx, c.creds, credentials.AccessToken)
	if err != nil {
		return res, err
	}

	// Spend is recorded even if the caller's context ends mid-flight.
	recordCtx := context.WithoutCancel(ctx)
	var errs []error

	status, extracted := c.attempt(ctx, a, body, token, req.ExtractPaths)
	res.OK, res.Status, res.Extracted, res.Attempts = true, status, extracted, 1
	errs = append(errs, c.record(recordCtx, a, res))

	if status == http.StatusUnauthorized && c.refresher != nil {
		fresh, rerr := c.refresher.Refresh(ctx)
		if rerr != nil {
			c.logger.Warn("credential refresh failed", "action_id", res.ActionID, "error", refreshErrorTag(rerr))
		} else {
			retry := res
			blocked, err := c.admit(ctx, a, &retry)
			switch {
			case err != nil:
				errs = append(errs, err)
			case blocked:
				retry.OK, retry.Extracted = false, nil
				res = retry
			default:
				status, extracted = c.attempt(ctx, a, body, fresh, req.ExtractPaths)
				res.Status, res.Extracted, res.Attempts = status, extracted, 2
				errs = append(errs, c.record(recordCtx, a, res))
			}
		}
	}

	c.logger.Info("x call",
		"action_id", res.ActionID,
		"action_type", a.Type,
		"method", a.Method,
		"endpoint", a.Endpoint,
		"status", res.Status,
		"attempts", res.Attempts,
		"blocked", res.Blocked,
	)
	return res, errors.Join(errs...)
}

// admit runs the budget guard and fills res when blocked.
func (c *Caller) admit(ctx context.Context, a budget.Action, res *Result) (bool, error) {
	d, err := c.ledger.GuardOrQueue(ctx, a)
	if err != nil {
		return d.Blocked, fmt.Errorf("budget guard: %w", err)
	}
	if d.Blocked {
		res.Blocked, res.Reason = true, d.Reason
		return true, nil
	}
	return false, nil
}

func (c *Caller) attempt(ctx context.Context, a budget.Action, body []byte, token string, paths []string) (int, map[string]any) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, a.Method, c.baseURL+a.Endpoint, rdr)
	if err != nil {
		return 0, nil
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Debug("x call transport failure", "method", a.Method, "endpoint", a.Endpoint)
		return 0, nil
	}
	if len(paths) == 0 {
		httpkit.DrainAndClose(resp.Body, httpkit.DefaultBodyLimit)
		return resp.StatusCode, nil
	}
	var doc any
	if err := httpkit.DecodeJSON(resp.Body, httpkit.DefaultBodyLimit, &doc); err != nil {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, Extract(doc, paths)
}

func (c *Caller) record(ctx context.Context, a budget.Action, res Result) error {
	return c.ledger.RecordSpend(ctx, res.EstimateUSD, map[string]any{
		"actionId":   res.ActionID,
		"actionType": a.Type,
		"method":     a.Method,
		"endpoint":   a.Endpoint,
		"status":     res.Status,
	})
}
