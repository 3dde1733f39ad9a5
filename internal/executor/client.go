// Package executor forwards per-site work to an external service over HTTP.
//
// Every call is a JSON POST to {base_url}/{event}[/{action}]; the response
// body reports whether work was done.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"crawlsched/internal/events"
	"crawlsched/internal/schedule"
	logx "crawlsched/pkg/logx"
)

const (
	defaultTimeout = 60 * time.Second
	userAgent      = "crawlsched-executor"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
	// Token is sent as a bearer token when set.
	Token string
	// Retries applies only to failures where the request was not handled:
	// dial errors, 503 and 429. Posts are not idempotent.
	Retries int
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("executor %s: status %d: %s", e.Path, e.Status, e.Body)
}

// Client implements events.Executor.
type Client struct {
	client *resty.Client
	log    logx.Logger
}

var _ events.Executor = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("executor.base_url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent).
		SetRetryCount(max(cfg.Retries, 0)).
		AddRetryCondition(retryable)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	log = log.With(logx.String("comp", "executor"))
	log.Debug("executor client ready",
		logx.String("base_url", base),
		logx.Duration("timeout", timeout),
		logx.Secret("token", cfg.Token),
	)
	return &Client{client: client, log: log}, nil
}

// retryable reports whether the executor cannot have acted on the request.
func retryable(r *resty.Response, err error) bool {
	if err != nil {
		var op *net.OpError
		return errors.As(err, &op) && op.Op == "dial"
	}
	if r == nil {
		return false
	}
	switch r.StatusCode() {
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return true
	}
	return false
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	start := time.Now()
	r := c.client.R().SetContext(ctx).SetBody(body)
	if result != nil {
		r.SetResult(result)
	}
	resp, err := r.Post(path)
	if err != nil {
		return fmt.Errorf("executor %s: %w", path, err)
	}
	c.log.Trace("executor call", logx.String("path", path), logx.Int("status", resp.StatusCode()), logx.Duration("took", time.Since(start)))
	if resp.IsError() {
		return &StatusError{Path: path, Status: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	return nil
}

func (c *Client) CollectURLs(ctx context.Context, req events.Request) (events.Outcome, error) {
	var out events.Outcome
	err := c.post(ctx, "/"+schedule.EventCollectURLs, req, &out)
	return out, err
}

func (c *Client) CrawlPost(ctx context.Context, req events.Request) (events.Outcome, error) {
	var out events.Outcome
	err := c.post(ctx, "/"+schedule.EventCrawlPost, req, &out)
	return out, err
}

func (c *Client) RecrawlPost(ctx context.Context, req events.RecrawlRequest) (events.RecrawlOutcome, error) {
	var out events.RecrawlOutcome
	err := c.post(ctx, "/"+schedule.EventRecrawlPost, req, &out)
	return out, err
}

func (c *Client) ResumeRecrawl(ctx context.Context, req events.ResumeRequest) (events.RecrawlOutcome, error) {
	var out events.RecrawlOutcome
	err := c.post(ctx, "/"+schedule.EventRecrawlPost+"/resume", req, &out)
	return out, err
}

func (c *Client) ResetRecrawl(ctx context.Context, req events.Request) error {
	return c.post(ctx, "/"+schedule.EventRecrawlPost+"/reset", req, nil)
}

func (c *Client) DeletePosts(ctx context.Context, req events.DeleteRequest) (events.DeleteOutcome, error) {
	var out events.DeleteOutcome
	err := c.post(ctx, "/"+schedule.EventDeletePosts, req, &out)
	return out, err
}
