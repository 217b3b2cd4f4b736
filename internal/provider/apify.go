// Package provider fetches post metrics from an external scraping API and
// turns its loosely typed output into validated records.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cyderes/post-metrics-service/internal/retry"
)

// Provider returns raw metric records for a batch of post identifiers.
type Provider interface {
	FetchBatch(ctx context.Context, ids []string) ([]RawRecord, error)
}

var _ Provider = (*ApifyClient)(nil)

// Apify run statuses.
const (
	statusReady     = "READY"
	statusRunning   = "RUNNING"
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
	statusAborted   = "ABORTED"
	statusTimedOut  = "TIMED-OUT"
)

// ApifyConfig configures the actor-run client.
type ApifyConfig struct {
	BaseURL           string
	Token             string
	ActorID           string
	Timeout           time.Duration
	PollInterval      time.Duration
	MaxPolls          int
	RequestsPerSecond float64
}

// ApifyClient starts a scraper actor run per batch, polls it to completion and
// reads the resulting dataset.
type ApifyClient struct {
	cfg        ApifyConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	sleeper    retry.Sleeper
	logger     *zap.Logger
}

// NewApifyClient creates a client with request pacing.
func NewApifyClient(cfg ApifyConfig, logger *zap.Logger) *ApifyClient {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.MaxPolls < 1 {
		cfg.MaxPolls = 1
	}
	return &ApifyClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		sleeper: retry.TimerSleeper{},
		logger:  logger,
	}
}

type actorInput struct {
	TweetIDs []string `json:"tweetIDs"`
	MaxItems int      `json:"maxItems"`
}

type actorRun struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	DefaultDatasetID string `json:"defaultDatasetId"`
}

type actorRunEnvelope struct {
	Data actorRun `json:"data"`
}

// FetchBatch runs the actor for ids and returns its dataset items.
func (c *ApifyClient) FetchBatch(ctx context.Context, ids []string) ([]RawRecord, error) {
	body, err := json.Marshal(actorInput{TweetIDs: ids, MaxItems: len(ids)})
	if err != nil {
		return nil, &Error{Kind: KindFailed, Err: fmt.Errorf("failed to marshal actor input: %w", err)}
	}

	var started actorRunEnvelope
	if err := c.do(ctx, http.MethodPost, "/v2/acts/"+url.PathEscape(c.cfg.ActorID)+"/runs", nil, body, &started); err != nil {
		return nil, err
	}

	run, err := c.waitForRun(ctx, started.Data)
	if err != nil {
		return nil, err
	}

	var items []RawRecord
	query := url.Values{"format": {"json"}, "clean": {"true"}}
	if err := c.do(ctx, http.MethodGet, "/v2/datasets/"+url.PathEscape(run.DefaultDatasetID)+"/items", query, nil, &items); err != nil {
		return nil, err
	}

	c.logger.Debug("actor run finished",
		zap.String("run_id", run.ID),
		zap.Int("requested", len(ids)),
		zap.Int("items", len(items)))

	return items, nil
}

// waitForRun polls the run at a fixed interval until it reaches a final status.
func (c *ApifyClient) waitForRun(ctx context.Context, run actorRun) (actorRun, error) {
	for poll := 0; ; poll++ {
		switch run.Status {
		case statusSucceeded:
			return run, nil
		case statusFailed, statusAborted, statusTimedOut:
			return run, &Error{Kind: KindFailed, Err: fmt.Errorf("actor run %s finished with status %s", run.ID, run.Status)}
		}

		if poll >= c.cfg.MaxPolls {
			return run, &Error{Kind: KindTimeout, Err: fmt.Errorf("actor run %s still %s after %d polls", run.ID, run.Status, c.cfg.MaxPolls)}
		}
		if err := c.sleeper.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return run, &Error{Kind: KindFailed, Err: err}
		}

		var current actorRunEnvelope
		if err := c.do(ctx, http.MethodGet, "/v2/actor-runs/"+url.PathEscape(run.ID), nil, nil, &current); err != nil {
			return run, err
		}
		run = current.Data
	}
}

func (c *ApifyClient) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindFailed, Err: fmt.Errorf("rate limiter wait failed: %w", err)}
	}

	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &Error{Kind: KindFailed, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindFailed, Err: fmt.Errorf("failed to make request: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindFailed, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Kind:       classify(resp.StatusCode, string(data)),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(data), 256)),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindFailed, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
