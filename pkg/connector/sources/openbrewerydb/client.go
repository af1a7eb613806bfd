// Package openbrewerydb implements the Source Client for the Open Brewery DB
// REST API.
//
// Pages are requested as GET {base_url}/breweries?page={n}&per_page={size},
// starting at page 1. Pagination ends after the first page holding fewer than
// size records (or none), or after source.max_pages pages.
//
// Failure contract:
//   - 5xx, 429 and 408 responses, transport errors (timeouts, connection
//     resets) and truncated bodies are transient: the page is retried with
//     exponential backoff. When the retry budget is spent the sequence ends
//     with an ErrorTypeSourceUnavailable error.
//   - Any other non-200 status, or a body that is not a JSON array, ends the
//     sequence with an ErrorTypeSourceRejected error without retrying.
//
// The client has no storage side effects; persisting pages is the Bronze
// writer's job.
package openbrewerydb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Cerresi/bees-case/pkg/clients"
	"github.com/Cerresi/bees-case/pkg/config"
	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/metrics"
	"github.com/Cerresi/bees-case/pkg/models"
	"github.com/Cerresi/bees-case/pkg/observability"
	"github.com/Cerresi/bees-case/pkg/retry"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// Client fetches brewery pages from the source API.
type Client struct {
	baseURL        string
	pageSize       int
	maxPages       int
	concurrency    int
	requestTimeout time.Duration
	httpClient     *clients.HTTPClient
	policy         *retry.Policy
	logger         *zap.Logger
	now            func() time.Time
}

// NewClient creates a client from the pipeline configuration.
func NewClient(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.Source.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid source base_url: %q", cfg.Source.BaseURL)
	}

	logger = logger.With(zap.String("component", "openbrewerydb"))
	return &Client{
		baseURL:        base.String(),
		pageSize:       cfg.Source.PageSize,
		maxPages:       cfg.Source.MaxPages,
		concurrency:    max(cfg.Source.Concurrency, 1),
		requestTimeout: cfg.Timeouts.Request,
		httpClient:     clients.NewHTTPClient(clients.HTTPConfigFrom(cfg.Source, cfg.Timeouts), logger),
		policy:         retry.FromConfig(cfg.Reliability),
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close logs the request totals and releases idle connections.
func (c *Client) Close() error {
	stats := c.httpClient.GetStats()
	c.logger.Info("source client closed",
		zap.Int64("requests", stats.TotalRequests),
		zap.Int64("failed_requests", stats.FailedRequests),
		zap.Float64("success_rate", stats.SuccessRate),
		zap.Int64("rate_limiter_allowed", stats.RateLimiter.AllowedRequests),
		zap.Duration("average_rate_wait", stats.RateLimiter.AverageWaitTime))
	return c.httpClient.Close()
}

// Pages returns the lazy sequence of pages. Each call restarts from page 1.
// A pageSize of zero or less uses the configured page size. After an error
// the sequence ends.
func (c *Client) Pages(ctx context.Context, pageSize int) iter.Seq2[models.Page, error] {
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	if c.concurrency > 1 {
		return c.parallelPages(ctx, pageSize)
	}
	return func(yield func(models.Page, error) bool) {
		for n := 1; c.maxPages == 0 || n <= c.maxPages; n++ {
			page, err := c.fetchPage(ctx, n, pageSize)
			if err != nil {
				yield(models.Page{}, err)
				return
			}
			if len(page.Records) == 0 {
				return
			}
			if !yield(page, nil) || len(page.Records) < pageSize {
				return
			}
		}
		c.logger.Info("max_pages reached", zap.Int("max_pages", c.maxPages))
	}
}

// parallelPages fetches windows of pages concurrently and yields them in
// page order. Pages fetched past the end of the data are discarded.
func (c *Client) parallelPages(ctx context.Context, pageSize int) iter.Seq2[models.Page, error] {
	return func(yield func(models.Page, error) bool) {
		for first := 1; c.maxPages == 0 || first <= c.maxPages; first += c.concurrency {
			window := c.concurrency
			if c.maxPages > 0 {
				window = min(window, c.maxPages-first+1)
			}

			pages := make([]models.Page, window)
			errs := make([]error, window)
			var g errgroup.Group
			for i := 0; i < window; i++ {
				g.Go(func() error {
					pages[i], errs[i] = c.fetchPage(ctx, first+i, pageSize)
					return nil
				})
			}
			_ = g.Wait()

			for i := 0; i < window; i++ {
				if errs[i] != nil {
					yield(models.Page{}, errs[i])
					return
				}
				if len(pages[i].Records) == 0 {
					return
				}
				if !yield(pages[i], nil) || len(pages[i].Records) < pageSize {
					return
				}
			}
		}
		c.logger.Info("max_pages reached", zap.Int("max_pages", c.maxPages))
	}
}

// FetchAll flattens Pages into a sequence of raw records in API order.
func (c *Client) FetchAll(ctx context.Context, pageSize int) iter.Seq2[models.RawRecord, error] {
	return func(yield func(models.RawRecord, error) bool) {
		for page, err := range c.Pages(ctx, pageSize) {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page.Records {
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// fetchPage requests one page, retrying transient failures.
func (c *Client) fetchPage(ctx context.Context, n, pageSize int) (models.Page, error) {
	ctx, span := observability.StartSpan(ctx, "source.fetch_page", attribute.Int("page", n))

	policy := c.policy.Clone()
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("retrying page fetch",
			zap.Int("page", n),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	var page models.Page
	err := policy.ExecuteWithCondition(ctx, func() error {
		var err error
		page, err = c.requestPage(ctx, n, pageSize)
		return err
	}, errors.IsRetryable)

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		err = errors.Wrap(exhausted.Last, errors.ErrorTypeSourceUnavailable,
			fmt.Sprintf("page %d unavailable after %d attempts", n, exhausted.Attempts)).
			WithDetail("page", n)
	}
	observability.EndSpan(span, err)
	if err != nil {
		return models.Page{}, err
	}

	c.logger.Debug("page fetched", zap.Int("page", n), zap.Int("records", len(page.Records)))
	return page, nil
}

// requestPage performs a single request and classifies its failure.
func (c *Client) requestPage(ctx context.Context, n, pageSize int) (models.Page, error) {
	reqCtx := ctx
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(n))
	q.Set("per_page", strconv.Itoa(pageSize))
	pageURL := c.baseURL + "/breweries?" + q.Encode()

	resp, err := c.httpClient.Get(reqCtx, pageURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			// the caller gave up; not a source failure
			return models.Page{}, ctx.Err()
		}
		metrics.SourceRequests.WithLabelValues(metrics.OutcomeRetryable).Inc()
		return models.Page{}, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "request failed").
			WithDetail("page", n)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := fmt.Sprintf("page %d: status %d: %s", n, resp.StatusCode, strings.TrimSpace(string(body)))
		if isTransientStatus(resp.StatusCode) {
			metrics.SourceRequests.WithLabelValues(metrics.OutcomeRetryable).Inc()
			return models.Page{}, errors.New(errors.ErrorTypeSourceUnavailable, msg).WithDetail("status", resp.StatusCode)
		}
		metrics.SourceRequests.WithLabelValues(metrics.OutcomeRejected).Inc()
		return models.Page{}, errors.New(errors.ErrorTypeSourceRejected, msg).WithDetail("status", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return models.Page{}, ctx.Err()
		}
		metrics.SourceRequests.WithLabelValues(metrics.OutcomeRetryable).Inc()
		return models.Page{}, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "truncated response body").
			WithDetail("page", n)
	}
	fetchedAt := c.now()

	records, err := decodePage(body)
	if err != nil {
		metrics.SourceRequests.WithLabelValues(metrics.OutcomeRejected).Inc()
		return models.Page{}, errors.Wrap(err, errors.ErrorTypeSourceRejected, "undecodable response body").
			WithDetail("page", n)
	}

	metrics.SourceRequests.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return models.Page{Index: n, FetchedAt: fetchedAt, Records: records}, nil
}

// decodePage splits a JSON array body into compacted raw records.
func decodePage(body []byte) ([]models.RawRecord, error) {
	var raw []gojson.RawMessage
	if err := gojson.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("expected a JSON array, got null")
	}
	records := make([]models.RawRecord, 0, len(raw))
	for _, r := range raw {
		var buf bytes.Buffer
		if err := gojson.Compact(&buf, r); err != nil {
			return nil, err
		}
		records = append(records, models.RawRecord(buf.Bytes()))
	}
	return records, nil
}

func isTransientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}
