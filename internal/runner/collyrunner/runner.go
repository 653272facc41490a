// Package collyrunner executes http-mode fetch plans using gocolly.
package collyrunner

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/fetch"
	"github.com/archival-systems/fetcherd/internal/hash/sha256"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Pacer throttles outbound requests per target host. A nil Pacer
// disables pacing.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Runner implements fetch.SourceRunner over plain HTTP. With a plan it
// walks the plan's extract steps; without one (generic-api sources) it
// fetches the channel's target URL directly.
type Runner struct {
	cfg           Config
	hasher        *sha256.Hasher
	baseCollector *colly.Collector
	pacer         Pacer
	logger        *zap.Logger
}

// New builds a Runner.
func New(cfg Config, pacer Pacer, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Runner{
		cfg:           cfg,
		hasher:        sha256.New(),
		baseCollector: c,
		pacer:         pacer,
		logger:        logger,
	}
}

// Run executes one fetch for the request and returns the produced files.
func (r *Runner) Run(ctx context.Context, req fetch.RunRequest) (fetch.Outcome, error) {
	entryURL := req.Channel.TargetURL
	selector := "body"
	if req.Plan != nil {
		if req.Plan.EntryURL != "" {
			entryURL = req.Plan.EntryURL
		}
		for _, step := range req.Plan.Steps {
			if step.Action == "extract" && step.Selector != "" {
				selector = step.Selector
			}
		}
	}
	if entryURL == "" {
		return fetch.Outcome{}, fmt.Errorf("channel %s has no target url: %w", req.Channel.ChannelID, fetch.ErrBadConfig)
	}
	if r.pacer != nil {
		if err := r.pacer.Wait(ctx, entryURL); err != nil {
			return fetch.Outcome{}, err
		}
	}

	var (
		body       []byte
		extracted  string
		statusCode int
		fetchErr   error
	)
	collector := r.baseCollector.Clone()
	if r.cfg.UserAgent != "" {
		collector.UserAgent = r.cfg.UserAgent
	}
	timeout := r.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnResponse(func(resp *colly.Response) {
		statusCode = resp.StatusCode
		body = append([]byte(nil), resp.Body...)
	})
	collector.OnHTML(selector, func(e *colly.HTMLElement) {
		if extracted == "" {
			extracted, _ = e.DOM.Html()
		}
	})
	collector.OnError(func(resp *colly.Response, err error) {
		if resp != nil {
			statusCode = resp.StatusCode
		}
		fetchErr = err
	})

	// Visit reports non-2xx responses as errors; classify off the captured
	// status first so 403/410/429 map onto the right failure class.
	visitErr := r.visit(ctx, collector, entryURL)
	if err := classifyStatus(statusCode, fetchErr); err != nil {
		return fetch.Outcome{}, err
	}
	if visitErr != nil {
		return fetch.Outcome{}, visitErr
	}

	content := []byte(extracted)
	if req.Plan == nil || selector == "body" {
		content = body
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		// The page answered but the shape the plan expects is gone.
		return fetch.Outcome{}, fmt.Errorf("selector %q matched nothing at %s: %w", selector, entryURL, fetch.ErrSchemaMismatch)
	}

	digest, err := r.hasher.Hash(content)
	if err != nil {
		return fetch.Outcome{}, fmt.Errorf("hash content: %w", err)
	}
	file := fetch.FileRecord{
		JobID: req.Job.ID,
		Hash:  digest,
		Path:  fmt.Sprintf("%s/%s.html", req.Job.ID, digest),
		Size:  int64(len(content)),
		Body:  content,
	}
	r.logger.Debug("http fetch complete",
		zap.String("job_id", req.Job.ID),
		zap.String("url", entryURL),
		zap.Int("status", statusCode),
		zap.Int("bytes", len(content)),
	)
	return fetch.Outcome{Success: true, Files: []fetch.FileRecord{file}}, nil
}

func (r *Runner) visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", url, err)
		}
		return nil
	}
}

// classifyStatus maps HTTP outcomes onto the failure taxonomy.
func classifyStatus(status int, fetchErr error) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", status, fetch.ErrForbidden)
	case status == http.StatusNotFound, status == http.StatusGone:
		return fmt.Errorf("status %d: %w", status, fetch.ErrGoneForever)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", status, fetch.ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("status %d: server error", status)
	case fetchErr != nil:
		return fmt.Errorf("fetch failed: %w", fetchErr)
	default:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
