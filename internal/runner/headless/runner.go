// Package headless executes browser-mode fetch plans with chromedp.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/fetch"
	"github.com/archival-systems/fetcherd/internal/hash/sha256"
)

// Config controls the behavior of the headless runner.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Pacer throttles outbound navigations per target host. A nil Pacer
// disables pacing.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Runner implements fetch.SourceRunner for browser-mode plans. A limiter
// channel bounds concurrent browser sessions so pool sizing elsewhere does
// not translate into unbounded Chrome processes.
type Runner struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	hasher      *sha256.Hasher
	pacer       Pacer
	logger      *zap.Logger
}

// New creates a headless runner backed by chromedp.
func New(cfg Config, pacer Pacer, logger *zap.Logger) (*Runner, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Runner{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		hasher:      sha256.New(),
		pacer:       pacer,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context.
func (r *Runner) Close() {
	r.allocCancel()
}

// Run navigates the plan's entry URL in a headless browser, waits for the
// plan's extraction selector, and returns the rendered content.
func (r *Runner) Run(ctx context.Context, req fetch.RunRequest) (fetch.Outcome, error) {
	if req.Plan == nil {
		return fetch.Outcome{}, fmt.Errorf("%w: browser execution requires a plan", fetch.ErrCodeDefect)
	}
	entryURL := req.Plan.EntryURL
	if entryURL == "" {
		entryURL = req.Channel.TargetURL
	}
	if entryURL == "" {
		return fetch.Outcome{}, fmt.Errorf("channel %s has no target url: %w", req.Channel.ChannelID, fetch.ErrBadConfig)
	}

	if r.pacer != nil {
		if err := r.pacer.Wait(ctx, entryURL); err != nil {
			return fetch.Outcome{}, err
		}
	}

	if err := r.acquire(ctx); err != nil {
		return fetch.Outcome{}, err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	html, err := r.runBrowser(taskCtx, entryURL, extractionSelector(req.Plan))
	if err != nil {
		if taskCtx.Err() != nil {
			// Navigation timeout, not a defect in the generated plan.
			return fetch.Outcome{}, fmt.Errorf("browser navigation: %w", taskCtx.Err())
		}
		return fetch.Outcome{}, fmt.Errorf("%w: %v", fetch.ErrCodeDefect, err)
	}
	if err := classifyStatus(meta.status()); err != nil {
		return fetch.Outcome{}, err
	}
	if len(strings.TrimSpace(html)) == 0 {
		return fetch.Outcome{}, fmt.Errorf("rendered page empty at %s: %w", entryURL, fetch.ErrSchemaMismatch)
	}

	content := []byte(html)
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
	r.logger.Debug("browser fetch complete",
		zap.String("job_id", req.Job.ID),
		zap.String("url", entryURL),
		zap.Int("bytes", len(content)),
	)
	return fetch.Outcome{Success: true, Files: []fetch.FileRecord{file}}, nil
}

func (r *Runner) runBrowser(ctx context.Context, url, selector string) (string, error) {
	var html string
	actions := []chromedp.Action{
		r.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML(selector, &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (r *Runner) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (r *Runner) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (r *Runner) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

func extractionSelector(plan *fetch.FetchPlan) string {
	for _, step := range plan.Steps {
		if step.Action == "extract" && step.Selector != "" {
			return step.Selector
		}
	}
	return "body"
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", status, fetch.ErrForbidden)
	case status == http.StatusNotFound, status == http.StatusGone:
		return fmt.Errorf("status %d: %w", status, fetch.ErrGoneForever)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", status, fetch.ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("status %d: server error", status)
	default:
		return nil
	}
}

type responseMeta struct {
	mu         sync.RWMutex
	statusCode int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.statusCode = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusCode
}
