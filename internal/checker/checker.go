// Package checker probes every stored proxy against real endpoints and
// feeds the results back into the proxy store. A passing probe revives
// dead proxies, so a periodic sweep doubles as a recovery path.
package checker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"github.com/tmasuda/dropherd/internal/logging"
	"github.com/tmasuda/dropherd/internal/model"
	"github.com/tmasuda/dropherd/internal/store"
	yamlutil "github.com/tmasuda/dropherd/internal/yaml"
)

// Summary is the result of one full sweep, persisted to
// state/checker.yaml for the status command.
type Summary struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	StartedAt     string `yaml:"started_at"`
	FinishedAt    string `yaml:"finished_at"`
	Checked       int    `yaml:"checked"`
	Alive         int    `yaml:"alive"`
	Dead          int    `yaml:"dead"`
}

// Checker sweeps the proxy pool. Probes run concurrently up to the
// configured limit and are paced by a shared rate limiter so the test
// endpoints do not see a burst from every proxy at once.
type Checker struct {
	cfg       model.CheckerConfig
	proxies   *store.ProxyStore
	statePath string
	logger    *logging.Logger

	// probe is swappable for tests.
	probe func(ctx context.Context, p *model.Proxy) (bool, int64)
}

func New(cfg model.CheckerConfig, proxies *store.ProxyStore, statePath string, logger *logging.Logger) *Checker {
	c := &Checker{
		cfg:       cfg,
		proxies:   proxies,
		statePath: statePath,
		logger:    logger,
	}
	c.probe = c.httpProbe
	return c
}

// Run probes every proxy in the store, including dead and cooling-down
// ones, and persists a sweep summary.
func (c *Checker) Run(ctx context.Context) (*Summary, error) {
	started := time.Now().UTC()
	proxies := c.proxies.List()
	c.logger.Infof("check sweep start proxies=%d concurrency=%d", len(proxies), c.cfg.Concurrency)

	rl := ratelimit.New(c.cfg.RequestsPerSec)

	type result struct {
		id    string
		alive bool
		ms    int64
	}
	results := make([]result, len(proxies))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i := range proxies {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rl.Take()
			alive, ms := c.probe(gctx, &proxies[i])
			results[i] = result{id: proxies[i].ID, alive: alive, ms: ms}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := &Summary{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "state_checker",
		StartedAt:     started.Format(time.RFC3339),
		Checked:       len(proxies),
	}
	for _, r := range results {
		if err := c.proxies.SetCheckResult(r.id, r.alive, r.ms); err != nil {
			c.logger.Warnf("record check result proxy=%s: %v", r.id, err)
			continue
		}
		if r.alive {
			summary.Alive++
		} else {
			summary.Dead++
		}
	}
	summary.FinishedAt = time.Now().UTC().Format(time.RFC3339)

	if c.statePath != "" {
		if err := yamlutil.AtomicWrite(c.statePath, summary); err != nil {
			return nil, fmt.Errorf("persist checker summary: %w", err)
		}
	}

	c.logger.Infof("check sweep done checked=%d alive=%d dead=%d elapsed=%s",
		summary.Checked, summary.Alive, summary.Dead, time.Since(started).Round(time.Millisecond))
	return summary, nil
}

// httpProbe routes a GET through the proxy to each test URL in turn.
// The first URL that answers below the timeout counts as alive.
func (c *Checker) httpProbe(ctx context.Context, p *model.Proxy) (bool, int64) {
	client := &http.Client{
		Timeout: time.Duration(c.cfg.TimeoutSec) * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(p.URL()),
		},
	}
	defer client.CloseIdleConnections()

	for _, testURL := range c.cfg.TestURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
		if err != nil {
			continue
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			c.logger.Debugf("probe proxy=%s url=%s: %v", p.ID, testURL, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 400 {
			return true, time.Since(start).Milliseconds()
		}
	}
	return false, 0
}
