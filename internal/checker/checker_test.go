package checker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmasuda/dropherd/internal/logging"
	"github.com/tmasuda/dropherd/internal/model"
	"github.com/tmasuda/dropherd/internal/store"
	yamlutil "github.com/tmasuda/dropherd/internal/yaml"
)

func newTestChecker(t *testing.T, entries []string) (*Checker, *store.ProxyStore, string) {
	t.Helper()
	dir := t.TempDir()

	proxies, err := store.NewProxyStore(filepath.Join(dir, "proxies.yaml"), model.ProxyConfig{
		FailureThreshold: 3,
		MinReuseDelaySec: 300,
		CooldownSec:      900,
	})
	require.NoError(t, err)
	if len(entries) > 0 {
		_, err = proxies.Import(entries)
		require.NoError(t, err)
	}

	statePath := filepath.Join(dir, "checker.yaml")
	cfg := model.CheckerConfig{
		TestURLs:       []string{"https://probe.invalid/"},
		TimeoutSec:     2,
		Concurrency:    4,
		RequestsPerSec: 100,
	}
	return New(cfg, proxies, statePath, logging.New(io.Discard, "checker", logging.LevelError)), proxies, statePath
}

func TestRun_RecordsResultsAndSummary(t *testing.T) {
	c, proxies, statePath := newTestChecker(t, []string{"10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080"})

	aliveHosts := map[string]bool{"10.0.0.1": true, "10.0.0.2": true}
	c.probe = func(ctx context.Context, p *model.Proxy) (bool, int64) {
		if aliveHosts[p.Host] {
			return true, 120
		}
		return false, 0
	}

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Checked)
	assert.Equal(t, 2, summary.Alive)
	assert.Equal(t, 1, summary.Dead)

	stats := proxies.Stats()
	assert.Equal(t, 2, stats.Alive)
	assert.Equal(t, 1, stats.Dead)

	for _, p := range proxies.List() {
		require.NotNil(t, p.LastChecked, "proxy %s", p.ID)
		if p.Status == model.ProxyStatusAlive {
			require.NotNil(t, p.ResponseTimeMs)
			assert.Equal(t, int64(120), *p.ResponseTimeMs)
		}
	}

	var persisted Summary
	require.NoError(t, yamlutil.Load(statePath, &persisted))
	assert.Equal(t, "state_checker", persisted.FileType)
	assert.Equal(t, 3, persisted.Checked)
}

func TestRun_RevivesDeadProxy(t *testing.T) {
	c, proxies, _ := newTestChecker(t, []string{"10.0.0.1:8080"})
	id := proxies.List()[0].ID

	require.NoError(t, proxies.SetCheckResult(id, false, 0))
	p, err := proxies.Get(id)
	require.NoError(t, err)
	require.Equal(t, model.ProxyStatusDead, p.Status)

	c.probe = func(ctx context.Context, p *model.Proxy) (bool, int64) { return true, 80 }
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	p, err = proxies.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.ProxyStatusAlive, p.Status)
	assert.Equal(t, 0, p.FailCount)
}

func TestRun_ConcurrencyBounded(t *testing.T) {
	var entries []string
	for i := 0; i < 20; i++ {
		entries = append(entries, fmt.Sprintf("10.0.1.%d:8080", i+1))
	}

	c, _, _ := newTestChecker(t, entries)

	var inFlight, peak int32
	c.probe = func(ctx context.Context, p *model.Proxy) (bool, int64) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		atomic.AddInt32(&inFlight, -1)
		return true, 1
	}

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
}

func TestHTTPProbe_AgainstLocalServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, proxies, _ := newTestChecker(t, nil)
	c.cfg.TestURLs = []string{srv.URL}

	// Point the proxy at the test server itself; a plain HTTP GET
	// through an HTTP proxy is forwarded as an absolute-form request,
	// which the stub answers like any other.
	_, err := proxies.Import([]string{srv.Listener.Addr().String()})
	require.NoError(t, err)

	p := proxies.List()[0]
	alive, ms := c.httpProbe(context.Background(), &p)
	assert.True(t, alive)
	assert.GreaterOrEqual(t, ms, int64(0))
}
