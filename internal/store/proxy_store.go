// Package store persists proxies and accounts as atomic YAML files and
// serves reads from an in-memory working set. Mutations take a
// cross-process flock on a sidecar lock file and refresh the working
// set from disk first, so the daemon and concurrent CLI invocations
// over the same files never lose each other's writes.
package store

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tmasuda/dropherd/internal/lock"
	"github.com/tmasuda/dropherd/internal/model"
	yamlutil "github.com/tmasuda/dropherd/internal/yaml"
)

// ErrNoProxyAvailable is returned by Acquire when every stored proxy is
// dead, cooling down, or excluded.
var ErrNoProxyAvailable = fmt.Errorf("no usable proxy available")

// ParseError describes one rejected entry from an import batch. The
// batch continues past it; valid entries are still stored.
type ParseError struct {
	Line   int
	Entry  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %q: %s", e.Line, e.Entry, e.Reason)
}

// ImportResult summarizes one import batch.
type ImportResult struct {
	Added   int
	Updated int
	Errors  []*ParseError
}

// ProxyStats is a per-status head count of the pool.
type ProxyStats struct {
	Total       int `json:"total"`
	Untested    int `json:"untested"`
	Alive       int `json:"alive"`
	Dead        int `json:"dead"`
	CoolingDown int `json:"cooling_down"`
}

// ProxyStore owns proxies.yaml. Every mutation persists before it is
// visible; a failed persist rolls the in-memory state back so memory
// and disk never diverge.
type ProxyStore struct {
	path string
	cfg  model.ProxyConfig
	flk  *lock.FileLock

	mu      sync.Mutex
	proxies []model.Proxy
	byAddr  map[string]int

	now func() time.Time
}

// NewProxyStore loads path, or starts empty when the file does not
// exist yet.
func NewProxyStore(path string, cfg model.ProxyConfig) (*ProxyStore, error) {
	s := &ProxyStore{
		path:   path,
		cfg:    cfg,
		flk:    lock.NewFileLock(path + ".lock"),
		byAddr: make(map[string]int),
		now:    time.Now,
	}
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// lockAndReload takes the cross-process file lock and refreshes the
// working set from disk, making mutations from other processes visible
// before this one applies. The caller unlocks s.flk.
func (s *ProxyStore) lockAndReload() error {
	if err := s.flk.Lock(); err != nil {
		return fmt.Errorf("lock proxy store: %w", err)
	}
	if err := s.reloadLocked(); err != nil {
		s.flk.Unlock()
		return err
	}
	return nil
}

// reloadLocked replaces the working set with the file contents. A
// missing file keeps the current set; the next persist creates it.
func (s *ProxyStore) reloadLocked() error {
	var file model.ProxyFile
	if err := yamlutil.Load(s.path, &file); err != nil {
		if os.IsNotExist(err) {
			s.reindex()
			return nil
		}
		return fmt.Errorf("load proxy store: %w", err)
	}
	if err := yamlutil.ValidateSchemaHeader(s.path, model.FileTypeProxies); err != nil {
		return fmt.Errorf("proxy store header: %w", err)
	}
	s.proxies = file.Proxies
	s.reindex()
	return nil
}

func (s *ProxyStore) reindex() {
	s.byAddr = make(map[string]int, len(s.proxies))
	for i := range s.proxies {
		s.byAddr[hostPortKey(s.proxies[i].Host, s.proxies[i].Port)] = i
	}
}

func hostPortKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Import parses entries and merges them into the pool. Accepted forms:
//
//	host:port
//	host:port:username:password
//	scheme://[username:password@]host:port
//
// A host:port already present has its credentials and scheme updated in
// place; health state is preserved. Malformed entries are collected as
// ParseErrors without aborting the batch.
func (s *ProxyStore) Import(entries []string) (*ImportResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockAndReload(); err != nil {
		return nil, err
	}
	defer s.flk.Unlock()

	snapshot := s.snapshot()
	result := &ImportResult{}
	ts := s.now().UTC().Format(time.RFC3339)

	for i, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}

		parsed, perr := parseProxyEntry(entry)
		if perr != "" {
			result.Errors = append(result.Errors, &ParseError{Line: i + 1, Entry: entry, Reason: perr})
			continue
		}

		key := hostPortKey(parsed.Host, parsed.Port)
		if idx, ok := s.byAddr[key]; ok {
			p := &s.proxies[idx]
			p.Scheme = parsed.Scheme
			p.Username = parsed.Username
			p.Password = parsed.Password
			p.UpdatedAt = ts
			result.Updated++
			continue
		}

		id, err := model.GenerateID(model.IDTypeProxy)
		if err != nil {
			s.restore(snapshot)
			return nil, fmt.Errorf("generate proxy id: %w", err)
		}
		parsed.ID = id
		parsed.Status = model.ProxyStatusUntested
		parsed.CreatedAt = ts
		parsed.UpdatedAt = ts
		s.proxies = append(s.proxies, parsed)
		s.byAddr[key] = len(s.proxies) - 1
		result.Added++
	}

	if result.Added == 0 && result.Updated == 0 {
		return result, nil
	}
	if err := s.persistLocked(); err != nil {
		s.restore(snapshot)
		return nil, err
	}
	return result, nil
}

// parseProxyEntry returns the proxy and an empty reason, or a zero
// proxy and the rejection reason.
func parseProxyEntry(entry string) (model.Proxy, string) {
	var p model.Proxy
	p.Scheme = "http"

	if strings.Contains(entry, "://") {
		u, err := url.Parse(entry)
		if err != nil {
			return p, "invalid URL syntax"
		}
		if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "socks5" {
			return p, fmt.Sprintf("unsupported scheme %q", u.Scheme)
		}
		port, err := strconv.Atoi(u.Port())
		if err != nil || port < 1 || port > 65535 {
			return p, "missing or invalid port"
		}
		if u.Hostname() == "" {
			return p, "missing host"
		}
		p.Scheme = u.Scheme
		p.Host = u.Hostname()
		p.Port = port
		if u.User != nil {
			p.Username = u.User.Username()
			pw, hasPw := u.User.Password()
			if !hasPw || p.Username == "" {
				return p, "credentials must include both username and password"
			}
			p.Password = pw
		}
		return p, ""
	}

	parts := strings.Split(entry, ":")
	switch len(parts) {
	case 2:
		// host:port
	case 4:
		// host:port:user:pass
		if parts[2] == "" || parts[3] == "" {
			return p, "credentials must include both username and password"
		}
		p.Username = parts[2]
		p.Password = parts[3]
	default:
		return p, "expected host:port or host:port:user:pass"
	}

	if parts[0] == "" {
		return p, "missing host"
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return p, "missing or invalid port"
	}
	p.Host = parts[0]
	p.Port = port
	return p, ""
}

// Acquire atomically selects a usable proxy, stamps last_used, and
// persists before returning it. A proxy used within the reuse delay
// counts as in-use and is not eligible, so two dispatch pairs in one
// batch never share a proxy. Selection prefers never-used proxies,
// then least recently used.
func (s *ProxyStore) Acquire(excludeIDs []string) (*model.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockAndReload(); err != nil {
		return nil, err
	}
	defer s.flk.Unlock()

	now := s.now().UTC()
	if err := s.expireCooldownsLocked(now); err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = true
	}

	delay := time.Duration(s.cfg.MinReuseDelaySec) * time.Second
	var candidates []int
	for _, idx := range s.usableLocked(excluded) {
		p := &s.proxies[idx]
		if p.LastUsed != nil {
			used, err := time.Parse(time.RFC3339, *p.LastUsed)
			if err == nil && now.Sub(used) < delay {
				continue
			}
		}
		candidates = append(candidates, idx)
	}
	if len(candidates) == 0 {
		return nil, ErrNoProxyAvailable
	}

	sortByLastUsed(s.proxies, candidates)

	snapshot := s.snapshot()
	p := &s.proxies[candidates[0]]
	ts := now.Format(time.RFC3339)
	p.LastUsed = &ts
	p.UpdatedAt = ts

	if err := s.persistLocked(); err != nil {
		s.restore(snapshot)
		return nil, err
	}
	out := *p
	return &out, nil
}

func (s *ProxyStore) usableLocked(excluded map[string]bool) []int {
	var out []int
	for i := range s.proxies {
		p := &s.proxies[i]
		if excluded[p.ID] {
			continue
		}
		if p.Status == model.ProxyStatusUntested || p.Status == model.ProxyStatusAlive {
			out = append(out, i)
		}
	}
	return out
}

// sortByLastUsed orders candidate indexes never-used first, then oldest
// last_used first. ID breaks ties for a stable order.
func sortByLastUsed(proxies []model.Proxy, idx []int) {
	sort.SliceStable(idx, func(a, b int) bool {
		pa, pb := &proxies[idx[a]], &proxies[idx[b]]
		if (pa.LastUsed == nil) != (pb.LastUsed == nil) {
			return pa.LastUsed == nil
		}
		if pa.LastUsed == nil {
			return pa.ID < pb.ID
		}
		if *pa.LastUsed != *pb.LastUsed {
			return *pa.LastUsed < *pb.LastUsed
		}
		return pa.ID < pb.ID
	})
}

func (s *ProxyStore) expireCooldownsLocked(now time.Time) error {
	snapshot := s.snapshot()
	changed := false
	for i := range s.proxies {
		p := &s.proxies[i]
		if p.Status != model.ProxyStatusCoolingDown || p.CooldownUntil == nil {
			continue
		}
		until, err := time.Parse(time.RFC3339, *p.CooldownUntil)
		if err != nil || !now.Before(until) {
			p.Status = model.ProxyStatusAlive
			p.CooldownUntil = nil
			p.UpdatedAt = now.Format(time.RFC3339)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := s.persistLocked(); err != nil {
		// Roll back so memory never runs ahead of disk; cooldown_until
		// stays in the past, so the expiry re-applies on the next call.
		s.restore(snapshot)
		return err
	}
	return nil
}

// ExpireCooldowns re-checks cooling-down proxies against the clock.
// The daemon's periodic scan calls this so expiry does not wait for
// the next Acquire.
func (s *ProxyStore) ExpireCooldowns() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockAndReload(); err != nil {
		return err
	}
	defer s.flk.Unlock()

	return s.expireCooldownsLocked(s.now().UTC())
}

// RecordOutcome applies one attempt result to the proxy's health
// counters. Success resets the failure streak and revives everything
// short of dead; consecutive failures at the threshold mark the proxy
// dead. Dead proxies stay in the store.
func (s *ProxyStore) RecordOutcome(proxyID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockAndReload(); err != nil {
		return err
	}
	defer s.flk.Unlock()

	idx, err := s.indexOfLocked(proxyID)
	if err != nil {
		return err
	}

	snapshot := s.snapshot()
	p := &s.proxies[idx]
	ts := s.now().UTC().Format(time.RFC3339)

	if success {
		p.FailCount = 0
		if p.Status != model.ProxyStatusCoolingDown {
			p.Status = model.ProxyStatusAlive
		}
	} else {
		p.FailCount++
		if p.FailCount >= s.cfg.FailureThreshold {
			if verr := model.ValidateProxyTransition(p.Status, model.ProxyStatusDead); verr == nil {
				p.Status = model.ProxyStatusDead
				p.CooldownUntil = nil
			}
		}
	}
	p.UpdatedAt = ts

	if err := s.persistLocked(); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// MarkCoolingDown sidelines a proxy for the configured cooldown window
// without touching its failure streak. Used for rate-limit signals,
// which say nothing about the proxy's health.
func (s *ProxyStore) MarkCoolingDown(proxyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockAndReload(); err != nil {
		return err
	}
	defer s.flk.Unlock()

	idx, err := s.indexOfLocked(proxyID)
	if err != nil {
		return err
	}

	p := &s.proxies[idx]
	if err := model.ValidateProxyTransition(p.Status, model.ProxyStatusCoolingDown); err != nil {
		return err
	}

	snapshot := s.snapshot()
	now := s.now().UTC()
	until := now.Add(time.Duration(s.cfg.CooldownSec) * time.Second).Format(time.RFC3339)
	p.Status = model.ProxyStatusCoolingDown
	p.CooldownUntil = &until
	p.UpdatedAt = now.Format(time.RFC3339)

	if err := s.persistLocked(); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// SetCheckResult records a health probe outcome from the checker.
// A passing probe revives even dead proxies.
func (s *ProxyStore) SetCheckResult(proxyID string, alive bool, responseTimeMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockAndReload(); err != nil {
		return err
	}
	defer s.flk.Unlock()

	idx, err := s.indexOfLocked(proxyID)
	if err != nil {
		return err
	}

	snapshot := s.snapshot()
	p := &s.proxies[idx]
	ts := s.now().UTC().Format(time.RFC3339)
	p.LastChecked = &ts
	p.UpdatedAt = ts

	if alive {
		p.Status = model.ProxyStatusAlive
		p.FailCount = 0
		p.CooldownUntil = nil
		p.ResponseTimeMs = &responseTimeMs
	} else {
		p.Status = model.ProxyStatusDead
		p.ResponseTimeMs = nil
	}

	if err := s.persistLocked(); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// Get returns a copy of the proxy by ID.
func (s *ProxyStore) Get(proxyID string) (*model.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.indexOfLocked(proxyID)
	if err != nil {
		return nil, err
	}
	out := s.proxies[idx]
	return &out, nil
}

// List returns a copy of every stored proxy.
func (s *ProxyStore) List() []model.Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Proxy, len(s.proxies))
	copy(out, s.proxies)
	return out
}

// ListUsable returns proxies currently eligible for selection, in
// selection order.
func (s *ProxyStore) ListUsable() []model.Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Expiry mutates, so it runs under the file lock; a lock or persist
	// failure leaves the set consistent and merely stale.
	if err := s.lockAndReload(); err == nil {
		_ = s.expireCooldownsLocked(s.now().UTC())
		s.flk.Unlock()
	}
	idx := s.usableLocked(nil)
	sortByLastUsed(s.proxies, idx)

	out := make([]model.Proxy, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.proxies[i])
	}
	return out
}

// Stats counts proxies per status.
func (s *ProxyStore) Stats() ProxyStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ProxyStats{Total: len(s.proxies)}
	for i := range s.proxies {
		switch s.proxies[i].Status {
		case model.ProxyStatusUntested:
			st.Untested++
		case model.ProxyStatusAlive:
			st.Alive++
		case model.ProxyStatusDead:
			st.Dead++
		case model.ProxyStatusCoolingDown:
			st.CoolingDown++
		}
	}
	return st
}

func (s *ProxyStore) indexOfLocked(proxyID string) (int, error) {
	for i := range s.proxies {
		if s.proxies[i].ID == proxyID {
			return i, nil
		}
	}
	return 0, fmt.Errorf("proxy not found: %s", proxyID)
}

func (s *ProxyStore) snapshot() []model.Proxy {
	snap := make([]model.Proxy, len(s.proxies))
	copy(snap, s.proxies)
	return snap
}

func (s *ProxyStore) restore(snap []model.Proxy) {
	s.proxies = snap
	s.reindex()
}

func (s *ProxyStore) persistLocked() error {
	file := model.ProxyFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      model.FileTypeProxies,
		Proxies:       s.proxies,
	}
	if err := yamlutil.AtomicWrite(s.path, file); err != nil {
		return fmt.Errorf("persist proxy store: %w", err)
	}
	return nil
}
