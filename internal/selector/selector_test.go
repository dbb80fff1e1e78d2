package selector

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmasuda/dropherd/internal/model"
	"github.com/tmasuda/dropherd/internal/store"
)

func newSelector(t *testing.T, entries []string) (*Selector, *store.ProxyStore) {
	t.Helper()
	ps, err := store.NewProxyStore(filepath.Join(t.TempDir(), "proxies.yaml"), model.ProxyConfig{
		FailureThreshold: 3,
		MinReuseDelaySec: 300,
		CooldownSec:      900,
	})
	require.NoError(t, err)
	if len(entries) > 0 {
		_, err = ps.Import(entries)
		require.NoError(t, err)
	}
	return New(ps), ps
}

func TestSelectFor_RotatesAcrossPairs(t *testing.T) {
	sel, _ := newSelector(t, []string{"10.0.0.1:8080", "10.0.0.2:8080"})

	first, err := sel.SelectFor("acct_1700000000_00000001", nil)
	require.NoError(t, err)
	second, err := sel.SelectFor("acct_1700000000_00000002", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestSelectFor_ExclusionExhaustsPool(t *testing.T) {
	sel, _ := newSelector(t, []string{"10.0.0.1:8080"})

	p, err := sel.SelectFor("acct_1700000000_00000001", nil)
	require.NoError(t, err)

	_, err = sel.SelectFor("acct_1700000000_00000001", []string{p.ID})
	assert.ErrorIs(t, err, ErrNoProxyAvailable)
}

func TestSelectFor_EmptyPool(t *testing.T) {
	sel, _ := newSelector(t, nil)
	_, err := sel.SelectFor("acct_1700000000_00000001", nil)
	assert.ErrorIs(t, err, ErrNoProxyAvailable)
}
