package pool

import (
	"context"
	"strconv"
	"testing"

	"dyno-go/internal/config"
	"dyno-go/internal/connection"
	apperrors "dyno-go/internal/errors"
	"dyno-go/internal/host"
	"dyno-go/internal/monitoring"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ringHosts(n int) []host.Host {
	out := make([]host.Host, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, host.NewWithPortStatus("10.0.0."+strconv.Itoa(i+1), 8102, host.StatusUp).WithRack("rack-a"))
	}
	return out
}

// offlinePools builds host pools that never dial; selection only looks at
// their state.
func offlinePools(t *testing.T, cfg *config.PoolConfiguration, hosts []host.Host) map[host.Key]*HostPool {
	t.Helper()
	collector := monitoring.NewCollector(testPool, nil)
	out := make(map[host.Key]*HostPool, len(hosts))
	for _, h := range hosts {
		hp := newHostPool(h, cfg, connection.NewRedisFactory(cfg), collector, nil)
		t.Cleanup(func() { hp.Shutdown() })
		out[h.Key()] = hp
	}
	return out
}

func TestTokenRingOwnersAreDistinctAndStable(t *testing.T) {
	t.Parallel()
	hosts := ringHosts(4)
	r := newTokenRing(hosts)
	require.Len(t, r.vnodes, 4*ringReplicas)

	owners := r.owners(uint64(Token("user:1")))
	require.Len(t, owners, 4)
	seen := map[host.Key]bool{}
	for _, k := range owners {
		assert.False(t, seen[k])
		seen[k] = true
	}

	// same input, same ring
	again := newTokenRing([]host.Host{hosts[3], hosts[1], hosts[0], hosts[2]})
	assert.Equal(t, owners, again.owners(uint64(Token("user:1"))))
}

func TestTokenRingSpreadsKeys(t *testing.T) {
	t.Parallel()
	r := newTokenRing(ringHosts(3))
	counts := map[host.Key]int{}
	for i := 0; i < 3000; i++ {
		counts[r.owners(uint64(Token("key:"+strconv.Itoa(i))))[0]]++
	}
	require.Len(t, counts, 3)
	for _, n := range counts {
		assert.Greater(t, n, 500)
	}
}

func TestTokenRingEmpty(t *testing.T) {
	t.Parallel()
	assert.Nil(t, newTokenRing(nil).owners(42))
}

func TestSelectorRoundRobinSkipsExcludedHosts(t *testing.T) {
	cfg, _ := testConfig(nil)
	hosts := ringHosts(3)
	pools := offlinePools(t, cfg, hosts)
	s := newSelector(cfg)

	exclude := map[host.Key]bool{hosts[0].Key(): true, hosts[1].Key(): true}
	for i := 0; i < 5; i++ {
		hp, err := s.pick("", hosts, pools, exclude)
		require.NoError(t, err)
		assert.True(t, hp.Host().Equal(hosts[2]))
	}

	// every host excluded: excluded hosts are reused rather than failing
	exclude[hosts[2].Key()] = true
	_, err := s.pick("", hosts, pools, exclude)
	require.NoError(t, err)
}

func TestSelectorSkipsOfflinePools(t *testing.T) {
	cfg, _ := testConfig(nil)
	hosts := ringHosts(2)
	pools := offlinePools(t, cfg, hosts)
	s := newSelector(cfg)

	pools[hosts[0].Key()].Shutdown()
	for i := 0; i < 4; i++ {
		hp, err := s.pick("", hosts, pools, nil)
		require.NoError(t, err)
		assert.True(t, hp.Host().Equal(hosts[1]))
	}

	pools[hosts[1].Key()].Shutdown()
	_, err := s.pick("", hosts, pools, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNoAvailableHosts, apperrors.KindOf(err))
}

func TestSelectorLeastOutstanding(t *testing.T) {
	cfg, _ := testConfig(map[string]string{poolProp(config.KeyLBStrategy): "LeastOutstanding"})
	hosts := ringHosts(3)
	pools := offlinePools(t, cfg, hosts)
	s := newSelector(cfg)

	// borrowing creates connections lazily, no dial happens
	busy := pools[hosts[0].Key()]
	for i := 0; i < 2; i++ {
		conn, err := busy.Borrow(context.Background())
		require.NoError(t, err)
		defer busy.Return(conn)
	}
	other := pools[hosts[1].Key()]
	conn, err := other.Borrow(context.Background())
	require.NoError(t, err)
	defer other.Return(conn)

	for i := 0; i < 3; i++ {
		hp, err := s.pick("", hosts, pools, nil)
		require.NoError(t, err)
		assert.True(t, hp.Host().Equal(hosts[2]))
	}
}

func TestSelectorTokenAwareWithoutKeyUsesRoundRobin(t *testing.T) {
	cfg, _ := testConfig(map[string]string{poolProp(config.KeyLBStrategy): "TokenAware"})
	hosts := ringHosts(2)
	pools := offlinePools(t, cfg, hosts)
	s := newSelector(cfg)

	hits := map[host.Key]int{}
	for i := 0; i < 4; i++ {
		hp, err := s.pick("", hosts, pools, nil)
		require.NoError(t, err)
		hits[hp.Host().Key()]++
	}
	assert.Equal(t, 2, hits[hosts[0].Key()])
	assert.Equal(t, 2, hits[hosts[1].Key()])
}

func TestSelectorTokenAwareOwnerOffline(t *testing.T) {
	cfg, _ := testConfig(map[string]string{poolProp(config.KeyLBStrategy): "TokenAware"})
	hosts := ringHosts(3)
	pools := offlinePools(t, cfg, hosts)
	s := newSelector(cfg)

	owner, err := s.pick("order:7", hosts, pools, nil)
	require.NoError(t, err)
	owner.Shutdown()

	_, err = s.pick("order:7", hosts, pools, nil)
	require.Error(t, err)
	derr, ok := err.(*apperrors.DynoError)
	require.True(t, ok)
	require.NotNil(t, derr.Token)
	assert.Equal(t, Token("order:7"), *derr.Token)

	// once the owner failed this operation the next replica serves
	next, err := s.pick("order:7", hosts, pools, map[host.Key]bool{owner.Host().Key(): true})
	require.NoError(t, err)
	assert.False(t, next.Host().Equal(owner.Host()))
}

func TestSelectorRackScope(t *testing.T) {
	cfg, _ := testConfig(map[string]string{
		prop(config.KeyLocalDCAffinity): "true",
		prop(config.KeyLocalRack):       "rack-b",
	})
	hosts := ringHosts(3)
	hosts[2] = hosts[2].WithRack("rack-b")
	pools := offlinePools(t, cfg, hosts)
	s := newSelector(cfg)

	scope, scoped := s.scope(hosts, pools)
	assert.Equal(t, "rack-b", scope)
	require.Len(t, scoped, 1)

	pools[hosts[2].Key()].Shutdown()
	scope, scoped = s.scope(hosts, pools)
	assert.Empty(t, scope)
	assert.Len(t, scoped, 3)
}
