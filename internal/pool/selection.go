package pool

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"dyno-go/internal/config"
	apperrors "dyno-go/internal/errors"
	"dyno-go/internal/host"

	"github.com/cespare/xxhash/v2"
)

// virtual nodes per host on the token ring
const ringReplicas = 64

// Token returns the ring position of a routing key.
func Token(key string) int64 {
	return int64(xxhash.Sum64String(key))
}

type vnode struct {
	token uint64
	key   host.Key
}

// tokenRing maps tokens to hosts. It is built once per topology and rack
// and never mutated.
type tokenRing struct {
	vnodes []vnode
}

func newTokenRing(hosts []host.Host) *tokenRing {
	r := &tokenRing{vnodes: make([]vnode, 0, len(hosts)*ringReplicas)}
	for _, h := range hosts {
		base := h.Addr() + "#"
		for i := 0; i < ringReplicas; i++ {
			r.vnodes = append(r.vnodes, vnode{
				token: xxhash.Sum64String(base + strconv.Itoa(i)),
				key:   h.Key(),
			})
		}
	}
	sort.Slice(r.vnodes, func(i, j int) bool { return r.vnodes[i].token < r.vnodes[j].token })
	return r
}

// owners walks the ring clockwise from token and returns each distinct host
// once, the token owner first.
func (r *tokenRing) owners(token uint64) []host.Key {
	n := len(r.vnodes)
	if n == 0 {
		return nil
	}
	start := sort.Search(n, func(i int) bool { return r.vnodes[i].token >= token })
	seen := make(map[host.Key]struct{})
	out := make([]host.Key, 0, 4)
	for i := 0; i < n; i++ {
		k := r.vnodes[(start+i)%n].key
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// selector picks a host pool for one attempt of an operation.
type selector struct {
	cfg *config.PoolConfiguration
	rr  atomic.Uint64

	ringMu sync.Mutex
	rings  map[string]*tokenRing // by rack scope; reset on topology change
}

func newSelector(cfg *config.PoolConfiguration) *selector {
	return &selector{cfg: cfg, rings: make(map[string]*tokenRing)}
}

func (s *selector) resetRings() {
	s.ringMu.Lock()
	s.rings = make(map[string]*tokenRing)
	s.ringMu.Unlock()
}

func (s *selector) ring(scope string, hosts []host.Host) *tokenRing {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	r, ok := s.rings[scope]
	if !ok {
		r = newTokenRing(hosts)
		s.rings[scope] = r
	}
	return r
}

// candidate is a host pool together with its eligibility.
type candidate struct {
	pool     *HostPool
	eligible bool
}

// pick chooses among pools. active are the hosts of the published tracker
// in sorted order; pools maps them to their host pools. exclude holds hosts
// that already failed this operation; they are skipped only while another
// eligible host exists.
func (s *selector) pick(key string, active []host.Host, pools map[host.Key]*HostPool, exclude map[host.Key]bool) (*HostPool, error) {
	scope, scoped := s.scope(active, pools)

	cands := make([]candidate, 0, len(scoped))
	eligible := 0
	for _, h := range scoped {
		p := pools[h.Key()]
		ok := p != nil && p.IsActive() && p.Healthy()
		if ok {
			eligible++
		}
		cands = append(cands, candidate{pool: p, eligible: ok})
	}

	strategy := s.cfg.LoadBalancingStrategy()
	if strategy == config.TokenAware && key != "" {
		return s.pickToken(key, scope, scoped, pools, exclude)
	}
	if eligible == 0 {
		return nil, apperrors.NewNoAvailableHosts("no eligible host in "+scopeName(scope), nil)
	}

	preferred := make([]*HostPool, 0, eligible)
	fallback := make([]*HostPool, 0, eligible)
	for _, c := range cands {
		if !c.eligible {
			continue
		}
		if exclude[c.pool.Host().Key()] {
			fallback = append(fallback, c.pool)
		} else {
			preferred = append(preferred, c.pool)
		}
	}
	if len(preferred) == 0 {
		preferred = fallback
	}

	if strategy == config.LeastOutstanding {
		return s.leastOutstanding(preferred), nil
	}
	idx := s.rr.Add(1) - 1
	return preferred[idx%uint64(len(preferred))], nil
}

// scope applies local rack affinity: when enabled and at least one local
// host has an eligible pool, only local hosts are considered.
func (s *selector) scope(active []host.Host, pools map[host.Key]*HostPool) (string, []host.Host) {
	if !s.cfg.LocalDCAffinity() {
		return "", active
	}
	rack := s.cfg.LocalRack()
	if rack == "" {
		return "", active
	}
	local := make([]host.Host, 0, len(active))
	usable := false
	for _, h := range active {
		if h.Rack() != rack {
			continue
		}
		local = append(local, h)
		if p := pools[h.Key()]; p != nil && p.IsActive() && p.Healthy() {
			usable = true
		}
	}
	if !usable {
		return "", active
	}
	return rack, local
}

func scopeName(scope string) string {
	if scope == "" {
		return "active set"
	}
	return "rack " + scope
}

// pickToken routes key to its token owner. When the owner already failed
// this operation the ring is walked to the next eligible replica; when it is
// merely ineligible the call fails with the token attached.
func (s *selector) pickToken(key, scope string, hosts []host.Host, pools map[host.Key]*HostPool, exclude map[host.Key]bool) (*HostPool, error) {
	token := Token(key)
	owners := s.ring(scope, hosts).owners(uint64(token))
	for i, k := range owners {
		p := pools[k]
		usable := p != nil && p.IsActive() && p.Healthy()
		if usable && !exclude[k] {
			return p, nil
		}
		if i == 0 && len(exclude) == 0 {
			break
		}
	}
	return nil, apperrors.NewNoAvailableHosts("token owner unavailable in "+scopeName(scope), &token)
}

func (s *selector) leastOutstanding(pools []*HostPool) *HostPool {
	offset := int(s.rr.Add(1)-1) % len(pools)
	best := pools[offset]
	bestN := best.Outstanding()
	for i := 1; i < len(pools); i++ {
		p := pools[(offset+i)%len(pools)]
		if n := p.Outstanding(); n < bestN {
			best, bestN = p, n
		}
	}
	return best
}
