package host

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotMutuallyExclusive is returned when a host is reported both up and down.
var ErrNotMutuallyExclusive = errors.New("host up and down sets are not mutually exclusive")

type hostSet map[Key]Host

func newHostSet(hosts []Host) hostSet {
	set := make(hostSet, len(hosts))
	for _, h := range hosts {
		set[h.Key()] = h
	}
	return set
}

func (s hostSet) contains(h Host) bool {
	_, ok := s[h.Key()]
	return ok
}

func (s hostSet) sameKeys(o hostSet) bool {
	if len(s) != len(o) {
		return false
	}
	for k := range s {
		if _, ok := o[k]; !ok {
			return false
		}
	}
	return true
}

func (s hostSet) sorted() []Host {
	out := make([]Host, 0, len(s))
	for _, h := range s {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].addr != out[j].addr {
			return out[i].addr < out[j].addr
		}
		return out[i].rack < out[j].rack
	})
	return out
}

// StatusTracker is an immutable snapshot partitioning every host seen so far
// into an active and an inactive set. Reconciliation never modifies a tracker:
// ComputeNewHostStatus returns a new one, and the caller swaps its reference.
//
// Host status is derived from set membership. Hosts stored in the tracker
// carry the status matching the set they belong to.
type StatusTracker struct {
	active   hostSet
	inactive hostSet
}

// EmptyStatusTracker returns a tracker that has not seen any host yet.
func EmptyStatusTracker() *StatusTracker {
	return &StatusTracker{active: hostSet{}, inactive: hostSet{}}
}

// NewStatusTracker builds a tracker from disjoint active and inactive lists.
func NewStatusTracker(active, inactive []Host) (*StatusTracker, error) {
	if err := verifyMutuallyExclusive(active, inactive); err != nil {
		return nil, err
	}
	t := &StatusTracker{active: make(hostSet, len(active)), inactive: make(hostSet, len(inactive))}
	for _, h := range active {
		t.active[h.Key()] = h.WithStatus(StatusUp)
	}
	for _, h := range inactive {
		t.inactive[h.Key()] = h.WithStatus(StatusDown)
	}
	return t, nil
}

func verifyMutuallyExclusive(up, down []Host) error {
	left := newHostSet(up)
	var overlap []string
	for _, h := range down {
		if left.contains(h) {
			overlap = append(overlap, h.Hostname())
		}
	}
	if len(overlap) > 0 {
		return fmt.Errorf("%w: %s", ErrNotMutuallyExclusive, strings.Join(overlap, ","))
	}
	return nil
}

// ActiveSetChanged reports whether up differs from the current active set.
// Order and duplicates are ignored.
func (t *StatusTracker) ActiveSetChanged(up []Host) bool {
	next := newHostSet(up)
	if len(next) != len(t.active) {
		return true
	}
	for k := range next {
		if _, ok := t.active[k]; !ok {
			return true
		}
	}
	return false
}

// InactiveSetChanged reports whether an active host has gone away, either
// because it is now listed in down or because it vanished from up without
// being reported at all.
func (t *StatusTracker) InactiveSetChanged(up, down []Host) bool {
	for _, h := range down {
		if t.active.contains(h) {
			return true
		}
	}
	upSet := newHostSet(up)
	for k := range t.active {
		if _, ok := upSet[k]; !ok {
			return true
		}
	}
	return false
}

// CheckIfChanged is a cheap pre-filter deciding whether ComputeNewHostStatus
// needs to run.
func (t *StatusTracker) CheckIfChanged(up, down []Host) bool {
	if len(newHostSet(up)) != len(t.active) || len(newHostSet(down)) != len(t.inactive) {
		return true
	}
	return t.ActiveSetChanged(up) || t.InactiveSetChanged(up, down)
}

// ComputeNewHostStatus reconciles the reported up and down lists against the
// current snapshot and returns the next snapshot. A host that was active and
// is missing from up is moved to the inactive set even if down does not
// mention it, so no host is ever forgotten.
func (t *StatusTracker) ComputeNewHostStatus(up, down []Host) (*StatusTracker, error) {
	if err := verifyMutuallyExclusive(up, down); err != nil {
		return nil, err
	}

	nextActive := make(hostSet, len(up))
	for _, h := range up {
		nextActive[h.Key()] = h.WithStatus(StatusUp)
	}

	nextInactive := make(hostSet, len(t.inactive)+len(down))
	for k, h := range t.inactive {
		nextInactive[k] = h
	}
	for _, h := range down {
		nextInactive[h.Key()] = h.WithStatus(StatusDown)
	}
	for k := range nextActive {
		delete(nextInactive, k)
	}

	for k, h := range t.active {
		if _, ok := nextActive[k]; ok {
			continue
		}
		if _, ok := nextInactive[k]; !ok {
			nextInactive[k] = h.WithStatus(StatusDown)
		}
	}

	return &StatusTracker{active: nextActive, inactive: nextInactive}, nil
}

// SameMembership reports whether t and other hold the same hosts in the same
// sets. CheckIfChanged can report a change that reconciliation then undoes,
// for example once a host has silently left the up list it stays inactive
// while later down lists never mention it.
func (t *StatusTracker) SameMembership(other *StatusTracker) bool {
	return t.active.sameKeys(other.active) && t.inactive.sameKeys(other.inactive)
}

// IsHostUp reports whether h is in the active set.
func (t *StatusTracker) IsHostUp(h Host) bool {
	return t.active.contains(h)
}

// Status returns the status derived from set membership. The second result is
// false for a host the tracker has never seen.
func (t *StatusTracker) Status(h Host) (Status, bool) {
	if t.active.contains(h) {
		return StatusUp, true
	}
	if t.inactive.contains(h) {
		return StatusDown, true
	}
	return StatusDown, false
}

// Lookup returns the tracked value of h, carrying its current status.
func (t *StatusTracker) Lookup(h Host) (Host, bool) {
	if v, ok := t.active[h.Key()]; ok {
		return v, true
	}
	v, ok := t.inactive[h.Key()]
	return v, ok
}

// ActiveHosts returns the active set ordered by address.
func (t *StatusTracker) ActiveHosts() []Host { return t.active.sorted() }

// InactiveHosts returns the inactive set ordered by address.
func (t *StatusTracker) InactiveHosts() []Host { return t.inactive.sorted() }

func (t *StatusTracker) ActiveCount() int   { return len(t.active) }
func (t *StatusTracker) InactiveCount() int { return len(t.inactive) }

func (t *StatusTracker) String() string {
	return fmt.Sprintf("StatusTracker{active: %s, inactive: %s}", names(t.ActiveHosts()), names(t.InactiveHosts()))
}

func names(hosts []Host) string {
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.Hostname()
	}
	return "[" + strings.Join(out, " ") + "]"
}
