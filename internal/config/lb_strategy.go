package config

import (
	"fmt"
	"strings"
)

// LoadBalancingStrategy selects how a host is picked for an operation.
type LoadBalancingStrategy int

const (
	RoundRobin LoadBalancingStrategy = iota
	TokenAware
	LeastOutstanding
)

var lbStrategyNames = map[LoadBalancingStrategy]string{
	RoundRobin:       "RoundRobin",
	TokenAware:       "TokenAware",
	LeastOutstanding: "LeastOutstanding",
}

func (s LoadBalancingStrategy) String() string {
	if name, ok := lbStrategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("LoadBalancingStrategy(%d)", int(s))
}

// ParseLoadBalancingStrategy matches the enum name case-insensitively.
func ParseLoadBalancingStrategy(s string) (LoadBalancingStrategy, error) {
	s = strings.TrimSpace(s)
	for strategy, name := range lbStrategyNames {
		if strings.EqualFold(name, s) {
			return strategy, nil
		}
	}
	return RoundRobin, fmt.Errorf("unknown load balancing strategy %q", s)
}
