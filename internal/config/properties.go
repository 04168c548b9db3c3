package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// PropertySource supplies live values for dynamic properties. Lookup must be
// cheap and safe for concurrent use; callers read on every use.
type PropertySource interface {
	Lookup(key string) (string, bool)
}

// MapSource is an in-memory PropertySource.
type MapSource struct {
	mu    sync.RWMutex
	props map[string]string
}

func NewMapSource(initial map[string]string) *MapSource {
	m := &MapSource{props: make(map[string]string, len(initial))}
	for k, v := range initial {
		m.props[k] = v
	}
	return m
}

func (m *MapSource) Lookup(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.props[key]
	return v, ok
}

func (m *MapSource) Set(key, value string) {
	m.mu.Lock()
	m.props[key] = value
	m.mu.Unlock()
}

func (m *MapSource) Delete(key string) {
	m.mu.Lock()
	delete(m.props, key)
	m.mu.Unlock()
}

// blobKeys keep a structured value as a single JSON string instead of being
// flattened into sub keys.
var blobKeys = map[string]bool{
	"errorRateConfig": true,
}

// flattenProperties turns a nested properties tree into dotted keys. Keys are
// visited in sorted order so an explicit dotted key wins over the same path
// spelled as nested maps.
func flattenProperties(tree map[string]any) map[string]string {
	out := make(map[string]string)
	flattenInto(out, "", tree)
	return out
}

func flattenInto(out map[string]string, prefix string, tree map[string]any) {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}
		leaf := full[strings.LastIndex(full, ".")+1:]
		switch v := tree[k].(type) {
		case map[string]any:
			if blobKeys[leaf] {
				out[full] = toJSON(v)
				continue
			}
			flattenInto(out, full, v)
		case []any:
			out[full] = toJSON(v)
		case nil:
			out[full] = ""
		default:
			out[full] = fmt.Sprint(v)
		}
	}
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
