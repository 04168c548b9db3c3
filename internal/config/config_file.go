package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dyno-go/internal/constants"

	"gopkg.in/yaml.v3"
)

// fileCodec reads and writes one on-disk format. Files without a known
// extension are treated as YAML.
type fileCodec struct {
	name      string
	unmarshal func([]byte, any) error
	marshal   func(any) ([]byte, error)
}

var (
	yamlCodec = fileCodec{name: "yaml", unmarshal: yaml.Unmarshal, marshal: yaml.Marshal}
	jsonCodec = fileCodec{
		name:      "json",
		unmarshal: json.Unmarshal,
		marshal:   func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") },
	}
)

func codecFor(path string) fileCodec {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return jsonCodec
	}
	return yamlCodec
}

func defaultFileConfig() *FileConfig {
	return &FileConfig{
		LogFormat:      "json",
		AdminAddr:      constants.DefaultAdminAddr,
		PoolName:       "default",
		PropertyPrefix: constants.DefaultPropertyPrefix,
		Tracing: TracingConfig{
			SampleRatio: 1.0,
			ServiceName: "dyno-go",
		},
		Properties: map[string]any{},
	}
}

// readConfigFile overlays path on the defaults and reports the file's
// modification time.
func readConfigFile(path string) (*FileConfig, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	cfg := defaultFileConfig()
	codec := codecFor(path)
	if err := codec.unmarshal(data, cfg); err != nil {
		return nil, time.Time{}, fmt.Errorf("parse %s config %s: %w", codec.name, path, err)
	}
	if cfg.Properties == nil {
		cfg.Properties = map[string]any{}
	}
	return cfg, info.ModTime(), nil
}

// writeProperties replaces the properties section of path and leaves every
// other key as the operator wrote it. The file is replaced by rename so
// watchers never observe a partial write.
func writeProperties(path string, props map[string]any) (time.Time, error) {
	codec := codecFor(path)
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := codec.unmarshal(data, &doc); err != nil {
			return time.Time{}, fmt.Errorf("parse %s config %s: %w", codec.name, path, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	case !os.IsNotExist(err):
		return time.Time{}, err
	}
	doc["properties"] = props

	out, err := codec.marshal(doc)
	if err != nil {
		return time.Time{}, fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return time.Time{}, fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return time.Time{}, fmt.Errorf("stage config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return time.Time{}, fmt.Errorf("stage config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return time.Time{}, fmt.Errorf("stage config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return time.Time{}, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return time.Time{}, fmt.Errorf("replace config: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// setProperty stores a dotted key at the top level of tree, where it wins
// over any nested spelling of the same key.
func setProperty(tree map[string]any, key, value string) {
	tree[key] = value
}

// deleteProperty removes key in both its dotted and nested spellings,
// pruning maps left empty.
func deleteProperty(tree map[string]any, key string) {
	delete(tree, key)
	deleteNested(tree, strings.Split(key, "."))
}

func deleteNested(tree map[string]any, path []string) bool {
	if len(path) == 1 {
		delete(tree, path[0])
		return len(tree) == 0
	}
	child, ok := tree[path[0]].(map[string]any)
	if !ok {
		return false
	}
	if deleteNested(child, path[1:]) {
		delete(tree, path[0])
	}
	return len(tree) == 0
}

// cloneTree copies nested property maps so edits never reach a published
// FileConfig.
func cloneTree(tree map[string]any) map[string]any {
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		if m, ok := v.(map[string]any); ok {
			v = cloneTree(m)
		}
		out[k] = v
	}
	return out
}
