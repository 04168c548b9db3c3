package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dyno-go/internal/events"
	"dyno-go/internal/filewatch"

	log "github.com/sirupsen/logrus"
)

// searchPaths are tried in order when no config path is given.
var searchPaths = []string{
	"dyno.yaml",
	"dyno.yml",
	"dyno.json",
	filepath.Join("~", ".dyno", "config.yaml"),
	"/etc/dyno/config.yaml",
}

// ConfigManager owns the process configuration. It is also the
// PropertySource of the process: dynamic properties come from the file's
// properties section, overridden by DYNO_PROP_* environment variables.
// The file is watched and reloaded when it changes on disk.
type ConfigManager struct {
	path string

	mu        sync.RWMutex
	config    *FileConfig
	props     map[string]string
	modTime   time.Time
	onChange  []func(*FileConfig)
	publisher events.Publisher

	watcher *filewatch.Watcher
}

// NewConfigManager loads path, or the first file found on the search path
// when path is empty. A missing file yields the defaults.
func NewConfigManager(path string) (*ConfigManager, error) {
	path, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	cm := &ConfigManager{path: path}

	cfg, mod, err := cm.read()
	switch {
	case err == nil:
		log.WithFields(log.Fields{"path": path, "properties": len(cfg.Properties)}).Info("configuration loaded")
	case os.IsNotExist(err):
		cfg = defaultFileConfig()
		applyEnv(cfg)
		log.WithField("path", path).Warn("no config file found, using defaults")
	default:
		return nil, fmt.Errorf("load config: %w", err)
	}
	cm.install(cfg, mod)

	if path != "" {
		cm.watcher, err = filewatch.Watch(path, cm.reloadIfChanged, filewatch.WithComponent("config"))
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("config hot reload disabled")
		}
	}
	return cm, nil
}

func resolveConfigPath(path string) (string, error) {
	if path == "" {
		for _, candidate := range searchPaths {
			expanded, err := expandHome(candidate)
			if err != nil {
				continue
			}
			if _, err := os.Stat(expanded); err == nil {
				return expanded, nil
			}
		}
		return "", nil
	}
	return expandHome(path)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// read parses the file and applies environment overrides.
func (cm *ConfigManager) read() (*FileConfig, time.Time, error) {
	if cm.path == "" {
		return nil, time.Time{}, os.ErrNotExist
	}
	cfg, mod, err := readConfigFile(cm.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	applyEnv(cfg)
	return cfg, mod, nil
}

func (cm *ConfigManager) install(cfg *FileConfig, mod time.Time) {
	props := flattenProperties(cfg.Properties)
	cm.mu.Lock()
	cm.config = cfg
	cm.props = props
	cm.modTime = mod
	cm.mu.Unlock()
}

// reloadIfChanged runs on file events. Writes made by UpdateProperties are
// recognised by their modification time and skipped.
func (cm *ConfigManager) reloadIfChanged() {
	info, err := os.Stat(cm.path)
	if err != nil {
		return
	}
	cm.mu.RLock()
	seen := cm.modTime
	cm.mu.RUnlock()
	if !info.ModTime().After(seen) {
		return
	}

	cfg, mod, err := cm.read()
	if err != nil {
		log.WithError(err).WithField("path", cm.path).Warn("config reload failed, keeping previous configuration")
		return
	}
	prev := cm.GetConfig()
	prevProps := cm.Properties()
	cm.install(cfg, mod)

	logChanges(prev, cfg, prevProps, cm.Properties())
	cm.emitChange(prev, cm.GetConfig())
}

// Lookup implements PropertySource.
func (cm *ConfigManager) Lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(propertyEnvKey(key)); ok {
		return v, true
	}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	v, ok := cm.props[key]
	return v, ok
}

// Properties returns a copy of the flattened file properties.
func (cm *ConfigManager) Properties() map[string]string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make(map[string]string, len(cm.props))
	for k, v := range cm.props {
		out[k] = v
	}
	return out
}

// Path returns the file backing the manager, empty when running on defaults.
func (cm *ConfigManager) Path() string { return cm.path }

// OnChange registers fn to run after every reload or property update.
func (cm *ConfigManager) OnChange(fn func(*FileConfig)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onChange = append(cm.onChange, fn)
}

// SetEventPublisher wires the hub that receives config.updated events.
func (cm *ConfigManager) SetEventPublisher(p events.Publisher) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.publisher = p
}

// GetConfig returns a copy of the current configuration.
func (cm *ConfigManager) GetConfig() *FileConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cfg := *cm.config
	cfg.Hosts = append([]HostEntry(nil), cm.config.Hosts...)
	cfg.Properties = cloneTree(cm.config.Properties)
	return &cfg
}

// UpdateProperties sets dotted property keys and persists them. An empty
// value removes the key.
func (cm *ConfigManager) UpdateProperties(updates map[string]string) error {
	cm.mu.Lock()
	prev := *cm.config
	tree := cloneTree(cm.config.Properties)
	for key, value := range updates {
		if value == "" {
			deleteProperty(tree, key)
			continue
		}
		setProperty(tree, key, value)
	}

	mod := cm.modTime
	if cm.path != "" {
		var err error
		if mod, err = writeProperties(cm.path, tree); err != nil {
			cm.mu.Unlock()
			return fmt.Errorf("save properties: %w", err)
		}
	}
	next := *cm.config
	next.Properties = tree
	cm.config = &next
	cm.props = flattenProperties(tree)
	cm.modTime = mod
	cm.mu.Unlock()

	for key, value := range updates {
		log.WithFields(log.Fields{"property": key, "new": value}).Info("property updated")
	}
	cm.emitChange(&prev, cm.GetConfig())
	return nil
}

// Close stops watching the file.
func (cm *ConfigManager) Close() {
	if cm.watcher != nil {
		cm.watcher.Close()
	}
}

func (cm *ConfigManager) emitChange(prev, next *FileConfig) {
	cm.mu.RLock()
	callbacks := append(([]func(*FileConfig))(nil), cm.onChange...)
	publisher := cm.publisher
	cm.mu.RUnlock()

	for _, fn := range callbacks {
		fn(next)
	}
	if publisher == nil {
		return
	}
	publisher.Publish(context.Background(), events.TopicConfigUpdated, ConfigChangeEvent{
		Path:      cm.path,
		UpdatedAt: time.Now().UTC(),
		Config:    *next,
		Previous:  prev,
	}, map[string]string{"pool": next.PoolName})
}

// ConfigChangeEvent is the payload of config.updated.
type ConfigChangeEvent struct {
	Path      string      `json:"path"`
	UpdatedAt time.Time   `json:"updated_at"`
	Config    FileConfig  `json:"config"`
	Previous  *FileConfig `json:"previous,omitempty"`
}
