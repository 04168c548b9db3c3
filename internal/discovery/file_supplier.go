package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dyno-go/internal/config"
	"dyno-go/internal/filewatch"
	"dyno-go/internal/host"
	"dyno-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// TopologyFile is the on-disk layout read by FileSupplier:
//
//	up:
//	  - {host: 10.0.0.1, port: 8102, rack: us-east-1a}
//	down:
//	  - {host: 10.0.0.9, port: 8102, rack: us-east-1c}
type TopologyFile struct {
	Up   []config.HostEntry `yaml:"up" json:"up"`
	Down []config.HostEntry `yaml:"down" json:"down"`
}

// FileSupplier serves the hosts listed in a YAML topology file. The file is
// re-read when it changes; a file that fails to parse leaves the last good
// snapshot in place.
type FileSupplier struct {
	path string

	mu       sync.RWMutex
	up       []host.Host
	down     []host.Host
	loadedAt time.Time
	lastErr  error
	modTime  time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewFileSupplier reads path once; the initial read must succeed.
func NewFileSupplier(path string) (*FileSupplier, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	s := &FileSupplier{path: abs, stopCh: make(chan struct{})}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSupplier) String() string { return "file" }

func (s *FileSupplier) Path() string { return s.path }

// Hosts returns the last good snapshot. If the file changed since the last
// read it is reloaded first, so callers see edits even without Watch.
func (s *FileSupplier) Hosts(context.Context) ([]host.Host, []host.Host, error) {
	if info, err := os.Stat(s.path); err == nil {
		s.mu.RLock()
		stale := info.ModTime().After(s.modTime)
		s.mu.RUnlock()
		if stale {
			_ = s.Reload()
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]host.Host(nil), s.up...), append([]host.Host(nil), s.down...), nil
}

// LastError is the error of the most recent reload, or nil.
func (s *FileSupplier) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// LoadedAt is when the current snapshot was read.
func (s *FileSupplier) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// Reload re-reads the topology file.
func (s *FileSupplier) Reload() error {
	info, statErr := os.Stat(s.path)
	up, down, err := readTopologyFile(s.path)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		if statErr == nil {
			s.modTime = info.ModTime()
		}
		s.mu.Unlock()
		monitoring.DiscoveryRefreshTotal.WithLabelValues(s.String(), "error").Inc()
		log.WithError(err).WithFields(log.Fields{
			"component": "discovery",
			"path":      s.path,
		}).Warn("topology file reload failed, keeping last snapshot")
		return err
	}

	s.mu.Lock()
	s.up, s.down = up, down
	s.loadedAt = time.Now()
	s.lastErr = nil
	if statErr == nil {
		s.modTime = info.ModTime()
	}
	s.mu.Unlock()

	monitoring.DiscoveryRefreshTotal.WithLabelValues(s.String(), "success").Inc()
	monitoring.DiscoveryHosts.WithLabelValues(s.String(), "up").Set(float64(len(up)))
	monitoring.DiscoveryHosts.WithLabelValues(s.String(), "down").Set(float64(len(down)))
	log.WithFields(log.Fields{
		"component": "discovery",
		"path":      s.path,
		"up":        len(up),
		"down":      len(down),
	}).Debug("topology file loaded")
	return nil
}

func readTopologyFile(path string) ([]host.Host, []host.Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read topology file: %w", err)
	}
	var tf TopologyFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, nil, fmt.Errorf("parse topology file: %w", err)
	}
	up, err := HostsFromEntries(tf.Up, host.StatusUp)
	if err != nil {
		return nil, nil, fmt.Errorf("topology up list: %w", err)
	}
	down, err := HostsFromEntries(tf.Down, host.StatusDown)
	if err != nil {
		return nil, nil, fmt.Errorf("topology down list: %w", err)
	}
	return up, down, nil
}

// Watch reloads the file on change and calls onChange after every
// successful reload, until ctx is done or the supplier is closed.
func (s *FileSupplier) Watch(ctx context.Context, onChange func()) error {
	w, err := filewatch.Watch(s.path, func() {
		if s.Reload() == nil && onChange != nil {
			onChange()
		}
	}, filewatch.WithComponent("discovery"))
	if err != nil {
		return fmt.Errorf("watch topology file: %w", err)
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		}
		w.Close()
	}()
	return nil
}

// Close stops any running watcher.
func (s *FileSupplier) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
