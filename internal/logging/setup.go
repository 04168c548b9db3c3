package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dyno-go/internal/config"

	log "github.com/sirupsen/logrus"
)

var (
	setupMu  sync.Mutex
	logFile  *os.File
	logPath  string
	hookOnce sync.Once
)

var procHook = &processFields{}

// processFields stamps every entry with the pool and service it came from
// unless the caller already set them.
type processFields struct {
	mu     sync.RWMutex
	fields log.Fields
}

func (h *processFields) Levels() []log.Level { return log.AllLevels }

func (h *processFields) Fire(e *log.Entry) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k, v := range h.fields {
		if _, ok := e.Data[k]; !ok {
			e.Data[k] = v
		}
	}
	return nil
}

func (h *processFields) set(f log.Fields) {
	h.mu.Lock()
	h.fields = f
	h.mu.Unlock()
}

// Setup applies the logging section of cfg to the standard logger. It runs
// at startup and again on every config change; the log file is only
// reopened when its path changes. A nil cfg restores stdout JSON at info.
func Setup(cfg *config.FileConfig) error {
	setupMu.Lock()
	defer setupMu.Unlock()
	if cfg == nil {
		cfg = &config.FileConfig{}
	}

	log.SetFormatter(formatterFor(cfg))
	log.SetLevel(levelFor(cfg))

	hookOnce.Do(func() { log.AddHook(procHook) })
	fields := log.Fields{}
	if cfg.PoolName != "" {
		fields["pool"] = cfg.PoolName
	}
	if cfg.Tracing.ServiceName != "" {
		fields["service"] = cfg.Tracing.ServiceName
	}
	procHook.set(fields)

	if cfg.LogFile == logPath && (logFile != nil || logPath == "") {
		if logFile == nil {
			log.SetOutput(os.Stdout)
		}
		return nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile, logPath = nil, ""
	}
	if cfg.LogFile == "" {
		log.SetOutput(os.Stdout)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		log.SetOutput(os.Stdout)
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.SetOutput(os.Stdout)
		return fmt.Errorf("open log file: %w", err)
	}
	logFile, logPath = f, cfg.LogFile
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return nil
}

func formatterFor(cfg *config.FileConfig) log.Formatter {
	if cfg.Debug || strings.EqualFold(cfg.LogFormat, "text") {
		return &log.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano}
	}
	return &log.JSONFormatter{TimestampFormat: time.RFC3339Nano}
}

func levelFor(cfg *config.FileConfig) log.Level {
	if cfg.Debug {
		return log.DebugLevel
	}
	if cfg.LogLevel == "" {
		return log.InfoLevel
	}
	lvl, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("log_level", cfg.LogLevel).Warn("unknown log level, using info")
		return log.InfoLevel
	}
	return lvl
}
