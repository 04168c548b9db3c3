package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"dyno-go/internal/config"
	"dyno-go/internal/discovery"

	miniredis "github.com/alicebob/miniredis/v2"
)

func writeConfig(t *testing.T, body string) *config.ConfigManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dyno.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cm, err := config.NewConfigManager(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	t.Cleanup(cm.Close)
	return cm
}

func TestBuildSupplier(t *testing.T) {
	if _, err := buildSupplier(&config.FileConfig{}); err == nil {
		t.Fatalf("expected error without hosts")
	}

	s, err := buildSupplier(&config.FileConfig{Hosts: []config.HostEntry{{Host: "10.0.0.1", Port: 8102}}})
	if err != nil {
		t.Fatalf("static supplier: %v", err)
	}
	if _, ok := s.(*discovery.StaticSupplier); !ok {
		t.Fatalf("expected static supplier, got %T", s)
	}

	topo := filepath.Join(t.TempDir(), "topology.yaml")
	if err := os.WriteFile(topo, []byte("up:\n  - {host: 10.0.0.2, port: 8102, rack: a}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err = buildSupplier(&config.FileConfig{TopologyFile: topo, Hosts: []config.HostEntry{{Host: "10.0.0.1"}}})
	if err != nil {
		t.Fatalf("file supplier: %v", err)
	}
	fs, ok := s.(*discovery.FileSupplier)
	if !ok {
		t.Fatalf("topology file should win over hosts, got %T", s)
	}
	fs.Close()
}

func TestRunTopology(t *testing.T) {
	cfg := &config.FileConfig{Hosts: []config.HostEntry{{Host: "10.0.0.1", Port: 8102, Rack: "a"}}}
	var buf bytes.Buffer
	if err := runTopology(context.Background(), cfg, &buf); err != nil {
		t.Fatalf("runTopology: %v", err)
	}
	var out map[string][]string
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out["up"]) != 1 || len(out["down"]) != 0 {
		t.Fatalf("unexpected topology: %v", out)
	}
}

func TestRunPing(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer mr.Close()

	cm := writeConfig(t, fmt.Sprintf(`pool_name: cli
hosts:
  - host: %s
    port: %s
    rack: a
properties:
  dyno.cli.connection.localDcAffinity: "false"
`, mr.Host(), mr.Port()))

	var buf bytes.Buffer
	if err := runPing(context.Background(), cm, &buf); err != nil {
		t.Fatalf("runPing: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["result"] != "PONG" {
		t.Fatalf("expected PONG, got %v", out["result"])
	}
	if out["host"] != mr.Addr() {
		t.Fatalf("expected host %s, got %v", mr.Addr(), out["host"])
	}
}

func TestRunPingWithoutHosts(t *testing.T) {
	cm := writeConfig(t, "pool_name: cli\n")
	if err := runPing(context.Background(), cm, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error without hosts")
	}
}
