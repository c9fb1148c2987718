// Package e2e drives a full pool (config file, model scan, sim backends) over a
// real HTTP listener.
package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	_ "backendd/internal/backends/sim"
	"backendd/internal/config"
	"backendd/internal/dispatch"
	"backendd/internal/httpapi"
	"backendd/internal/registry"
	"backendd/pkg/types"
)

// createTempModelsDir creates a temporary directory populated with empty model
// files and returns its path.
func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir
}

// newServer loads the YAML config in cfgText, scans modelsDir and serves the
// initialized pool.
func newServer(t *testing.T, modelsDir, cfgText string, maxWait time.Duration) (*httptest.Server, *dispatch.Handler) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "backendd.yaml")
	if err := os.WriteFile(p, []byte(cfgText), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(p)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	models, err := registry.LoadDir(modelsDir)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}
	if err := httpapi.SetUsers(cfg.Users, "user"); err != nil {
		t.Fatalf("set users: %v", err)
	}
	t.Cleanup(func() { _ = httpapi.SetUsers(nil, "") })

	h := dispatch.New(dispatch.Config{Models: models, MaxWait: maxWait, Logger: zerolog.Nop()})
	if err := h.CreateAll(cfg.Backends); err != nil {
		t.Fatalf("create backends: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.InitAll(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(h))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.ShutdownAll(ctx)
	})
	return srv, h
}

func send(t *testing.T, method, url, user string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(httpapi.UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

// status fetches GET /backends as root.
func status(t *testing.T, base string) types.StatusResponse {
	t.Helper()
	resp, body := send(t, http.MethodGet, base+"/backends", "root", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/backends status=%d body=%s", resp.StatusCode, body)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

func backendStatus(t *testing.T, base string, id int) types.BackendStatus {
	t.Helper()
	for _, b := range status(t, base).Backends {
		if b.ID == id {
			return b
		}
	}
	t.Fatalf("backend %d not listed", id)
	return types.BackendStatus{}
}

// lines splits an NDJSON body into decoded objects.
func lines(t *testing.T, body []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad ndjson line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
