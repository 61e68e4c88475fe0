package update

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/mycoool/goota/internal/database"
	"github.com/mycoool/goota/internal/identity"
	"github.com/mycoool/goota/internal/types"
)

type fakeStore struct {
	mu         sync.Mutex
	lastUpdate *time.Time
	saves      int
	events     []database.UpdateLog
}

func (f *fakeStore) LoadLastUpdate() (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUpdate, nil
}

func (f *fakeStore) SaveLastUpdate(ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdate = &ts
	f.saves++
	return nil
}

func (f *fakeStore) RecordEvent(entry database.UpdateLog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, entry)
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeStore) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, e := range f.events {
		names = append(names, e.Event)
	}
	return names
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeBroadcaster) Broadcast(msgType string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msgType)
}

func (f *fakeBroadcaster) seen(msgType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m == msgType {
			return true
		}
	}
	return false
}

// testManager wires a Manager against an httptest management server.
func testManager(t *testing.T, cfg *types.AppConfig, handler http.Handler) (*Manager, *fakeStore, *fakeBroadcaster) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	id, err := identity.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id.Version = "1.0"
	id.APIBaseURL = srv.URL
	id.APIToken = "tok-test"
	if err := id.Save(); err != nil {
		t.Fatal(err)
	}

	store := &fakeStore{}
	events := &fakeBroadcaster{}
	m := NewManager(func() *types.AppConfig { return cfg }, id, store, events, "0.9.0")
	return m, store, events
}

func baseConfig(t *testing.T) *types.AppConfig {
	return &types.AppConfig{
		Device: types.DeviceConfig{ID: "dev-1", DataDir: t.TempDir()},
		Update: types.UpdateConfig{
			Enable:   true,
			Schedule: "* * * * *",
			Period:   "24h",
			Apply:    "* * * * *", // current minute matches, apply fires immediately
		},
		Timeouts: types.TimeoutConfig{API: "5s", Download: "10s"},
	}
}

func TestCycleNoUpdatePersistsLastUpdateOnce(t *testing.T) {
	cfg := baseConfig(t)
	m, store, events := testManager(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))

	m.runCycle(context.Background())

	if store.saveCount() != 1 {
		t.Fatalf("lastUpdate must be written exactly once, got %d", store.saveCount())
	}
	if !events.seen("update-check") {
		t.Fatal("expected update-check broadcast")
	}
	if got := store.eventNames(); len(got) != 1 || got[0] != "check" {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestCycleTransientErrorStillPersistsLastUpdate(t *testing.T) {
	cfg := baseConfig(t)
	m, store, _ := testManager(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))

	m.runCycle(context.Background())

	if store.saveCount() != 1 {
		t.Fatalf("lastUpdate must be written exactly once on failure too, got %d", store.saveCount())
	}
}

func TestCycleChecksumMismatchBlocksApply(t *testing.T) {
	cfg := baseConfig(t)

	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/tok/provision/update", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Descriptor{
			URL:      serverURL + "/img.bin",
			Checksum: "deadbeef", // wrong on purpose
			Version:  "2.0",
		})
	})
	mux.HandleFunc("/img.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("image contents"))
	})

	m, store, events := testManager(t, cfg, mux)
	base, _ := m.Identity.Credentials()
	serverURL = base

	m.runCycle(context.Background())

	m.mu.Lock()
	pending := m.pendingApply
	m.mu.Unlock()
	if pending != nil {
		t.Fatal("no apply may be scheduled after a checksum mismatch")
	}
	if events.seen("update-available") {
		t.Fatal("mismatching image must not be announced as available")
	}

	names := store.eventNames()
	want := []string{"check", "download", "verify"}
	if len(names) != len(want) {
		t.Fatalf("unexpected events: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected events: %v", names)
		}
	}

	// rejected image is removed per policy, staging file included
	if _, err := os.Stat(filepath.Join(cfg.Device.DataDir, ImageFileName)); !os.IsNotExist(err) {
		t.Fatal("rejected image should be removed")
	}
	if _, err := os.Stat(filepath.Join(cfg.Device.DataDir, ImageFileName+".part")); !os.IsNotExist(err) {
		t.Fatal("rejected staging file should be removed")
	}
}

func TestDownloadStagesBeforeRename(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("held-open rename semantics are POSIX")
	}

	cfg := baseConfig(t)
	cfg.Update.Apply = "0 3 * * *" // far-off apply window, timer stays pending

	payload := []byte("firmware image v2")
	sum := sha256.Sum256(payload)

	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/tok/provision/update", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Descriptor{
			URL:      serverURL + "/img.bin",
			Checksum: hex.EncodeToString(sum[:]),
			Version:  "2.0",
		})
	})
	mux.HandleFunc("/img.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})

	m, _, _ := testManager(t, cfg, mux)
	base, _ := m.Identity.Credentials()
	serverURL = base

	// simulate an apply hook mid-run holding the previous image
	previous := []byte("firmware image v1")
	imagePath := filepath.Join(cfg.Device.DataDir, ImageFileName)
	if err := os.WriteFile(imagePath, previous, 0o644); err != nil {
		t.Fatal(err)
	}
	held, err := os.Open(imagePath)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()

	m.runCycle(context.Background())

	// verified image renamed into place, no staging leftover
	got, err := os.ReadFile(imagePath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("verified image not moved into place")
	}
	if _, err := os.Stat(imagePath + ".part"); !os.IsNotExist(err) {
		t.Fatal("staging file should not survive a successful cycle")
	}

	// the open handle still reads the pre-rename contents; the image was
	// replaced by rename, never rewritten in place
	heldContents, err := io.ReadAll(held)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(heldContents, previous) {
		t.Fatal("image under an open handle was rewritten in place")
	}

	m.mu.Lock()
	if m.pendingApply == nil {
		m.mu.Unlock()
		t.Fatal("verified image should have a pending apply")
	}
	m.applyTimer.Stop()
	m.mu.Unlock()
}

func TestEndToEndSuccessSchedulesAndRunsApply(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("apply hook test uses a shell script")
	}

	cfg := baseConfig(t)

	// apply hook requesting a restart
	hookDir := t.TempDir()
	script := filepath.Join(hookDir, "apply.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho restart\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	hooksFile := filepath.Join(hookDir, "hooks.yaml")
	hooks := fmt.Sprintf("- id: apply-update\n  execute-command: %s\n", script)
	if err := os.WriteFile(hooksFile, []byte(hooks), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Update.HooksFile = hooksFile

	payload := []byte("firmware image v2")
	sum := sha256.Sum256(payload)

	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/tok/provision/update", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Descriptor{
			URL:      serverURL + "/img.bin",
			Checksum: hex.EncodeToString(sum[:]),
			Version:  "2.0",
		})
	})
	mux.HandleFunc("/img.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})

	m, store, events := testManager(t, cfg, mux)
	base, _ := m.Identity.Credentials()
	serverURL = base

	directives := make(chan Directive, 1)
	m.OnDirective = func(d Directive) { directives <- d }

	m.runCycle(context.Background())

	if store.saveCount() != 1 {
		t.Fatalf("lastUpdate must be written exactly once, got %d", store.saveCount())
	}

	// the "* * * * *" apply schedule matches the current minute, so the
	// apply timer fires immediately
	select {
	case d := <-directives:
		if d != DirectiveRestart {
			t.Fatalf("expected restart directive, got %q", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("apply step did not run")
	}

	if !events.seen("update-applying") {
		t.Fatal("expected quiesce signal before apply")
	}
	if !events.seen("update-applied") {
		t.Fatal("expected update-applied broadcast")
	}
	if m.Identity.FirmwareVersion() != "2.0" {
		t.Fatalf("firmware version not recorded, got %q", m.Identity.FirmwareVersion())
	}
	if _, err := os.Stat(filepath.Join(cfg.Device.DataDir, ImageFileName)); !os.IsNotExist(err) {
		t.Fatal("image must be removed after apply")
	}
}

func TestDisabledUpdatesSkipCycle(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Update.Enable = false

	m, store, _ := testManager(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request may be issued while updates are disabled")
	}))

	m.runCycle(context.Background())

	if store.saveCount() != 0 {
		t.Fatalf("disabled cycle must not touch lastUpdate, got %d saves", store.saveCount())
	}
}

func TestUnprovisionedSkipsCycle(t *testing.T) {
	cfg := baseConfig(t)
	m, store, _ := testManager(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request may be issued while unprovisioned")
	}))

	if err := m.Identity.Deprovision(); err != nil {
		t.Fatal(err)
	}

	m.runCycle(context.Background())

	if store.saveCount() != 0 {
		t.Fatalf("unprovisioned cycle must not touch lastUpdate, got %d saves", store.saveCount())
	}
}
