package update

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mycoool/goota/internal/types"
)

type fakeDeprovisioner struct {
	calls int
}

func (f *fakeDeprovisioner) Deprovision() error {
	f.calls++
	return nil
}

func testChecker() *Checker {
	return &Checker{HTTP: http.DefaultClient, AgentVersion: "0.9.0"}
}

func checkAgainst(t *testing.T, handler http.HandlerFunc, firmware string, dep Deprovisioner) (*Descriptor, error) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return testChecker().CheckForUpdate(context.Background(), srv.URL, "tok-123", firmware,
		types.DeviceConfig{ID: "dev-1", Name: "bench"}, 5*time.Second, dep)
}

func TestCheckNoUpdate(t *testing.T) {
	desc, err := checkAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tok/provision/update" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "bearer tok-123" {
			t.Errorf("unexpected authorization header %q", got)
		}

		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("request body not JSON: %v", err)
		}
		if body["version"] != "1.0" {
			t.Errorf("firmware version missing from body: %v", body["version"])
		}
		if body["iotoVersion"] != "0.9.0" {
			t.Errorf("agent version missing from body: %v", body["iotoVersion"])
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}, "1.0", nil)

	if err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}
	if desc != nil {
		t.Fatalf("expected no update, got %+v", desc)
	}
}

func TestCheckUpdateAvailable(t *testing.T) {
	desc, err := checkAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"https://x/img.bin","checksum":"abc123","version":"2.0"}`))
	}, "1.0", nil)

	if err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}
	if desc == nil {
		t.Fatal("expected update descriptor")
	}
	if desc.URL != "https://x/img.bin" || desc.Checksum != "abc123" || desc.Version != "2.0" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
}

func TestCheckVersionGateSkipsNonNewer(t *testing.T) {
	desc, err := checkAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":"https://x/img.bin","checksum":"abc123","version":"1.0"}`))
	}, "2.0", nil)

	if err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}
	if desc != nil {
		t.Fatalf("expected version gate to reject 1.0 for running 2.0, got %+v", desc)
	}
}

func TestCheckUnparsableVersionSkipsGate(t *testing.T) {
	desc, err := checkAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":"https://x/img.bin","checksum":"abc123","version":"build-20260824"}`))
	}, "2.0", nil)

	if err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}
	if desc == nil {
		t.Fatal("opaque version strings must not be filtered")
	}
}

func TestCheckDeprovisionTrigger(t *testing.T) {
	dep := &fakeDeprovisioner{}
	_, err := checkAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("Authentication failed"))
	}, "1.0", dep)

	if !errors.Is(err, ErrDeprovisioned) {
		t.Fatalf("expected ErrDeprovisioned, got %v", err)
	}
	if dep.calls != 1 {
		t.Fatalf("expected exactly one deprovision call, got %d", dep.calls)
	}
}

func TestCheckDeviceRemovedTrigger(t *testing.T) {
	dep := &fakeDeprovisioner{}
	_, err := checkAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("Cannot find device dev-1"))
	}, "1.0", dep)

	if !errors.Is(err, ErrDeprovisioned) {
		t.Fatalf("expected ErrDeprovisioned, got %v", err)
	}
	if dep.calls != 1 {
		t.Fatalf("expected exactly one deprovision call, got %d", dep.calls)
	}
}

func TestCheckTransientErrorDoesNotDeprovision(t *testing.T) {
	dep := &fakeDeprovisioner{}
	_, err := checkAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("temporary backend trouble"))
	}, "1.0", dep)

	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	if errors.Is(err, ErrDeprovisioned) {
		t.Fatalf("transient failure misclassified as deprovision: %v", err)
	}
	if dep.calls != 0 {
		t.Fatalf("deprovision must not run on transient failures, got %d calls", dep.calls)
	}
}
