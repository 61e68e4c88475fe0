package update

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/mycoool/goota/internal/sysinfo"
	"github.com/mycoool/goota/internal/types"
)

// checkPath is the management-service update check endpoint, relative
// to the device's provisioned API base URL.
const checkPath = "/tok/provision/update"

// ErrDeprovisioned reports that the management service no longer knows
// or trusts this device; credentials have been released and the device
// must re-register before the next successful check.
var ErrDeprovisioned = errors.New("device deprovisioned by management service")

// deprovision trigger signatures in the server's error text. The server
// offers no structured error kind, so the literal substrings are the
// wire contract; they are matched in exactly one place.
var deprovisionSignatures = []string{
	"Cannot find device",
	"Authentication failed",
}

// Descriptor is the outcome of a successful check: a zero URL means no
// update is available.
type Descriptor struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum"`
	Version  string `json:"version"`
}

// HTTPClient is the http.Client subset the update subsystem needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Deprovisioner releases device credentials. Invoked at most once per
// check cycle.
type Deprovisioner interface {
	Deprovision() error
}

// Checker issues authenticated update checks against the management
// service.
type Checker struct {
	HTTP         HTTPClient
	AgentVersion string
}

// checkRequest is the check body: the device section blended with the
// firmware and agent version fields plus a runtime snapshot.
type checkRequest struct {
	types.DeviceConfig
	Version     string         `json:"version"`
	IotoVersion string         `json:"iotoVersion"`
	Status      sysinfo.Status `json:"status"`
}

// CheckForUpdate posts the device description to the management service
// and interprets the response. A nil Descriptor with nil error means no
// update is available. Auth/removal error signatures deprovision the
// device through dep and surface as ErrDeprovisioned; every other
// failure is transient and retried on the normal schedule.
func (c *Checker) CheckForUpdate(ctx context.Context, baseURL, token, firmwareVersion string, device types.DeviceConfig, timeout time.Duration, dep Deprovisioner) (*Descriptor, error) {
	body := checkRequest{
		DeviceConfig: device,
		Version:      firmwareVersion,
		IotoVersion:  c.AgentVersion,
		Status:       sysinfo.Collect(ctx),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal check request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimRight(baseURL, "/") + checkPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update check request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing check response body: %v", cerr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read check response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.classifyCheckError(resp.StatusCode, string(raw), dep)
	}

	var desc Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("failed to parse check response: %w", err)
	}

	if desc.URL == "" {
		return nil, nil
	}

	if !c.isNewer(firmwareVersion, desc.Version) {
		log.Infof("ignoring offered version %s, not newer than running %s", desc.Version, firmwareVersion)
		return nil, nil
	}

	return &desc, nil
}

// classifyCheckError separates deprovisioning signatures from transient
// failures. The substring match on human-readable server text is
// brittle but is what the server actually provides.
func (c *Checker) classifyCheckError(status int, body string, dep Deprovisioner) error {
	for _, sig := range deprovisionSignatures {
		if strings.Contains(body, sig) {
			if dep != nil {
				if err := dep.Deprovision(); err != nil {
					log.Errorf("failed to release credentials: %v", err)
				}
			}
			return fmt.Errorf("%w: %s", ErrDeprovisioned, sig)
		}
	}
	return fmt.Errorf("update check failed with status %d: %s", status, strings.TrimSpace(body))
}

// isNewer reports whether offered is a strictly newer version than
// running. Versions that do not parse skip the gate so a server using
// opaque version strings still works.
func (c *Checker) isNewer(running, offered string) bool {
	cur, err := goversion.NewVersion(running)
	if err != nil {
		return true
	}
	next, err := goversion.NewVersion(offered)
	if err != nil {
		return true
	}
	return next.GreaterThan(cur)
}
