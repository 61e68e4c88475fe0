package update

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mycoool/goota/internal/database"
	"github.com/mycoool/goota/internal/hook"
	"github.com/mycoool/goota/internal/identity"
	"github.com/mycoool/goota/internal/schedule"
	"github.com/mycoool/goota/internal/types"
)

// StateStore persists the lastUpdate timestamp and the cycle history.
type StateStore interface {
	LoadLastUpdate() (*time.Time, error)
	SaveLastUpdate(time.Time) error
	RecordEvent(database.UpdateLog)
}

// Broadcaster fans cycle events out to interested observers.
type Broadcaster interface {
	Broadcast(msgType string, data interface{})
}

// Manager drives the update check cycle: exactly one cycle in flight,
// the next timer armed only after the current cycle fully resolves, and
// lastUpdate persisted exactly once per cycle regardless of outcome.
type Manager struct {
	Config       func() *types.AppConfig
	Identity     *identity.Identity
	State        StateStore
	Events       Broadcaster
	AgentVersion string

	// OnDirective receives Exit/Restart requests from the apply step.
	OnDirective func(Directive)

	checker *Checker

	checkNow chan struct{}
	rearm    chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu           sync.Mutex
	nextCheckAt  time.Time
	pendingApply *pendingApply
	applyTimer   *time.Timer
}

// pendingApply is a verified image waiting for its apply window.
type pendingApply struct {
	Path    string
	Version string
	At      time.Time
}

// NewManager wires the update loop together.
func NewManager(cfg func() *types.AppConfig, id *identity.Identity, state StateStore, events Broadcaster, agentVersion string) *Manager {
	return &Manager{
		Config:       cfg,
		Identity:     id,
		State:        state,
		Events:       events,
		AgentVersion: agentVersion,
		checker: &Checker{
			HTTP:         http.DefaultClient,
			AgentVersion: agentVersion,
		},
		checkNow: make(chan struct{}, 1),
		rearm:    make(chan struct{}, 1),
	}
}

// Start launches the update loop.
func (m *Manager) Start(ctx context.Context) {
	if m.cancel != nil {
		log.Error("update manager already started")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(ctx)
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	if m.applyTimer != nil {
		m.applyTimer.Stop()
		m.applyTimer = nil
	}
	m.mu.Unlock()
}

// TriggerCheck requests an immediate check cycle (local API). A no-op
// when a trigger is already queued.
func (m *Manager) TriggerCheck() {
	select {
	case m.checkNow <- struct{}{}:
	default:
	}
}

// Rearm recomputes the next check delay without running a cycle, used
// after a config reload.
func (m *Manager) Rearm() {
	select {
	case m.rearm <- struct{}{}:
	default:
	}
}

// Status reports the loop state for the local API.
func (m *Manager) Status() types.UpdateStatusResponse {
	cfg := m.Config()

	resp := types.UpdateStatusResponse{
		Enabled:      cfg.Update.Enable,
		Provisioned:  m.Identity.Provisioned(),
		Version:      m.Identity.FirmwareVersion(),
		AgentVersion: m.AgentVersion,
	}

	if last, err := m.State.LoadLastUpdate(); err == nil && last != nil {
		resp.LastUpdate = last.Format(time.RFC3339)
	}

	m.mu.Lock()
	if !m.nextCheckAt.IsZero() {
		resp.NextCheck = m.nextCheckAt.Format(time.RFC3339)
	}
	if m.pendingApply != nil {
		resp.PendingApply = m.pendingApply.At.Format(time.RFC3339)
	}
	m.mu.Unlock()

	return resp
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	afterCycle := false
	for {
		delay := m.nextDelay(afterCycle)

		m.mu.Lock()
		m.nextCheckAt = time.Now().Add(delay)
		m.mu.Unlock()

		log.Debugf("next update check in %v", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.rearm:
			// config reload, recompute from persisted state
			timer.Stop()
			afterCycle = false
			continue
		case <-timer.C:
		case <-m.checkNow:
			timer.Stop()
		}

		afterCycle = m.runCycle(ctx)
	}
}

// nextDelay asks the schedule clock for the wait before the next check,
// reading config and lastUpdate fresh so reloads take effect. Right
// after a completed cycle the delay is cron-aligned at least one period
// out; otherwise it is derived from the persisted lastUpdate.
func (m *Manager) nextDelay(afterCycle bool) time.Duration {
	cfg := m.Config()
	clock := m.newClock(cfg)

	if afterCycle && cfg.Update.Enable {
		return clock.NextDelayAfterCycle(time.Now())
	}

	lastUpdate, err := m.State.LoadLastUpdate()
	if err != nil {
		log.Errorf("failed to load lastUpdate: %v", err)
	}

	return clock.NextCheckDelay(time.Now(), lastUpdate, cfg.Update.Enable, m.Identity.Provisioned())
}

func (m *Manager) newClock(cfg *types.AppConfig) *schedule.Clock {
	return schedule.NewClock(
		cfg.Update.Schedule,
		cfg.Update.Apply,
		cfg.Update.PeriodDuration(),
		cfg.Update.JitterDuration(),
	)
}

// runCycle performs one full check cycle: check, optional
// download/verify/apply-scheduling, then the single lastUpdate persist.
// Every exit path resolves the cycle so the loop re-arms. Returns true
// when a cycle actually ran rather than being skipped.
func (m *Manager) runCycle(ctx context.Context) bool {
	cfg := m.Config()

	if !cfg.Update.Enable {
		log.Debug("updates disabled, skipping check cycle")
		return false
	}
	if !m.Identity.Provisioned() {
		log.Debug("device not provisioned, skipping check cycle")
		return false
	}

	started := time.Now()
	baseURL, token := m.Identity.Credentials()
	firmware := m.Identity.FirmwareVersion()

	desc, checkErr := m.checker.CheckForUpdate(ctx, baseURL, token, firmware,
		cfg.Device, cfg.Timeouts.APITimeout(), m.Identity)

	// The one lastUpdate write for this cycle, success or failure.
	if err := m.State.SaveLastUpdate(started); err != nil {
		log.Errorf("failed to persist lastUpdate: %v", err)
	}

	checkMsg := types.UpdateCheckMessage{
		Success:    checkErr == nil,
		Available:  desc != nil,
		DurationMs: time.Since(started).Milliseconds(),
	}
	checkLog := database.UpdateLog{Event: "check", Success: checkErr == nil}

	switch {
	case errors.Is(checkErr, ErrDeprovisioned):
		checkMsg.Error = checkErr.Error()
		checkLog.Error = checkErr.Error()
		log.Warnf("update check: %v", checkErr)
	case checkErr != nil:
		checkMsg.Error = checkErr.Error()
		checkLog.Error = checkErr.Error()
		log.Errorf("update check failed: %v", checkErr)
	case desc == nil:
		log.Debug("no update available")
	default:
		checkMsg.Version = desc.Version
		checkLog.Version = desc.Version
		checkLog.URL = desc.URL
		log.Infof("update %s available at %s", desc.Version, desc.URL)
	}

	m.State.RecordEvent(checkLog)
	m.Events.Broadcast("update-check", checkMsg)

	if checkErr != nil || desc == nil {
		return true
	}

	m.fetchAndScheduleApply(ctx, cfg, desc)
	return true
}

// fetchAndScheduleApply downloads and verifies the image, then arms the
// apply timer for the next apply-window match. The download goes to a
// staging name and is renamed into place only after verification, so a
// cycle triggered while an apply hook is still running never rewrites
// the image file under it.
func (m *Manager) fetchAndScheduleApply(ctx context.Context, cfg *types.AppConfig, desc *Descriptor) {
	dest := filepath.Join(cfg.Device.DataDir, ImageFileName)
	staging := dest + ".part"

	dl := &Downloader{HTTP: m.checker.HTTP, Throttle: cfg.Update.Throttle}
	byteCount, err := dl.Download(ctx, desc.URL, staging, cfg.Timeouts.DownloadTimeout())
	if err != nil {
		log.Errorf("image download failed: %v", err)
		m.State.RecordEvent(database.UpdateLog{
			Event: "download", Version: desc.Version, URL: desc.URL, Error: err.Error(),
		})
		removeQuietly(staging)
		return
	}
	m.State.RecordEvent(database.UpdateLog{
		Event: "download", Success: true, Version: desc.Version, URL: desc.URL, Bytes: byteCount,
	})

	if !Verify(staging, desc.Checksum) {
		m.State.RecordEvent(database.UpdateLog{
			Event: "verify", Version: desc.Version, Error: "checksum mismatch",
		})
		// reject the image outright; a partial or tampered file must
		// never reach the apply hook
		removeQuietly(staging)
		return
	}
	m.State.RecordEvent(database.UpdateLog{Event: "verify", Success: true, Version: desc.Version})

	if err := os.Rename(staging, dest); err != nil {
		log.Errorf("failed to move verified image into place: %v", err)
		removeQuietly(staging)
		return
	}

	m.scheduleApply(ctx, cfg, dest, desc.Version)

	m.Events.Broadcast("update-available", types.UpdateCheckMessage{
		Success: true, Available: true, Version: desc.Version,
	})
}

// scheduleApply arms the apply timer at the next apply-cron match. A
// newly verified image replaces any previously pending one.
func (m *Manager) scheduleApply(ctx context.Context, cfg *types.AppConfig, imagePath, version string) {
	clock := m.newClock(cfg)
	delay := clock.NextApplyDelay(time.Now())

	m.mu.Lock()
	if m.applyTimer != nil {
		m.applyTimer.Stop()
	}
	m.pendingApply = &pendingApply{Path: imagePath, Version: version, At: time.Now().Add(delay)}
	m.applyTimer = time.AfterFunc(delay, func() {
		m.fireApply(ctx, cfg, imagePath, version)
	})
	m.mu.Unlock()

	log.Infof("update %s will be applied in %v", version, delay)
}

// fireApply signals observers, runs the apply hook and acts on its
// directive.
func (m *Manager) fireApply(ctx context.Context, cfg *types.AppConfig, imagePath, version string) {
	if ctx.Err() != nil {
		return
	}

	// quiesce signal for cooperating components
	m.Events.Broadcast("update-applying", types.UpdateApplyingMessage{
		Path: imagePath, Version: version,
	})

	applier := &Applier{Hook: m.loadApplyHook(cfg)}
	directive, output := applier.Apply(ctx, imagePath)

	m.mu.Lock()
	m.pendingApply = nil
	m.applyTimer = nil
	m.mu.Unlock()

	success := directive != DirectiveError
	m.State.RecordEvent(database.UpdateLog{
		Event: "apply", Success: success, Version: version, Output: output,
	})
	m.Events.Broadcast("update-applied", types.UpdateAppliedMessage{
		Version: version, Directive: string(directive), Success: success, Output: output,
	})

	if success && version != "" {
		if err := m.Identity.SetFirmwareVersion(version); err != nil {
			log.Errorf("failed to record new firmware version: %v", err)
		}
	}

	switch directive {
	case DirectiveExit, DirectiveRestart:
		if m.OnDirective != nil {
			m.OnDirective(directive)
		}
	case DirectiveError:
		log.Errorf("apply hook reported failure: %s", output)
	}
}

// loadApplyHook reads the hooks file each apply so edits take effect
// without a restart. Nil means signal-only mode.
func (m *Manager) loadApplyHook(cfg *types.AppConfig) *hook.Hook {
	if cfg.Update.HooksFile == "" {
		return nil
	}
	var hooks hook.Hooks
	if err := hooks.LoadFromFile(cfg.Update.HooksFile); err != nil {
		log.Errorf("failed to load hooks file %s: %v", cfg.Update.HooksFile, err)
		return nil
	}
	return hooks.Match(hook.ApplyHookID)
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to remove %s: %v", path, err)
	}
}
