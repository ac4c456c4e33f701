// Package lifecycle drives a sandbox record through its state machine,
// composing the Registry, Container Driver, and Access Issuer. Apart from
// the reconcile package's Reconciler and Expirer sweeps, this is the only
// package that changes a sandbox record's status.
package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/akshayaggarwal99/boxed/internal/access"
	"github.com/akshayaggarwal99/boxed/internal/apperr"
	"github.com/akshayaggarwal99/boxed/internal/driver"
	"github.com/akshayaggarwal99/boxed/internal/lockmap"
	"github.com/akshayaggarwal99/boxed/internal/registry"
)

const (
	readinessPollInterval = 2 * time.Second
	readinessTimeout      = 120 * time.Second
	readinessProbePath    = "/tmp/.sandbox_ready"

	maxCommandLength = 10000
	minExecTimeout   = 1 * time.Second
	maxExecTimeout   = 600 * time.Second

	containerPort = "22/tcp"
)

// ContainerSpec is the per-sandbox input to the container runtime,
// resolved from configuration and the caller's requested config.
type ContainerSpec struct {
	Image               string
	CPULimitCores       float64
	MemoryLimit         string
	Network             string
	ShutdownTimeoutSecs int
	S3Bucket            string
	S3Region            string
}

// Manager is the Lifecycle Manager: it drives every sandbox record
// mutation except the background reconcile and expiry sweeps.
type Manager struct {
	store  registry.Store
	drv    driver.Driver
	issuer *access.Issuer
	locks  *lockmap.Map
	spec   ContainerSpec
	host   string
}

// NewManager builds a Manager bound to store, drv, and a container spec
// template applied to every create.
func NewManager(store registry.Store, drv driver.Driver, host string, spec ContainerSpec) *Manager {
	return &Manager{
		store:  store,
		drv:    drv,
		issuer: access.NewIssuer(drv),
		locks:  lockmap.New(),
		spec:   spec,
		host:   host,
	}
}

const (
	sandboxIDLabelKey = "xyz.matrx.sandbox_id"
	userLabelKey      = "xyz.matrx.user_id"
	createdAtLabelKey = "xyz.matrx.created_at"

	// ManagedLabelKey/ManagedLabelValue mark every container this
	// orchestrator creates, independent of its per-sandbox ID, so the
	// reconciler can enumerate the live set with a single label query.
	ManagedLabelKey   = "xyz.matrx.managed"
	ManagedLabelValue = "true"
)

// Create provisions a new sandbox for userID, returning the record in its
// terminal-of-startup status (ready or failed). If the container cannot be
// created or inspected, the record is persisted as failed and Create
// returns a nil record with a runtime error.
func (m *Manager) Create(ctx context.Context, userID string, config map[string]any, ttlSeconds int) (*registry.Record, error) {
	rec, err := registry.NewRecord(userID, ttlSeconds, config)
	if err != nil {
		return nil, apperr.Runtime("generate sandbox id", err)
	}

	unlock := m.locks.Lock(rec.SandboxID)
	defer unlock()

	if err := m.store.Save(ctx, rec); err != nil {
		return nil, apperr.Runtime("persist new sandbox record", err)
	}

	handle, err := m.drv.Run(ctx, driver.RunSpec{
		Image:         m.spec.Image,
		CPULimitCores: m.spec.CPULimitCores,
		MemoryLimit:   m.spec.MemoryLimit,
		Devices:       []string{"/dev/fuse"},
		Capabilities:  []string{"SYS_ADMIN"},
		PortBindings:  map[string]int{containerPort: 0},
		Network:       m.spec.Network,
		RestartPolicy: "no",
		Labels: map[string]string{
			sandboxIDLabelKey: rec.SandboxID,
			userLabelKey:      userID,
			createdAtLabelKey: rec.CreatedAt.Format(time.RFC3339),
			ManagedLabelKey:   ManagedLabelValue,
		},
		Env: map[string]string{
			"SANDBOX_ID":               rec.SandboxID,
			"USER_ID":                  userID,
			"S3_BUCKET":                m.spec.S3Bucket,
			"S3_REGION":                m.spec.S3Region,
			"HOT_PATH":                 rec.HotPath,
			"COLD_PATH":                rec.ColdPath,
			"SHUTDOWN_TIMEOUT_SECONDS": fmt.Sprintf("%d", m.spec.ShutdownTimeoutSecs),
		},
	})
	if err != nil {
		m.failRecord(ctx, rec)
		return nil, apperr.Runtime("create container", err)
	}
	containerID := handle.ID
	rec.ContainerID = &containerID

	inspection, err := m.drv.Inspect(ctx, containerID)
	if err != nil {
		m.cleanupOrphan(containerID)
		m.failRecord(ctx, rec)
		return nil, apperr.Runtime("inspect new container", err)
	}
	if port, ok := inspection.AssignedPorts[containerPort]; ok {
		p := port
		rec.SSHPort = &p
	}
	rec.Status = registry.StatusStarting
	if err := m.store.Save(ctx, rec); err != nil {
		m.cleanupOrphan(containerID)
		return nil, apperr.Runtime("persist starting status", err)
	}

	if err := m.waitForReady(ctx, containerID); err != nil {
		rec.Status = registry.StatusFailed
		_ = m.store.Save(ctx, rec)
		return rec, nil
	}

	rec.Status = registry.StatusReady
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, apperr.Runtime("persist ready status", err)
	}
	return rec, nil
}

func (m *Manager) failRecord(ctx context.Context, rec *registry.Record) {
	rec.Status = registry.StatusFailed
	if err := m.store.Save(ctx, rec); err != nil {
		log.Error().Err(err).Str("sandbox_id", rec.SandboxID).Msg("failed to persist failed status")
	}
}

// cleanupOrphan makes a best-effort attempt to remove a container that was
// created at the runtime but whose record could not be advanced. The
// reconciler will converge any container this fails to remove.
func (m *Manager) cleanupOrphan(containerID string) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.drv.Remove(cleanupCtx, containerID, true); err != nil {
		log.Warn().Err(err).Str("container_id", containerID).Msg("failed to remove orphaned container")
	}
}

// waitForReady polls containerID for the readiness marker file, at fixed
// 2s intervals up to a 120s deadline.
func (m *Manager) waitForReady(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(readinessTimeout)
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	for {
		inspection, err := m.drv.Inspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("inspect during readiness poll: %w", err)
		}
		if inspection.Status == driver.StatusExited || inspection.Status == driver.StatusDead || inspection.Status == driver.StatusNotFound {
			return fmt.Errorf("container exited before becoming ready")
		}

		result, err := m.drv.Exec(ctx, containerID, []string{"test", "-f", readinessProbePath}, "root", false)
		if err != nil {
			return fmt.Errorf("readiness probe exec: %w", err)
		}
		if result.ExitCode == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("readiness timeout after %s", readinessTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Get returns a sandbox record, or a not-found domain error.
func (m *Manager) Get(ctx context.Context, sandboxID string) (*registry.Record, error) {
	rec, err := m.store.Get(ctx, sandboxID)
	if err != nil {
		return nil, apperr.Runtime("read sandbox record", err)
	}
	if rec == nil {
		return nil, apperr.NotFoundf("sandbox %s not found", sandboxID)
	}
	return rec, nil
}

// List returns sandbox records, optionally filtered by userID.
func (m *Manager) List(ctx context.Context, userID string) ([]*registry.Record, error) {
	recs, err := m.store.List(ctx, userID)
	if err != nil {
		return nil, apperr.Runtime("list sandbox records", err)
	}
	return recs, nil
}

// ExecResult is the decoded outcome of a forwarded in-container command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec forwards command to the sandbox's container, rejecting if the
// runtime's current view of the container is not running.
func (m *Manager) Exec(ctx context.Context, sandboxID, command, user string, timeout time.Duration, cwd string) (*ExecResult, error) {
	if command == "" {
		return nil, apperr.Validation("command must not be empty")
	}
	if len(command) > maxCommandLength {
		return nil, apperr.Validationf("command exceeds maximum length of %d characters", maxCommandLength)
	}
	if timeout < minExecTimeout || timeout > maxExecTimeout {
		return nil, apperr.Validationf("timeout must be between %s and %s", minExecTimeout, maxExecTimeout)
	}

	rec, err := m.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if rec.ContainerID == nil {
		return nil, apperr.Validationf("sandbox %s has no container", sandboxID)
	}

	inspection, err := m.drv.Inspect(ctx, *rec.ContainerID)
	if err != nil {
		return nil, apperr.Runtime("inspect container before exec", err)
	}
	if inspection.Status != driver.StatusRunning {
		return nil, apperr.Validationf("sandbox %s is not running (runtime status %s)", sandboxID, inspection.Status)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := []string{"sh", "-c", command}
	if cwd != "" {
		argv = []string{"sh", "-c", fmt.Sprintf("cd %q && %s", cwd, command)}
	}

	result, err := m.drv.Exec(execCtx, *rec.ContainerID, argv, user, true)
	if err != nil {
		return nil, apperr.Runtime("exec in sandbox", err)
	}

	return &ExecResult{
		ExitCode: result.ExitCode,
		Stdout:   decodeUTF8(result.Stdout),
		Stderr:   decodeUTF8(result.Stderr),
	}, nil
}

// decodeUTF8 decodes b as UTF-8, substituting U+FFFD for invalid sequences.
func decodeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var buf bytes.Buffer
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		buf.WriteRune(r)
		b = b[size:]
	}
	return buf.String()
}

// Heartbeat records agent liveness for sandboxID. Returns false if the
// record does not exist. Does not change status.
func (m *Manager) Heartbeat(ctx context.Context, sandboxID string) (bool, error) {
	ok, err := m.store.UpdateHeartbeat(ctx, sandboxID)
	if err != nil {
		return false, apperr.Runtime("update heartbeat", err)
	}
	return ok, nil
}

// Destroy transitions a sandbox to stopped, stopping the container
// gracefully or forcibly per graceful, and removing it from the runtime.
func (m *Manager) Destroy(ctx context.Context, sandboxID string, graceful bool, reason registry.StopReason, shutdownTimeoutSecs int) (bool, error) {
	unlock := m.locks.Lock(sandboxID)
	defer unlock()

	rec, err := m.store.Get(ctx, sandboxID)
	if err != nil {
		return false, apperr.Runtime("read sandbox record", err)
	}
	if rec == nil {
		return false, apperr.NotFoundf("sandbox %s not found", sandboxID)
	}
	if rec.Status.Terminal() {
		return true, nil
	}

	rec.Status = registry.StatusShuttingDown
	if err := m.store.Save(ctx, rec); err != nil {
		return false, apperr.Runtime("persist shutting_down status", err)
	}

	// The docker driver treats a missing container as success on
	// Stop/Kill/Remove, so any error here is a genuine runtime failure —
	// the registry is still marked failed and the reconciler will
	// eventually resolve the drift.
	if rec.ContainerID != nil {
		var stopErr error
		if graceful {
			stopErr = m.drv.Stop(ctx, *rec.ContainerID, shutdownTimeoutSecs+10)
		} else {
			stopErr = m.drv.Kill(ctx, *rec.ContainerID)
		}
		if stopErr != nil {
			rec.Status = registry.StatusFailed
			_ = m.store.Save(ctx, rec)
			return false, apperr.Runtime("stop container", stopErr)
		}
		if err := m.drv.Remove(ctx, *rec.ContainerID, true); err != nil {
			rec.Status = registry.StatusFailed
			_ = m.store.Save(ctx, rec)
			return false, apperr.Runtime("remove container", err)
		}
	}

	ok, err := m.store.MarkStopped(ctx, sandboxID, reason)
	if err != nil {
		return false, apperr.Runtime("mark sandbox stopped", err)
	}
	return ok, nil
}

// DestroyContainer tears down the runtime container for a record the
// Expirer has already marked terminal in the registry. Unlike Destroy it
// does not gate on or mutate record status — expire_stale already set it.
func (m *Manager) DestroyContainer(ctx context.Context, sandboxID string) error {
	unlock := m.locks.Lock(sandboxID)
	defer unlock()

	rec, err := m.store.Get(ctx, sandboxID)
	if err != nil {
		return apperr.Runtime("read sandbox record", err)
	}
	if rec == nil || rec.ContainerID == nil {
		return nil
	}

	if err := m.drv.Kill(ctx, *rec.ContainerID); err != nil {
		return apperr.Runtime("kill expired container", err)
	}
	if err := m.drv.Remove(ctx, *rec.ContainerID, true); err != nil {
		return apperr.Runtime("remove expired container", err)
	}
	return nil
}

// GenerateAccess issues fresh single-use SSH credentials for sandboxID.
func (m *Manager) GenerateAccess(ctx context.Context, sandboxID string) (*access.Credentials, error) {
	unlock := m.locks.Lock(sandboxID)
	defer unlock()

	rec, err := m.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if rec.ContainerID == nil || rec.SSHPort == nil {
		return nil, apperr.Validationf("sandbox %s has no assigned ssh port", sandboxID)
	}

	creds, err := m.issuer.Generate(ctx, *rec.ContainerID, m.host, *rec.SSHPort)
	if err != nil {
		return nil, apperr.Runtime("issue access credentials", err)
	}
	return &creds, nil
}
