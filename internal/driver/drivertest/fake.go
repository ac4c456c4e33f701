// Package drivertest provides a hand-rolled driver.Driver fake shared by
// lifecycle, reconcile, and api unit tests: small, explicit structs in
// place of a generated or reflection-based mock.
package drivertest

import (
	"context"
	"sync"

	"github.com/akshayaggarwal99/boxed/internal/driver"
)

// Fake is an in-memory driver.Driver. Each field is a func hook; nil hooks
// fall back to a canned success response (Run returns ID "fake-container",
// Inspect reports running with 22/tcp bound to 2222, the rest return zero
// values). Calls are recorded for assertions.
type Fake struct {
	mu sync.Mutex

	RunFunc              func(ctx context.Context, spec driver.RunSpec) (driver.Handle, error)
	InspectFunc          func(ctx context.Context, id string) (driver.Inspection, error)
	ExecFunc             func(ctx context.Context, id string, argv []string, user string, demux bool) (driver.ExecResult, error)
	StopFunc             func(ctx context.Context, id string, graceSeconds int) error
	KillFunc             func(ctx context.Context, id string) error
	RemoveFunc           func(ctx context.Context, id string, force bool) error
	LogsFunc             func(ctx context.Context, id string, tail int) ([]byte, error)
	StatsFunc            func(ctx context.Context, id string) (map[string]any, error)
	ListIDsWithLabelFunc func(ctx context.Context, key, value string) ([]string, error)
	HealthyFunc          func(ctx context.Context) error

	RunCalls    []driver.RunSpec
	ExecCalls   []string
	KillCalls   []string
	RemoveCalls []string
	StopCalls   []string
	Closed      bool
}

// New returns a Fake that succeeds on every call with the canned results
// described on Fake, unless the caller overrides individual *Func fields
// afterward.
func New() *Fake {
	return &Fake{}
}

func (f *Fake) Run(ctx context.Context, spec driver.RunSpec) (driver.Handle, error) {
	f.mu.Lock()
	f.RunCalls = append(f.RunCalls, spec)
	f.mu.Unlock()
	if f.RunFunc != nil {
		return f.RunFunc(ctx, spec)
	}
	return driver.Handle{ID: "fake-container"}, nil
}

func (f *Fake) Inspect(ctx context.Context, id string) (driver.Inspection, error) {
	if f.InspectFunc != nil {
		return f.InspectFunc(ctx, id)
	}
	return driver.Inspection{
		Status:        driver.StatusRunning,
		AssignedPorts: map[string]int{"22/tcp": 2222},
	}, nil
}

func (f *Fake) Exec(ctx context.Context, id string, argv []string, user string, demux bool) (driver.ExecResult, error) {
	f.mu.Lock()
	f.ExecCalls = append(f.ExecCalls, id)
	f.mu.Unlock()
	if f.ExecFunc != nil {
		return f.ExecFunc(ctx, id, argv, user, demux)
	}
	return driver.ExecResult{ExitCode: 0}, nil
}

func (f *Fake) Stop(ctx context.Context, id string, graceSeconds int) error {
	f.mu.Lock()
	f.StopCalls = append(f.StopCalls, id)
	f.mu.Unlock()
	if f.StopFunc != nil {
		return f.StopFunc(ctx, id, graceSeconds)
	}
	return nil
}

func (f *Fake) Kill(ctx context.Context, id string) error {
	f.mu.Lock()
	f.KillCalls = append(f.KillCalls, id)
	f.mu.Unlock()
	if f.KillFunc != nil {
		return f.KillFunc(ctx, id)
	}
	return nil
}

func (f *Fake) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	f.RemoveCalls = append(f.RemoveCalls, id)
	f.mu.Unlock()
	if f.RemoveFunc != nil {
		return f.RemoveFunc(ctx, id, force)
	}
	return nil
}

func (f *Fake) Logs(ctx context.Context, id string, tail int) ([]byte, error) {
	if f.LogsFunc != nil {
		return f.LogsFunc(ctx, id, tail)
	}
	return nil, nil
}

func (f *Fake) Stats(ctx context.Context, id string) (map[string]any, error) {
	if f.StatsFunc != nil {
		return f.StatsFunc(ctx, id)
	}
	return map[string]any{}, nil
}

func (f *Fake) ListIDsWithLabel(ctx context.Context, key, value string) ([]string, error) {
	if f.ListIDsWithLabelFunc != nil {
		return f.ListIDsWithLabelFunc(ctx, key, value)
	}
	return nil, nil
}

func (f *Fake) Healthy(ctx context.Context) error {
	if f.HealthyFunc != nil {
		return f.HealthyFunc(ctx)
	}
	return nil
}

func (f *Fake) Close() error {
	f.Closed = true
	return nil
}
