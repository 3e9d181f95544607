package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/devswarm/backend/internal/instance"
)

// MockProvider implements Provider in memory for local development and
// tests. Failure injection fields let tests force specific steps to break.
type MockProvider struct {
	mu        sync.RWMutex
	typ       instance.ProviderType
	caps      instance.ProviderCapabilities
	instances map[string]*instance.Instance
	counter   int

	// Failure injection. When set, the matching operation returns the error.
	FailInitialize error
	FailCreate     error
	FailStart      error
	FailStop       error
	FailDelete     error
	FailExec       error

	// ExecResults maps the first argv word to a canned result. Commands
	// without an entry succeed with empty output.
	ExecResults map[string]*instance.CommandResult

	// Executed records every command run, newest last.
	Executed [][]string
}

// NewMockProvider returns a mock back-end reporting itself as typ.
func NewMockProvider(typ instance.ProviderType) *MockProvider {
	return &MockProvider{
		typ:       typ,
		instances: make(map[string]*instance.Instance),
		caps: instance.ProviderCapabilities{
			ProviderType:       typ,
			CanCreateInstances: true,
			CanStartStop:       true,
			CanExec:            true,
			CanFollowLogs:      false,
			CanLiveResize:      true,
			CanSnapshot:        true,
			MaxResources:       instance.ResourceSpec{CPUCores: 64, MemoryMB: 262144, DiskGB: 2048},
		},
	}
}

func (m *MockProvider) Type() instance.ProviderType { return m.typ }

func (m *MockProvider) Capabilities() instance.ProviderCapabilities {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.caps
}

// SetCapabilities replaces the reported capabilities, e.g. to simulate a
// back-end that cannot create instances.
func (m *MockProvider) SetCapabilities(caps instance.ProviderCapabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	caps.ProviderType = m.typ
	m.caps = caps
}

func (m *MockProvider) Initialize(ctx context.Context) error {
	return m.FailInitialize
}

func (m *MockProvider) CreateInstance(ctx context.Context, cfg instance.InstanceConfig) (*instance.Instance, error) {
	if err := ValidateConfig(cfg, m.Capabilities()); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	inst := instance.New(m.typ, cfg)
	inst.ProviderInstanceID = fmt.Sprintf("mock-%s-%d", m.typ, m.counter)
	inst.Network = instance.NetworkInfo{
		InternalAddress: fmt.Sprintf("10.0.0.%d", m.counter),
		ExternalAddress: fmt.Sprintf("203.0.113.%d", m.counter),
		AccessURL:       fmt.Sprintf("http://203.0.113.%d:8080", m.counter),
	}

	if m.FailCreate != nil {
		inst.Status = instance.StatusFailed
		inst.Error = m.FailCreate.Error()
		inst.Touch()
		m.instances[inst.ID] = inst
		return copyOf(inst), m.FailCreate
	}

	inst.Status = instance.StatusRunning
	inst.Touch()
	m.instances[inst.ID] = inst
	return copyOf(inst), nil
}

func (m *MockProvider) GetInstance(ctx context.Context, id string) (*instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on provider %s", id, m.typ)
	}
	return copyOf(inst), nil
}

func (m *MockProvider) ListInstances(ctx context.Context, filter instance.Filter) ([]*instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*instance.Instance
	for _, inst := range m.instances {
		all = append(all, copyOf(inst))
	}
	return filter.Apply(all), nil
}

func (m *MockProvider) StartInstance(ctx context.Context, id string) (*instance.Instance, error) {
	if m.FailStart != nil {
		return nil, m.FailStart
	}
	return m.setStatus(id, instance.StatusRunning)
}

func (m *MockProvider) StopInstance(ctx context.Context, id string, force bool) (*instance.Instance, error) {
	if m.FailStop != nil {
		return nil, m.FailStop
	}
	return m.setStatus(id, instance.StatusStopped)
}

func (m *MockProvider) DeleteInstance(ctx context.Context, id string) error {
	if m.FailDelete != nil {
		return m.FailDelete
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[id]; !ok {
		return instance.Errf(instance.ErrNotFound, "instance %s not found on provider %s", id, m.typ)
	}
	delete(m.instances, id)
	return nil
}

func (m *MockProvider) UpdateInstance(ctx context.Context, id string, partial instance.InstanceConfig) (*instance.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on provider %s", id, m.typ)
	}
	inst.Config = MergeConfig(inst.Config, partial)
	inst.Resources.Requested = inst.Config.Resources
	inst.Touch()
	return copyOf(inst), nil
}

func (m *MockProvider) ExecuteCommand(ctx context.Context, id string, command []string) (*instance.CommandResult, error) {
	if m.FailExec != nil {
		return nil, m.FailExec
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on provider %s", id, m.typ)
	}
	if inst.Status != instance.StatusRunning {
		return nil, instance.Errf(instance.ErrInvalidState, "instance %s is %s, cannot exec", id, inst.Status)
	}

	m.Executed = append(m.Executed, append([]string(nil), command...))
	if len(command) > 0 {
		if res, ok := m.ExecResults[command[0]]; ok {
			return res, nil
		}
	}
	return &instance.CommandResult{ExitCode: 0}, nil
}

func (m *MockProvider) GetInstanceLogs(ctx context.Context, id string, opts instance.LogOptions) (*instance.InstanceLogs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on provider %s", id, m.typ)
	}

	lines := []string{
		fmt.Sprintf("%s instance %s started", time.Now().UTC().Format(time.RFC3339), inst.ID),
	}
	return &instance.InstanceLogs{
		InstanceID: id,
		Content:    strings.Join(lines, "\n"),
	}, nil
}

func (m *MockProvider) setStatus(id string, status instance.Status) (*instance.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on provider %s", id, m.typ)
	}
	inst.Status = status
	inst.Touch()
	return copyOf(inst), nil
}

func copyOf(inst *instance.Instance) *instance.Instance {
	out := *inst
	out.Config = inst.Config.Clone()
	return &out
}
