// Package instance holds the data model shared by every provider, the
// registry and the migration manager: instance records, creation configs,
// filters, capability descriptions and the error taxonomy.
package instance

import (
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

// ProviderType identifies the infrastructure back-end owning an instance.
type ProviderType string

const (
	ProviderDocker ProviderType = "docker"
	ProviderGCE    ProviderType = "gce"
	ProviderMock   ProviderType = "mock"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusDeleting Status = "deleting"
	StatusDeleted  Status = "deleted"
	StatusFailed   Status = "failed"
)

// PortMapping maps a workspace port to an externally reachable one.
type PortMapping struct {
	InstancePort int    `json:"instance_port"`
	HostPort     int    `json:"host_port,omitempty"`
	Protocol     string `json:"protocol,omitempty"` // "tcp" when empty
}

// NetworkInfo describes how an instance is reached.
type NetworkInfo struct {
	InternalAddress string        `json:"internal_address,omitempty"`
	ExternalAddress string        `json:"external_address,omitempty"`
	Ports           []PortMapping `json:"ports,omitempty"`
	AccessURL       string        `json:"access_url,omitempty"` // derived editor URL
}

// ResourceSpec is a CPU/memory/disk triple, used both for requests and
// observed usage.
type ResourceSpec struct {
	CPUCores float64 `json:"cpu_cores,omitempty"`
	MemoryMB int     `json:"memory_mb,omitempty"`
	DiskGB   int     `json:"disk_gb,omitempty"`
}

// Resources carries the requested spec and what the provider last observed.
type Resources struct {
	Requested ResourceSpec `json:"requested"`
	Used      ResourceSpec `json:"used,omitempty"`
}

// SSHAuth is the key material injected into remote instances. The private
// key never leaves the backend; API responses redact it.
type SSHAuth struct {
	User       string `json:"user,omitempty"`
	PublicKey  string `json:"public_key,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// InstanceConfig is the immutable creation recipe for an instance. Once an
// instance exists its config is never mutated; migrations derive a fresh
// copy for the target.
type InstanceConfig struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	WorkspacePath string            `json:"workspace_path,omitempty"`
	Resources     ResourceSpec      `json:"resources,omitempty"`
	NetworkMode   string            `json:"network_mode,omitempty"`
	EditorPort    int               `json:"editor_port,omitempty"` // workspace editor port, 8080 when zero
	Env           map[string]string `json:"env,omitempty"`
	Extensions    []string          `json:"extensions,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	SSH           SSHAuth           `json:"ssh,omitempty"`
}

// Clone returns a deep copy, used when a migration derives the target
// config from the source.
func (c InstanceConfig) Clone() InstanceConfig {
	out := c
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	if c.Labels != nil {
		out.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			out.Labels[k] = v
		}
	}
	out.Extensions = append([]string(nil), c.Extensions...)
	return out
}

// Instance is a managed remote editor workspace. The registry owns these
// records; providers return updated copies for persistence.
type Instance struct {
	ID                 string            `json:"id"`
	ProviderInstanceID string            `json:"provider_instance_id,omitempty"`
	Name               string            `json:"name"`
	ProviderType       ProviderType      `json:"provider_type"`
	Status             Status            `json:"status"`
	Network            NetworkInfo       `json:"network,omitempty"`
	Resources          Resources         `json:"resources,omitempty"`
	Config             InstanceConfig    `json:"config"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Error              string            `json:"error,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// New builds a base instance record for a provider about to provision it.
func New(provider ProviderType, cfg InstanceConfig) *Instance {
	now := time.Now().UTC()
	return &Instance{
		ID:           NewID("inst"),
		Name:         cfg.Name,
		ProviderType: provider,
		Status:       StatusCreating,
		Config:       cfg,
		Resources:    Resources{Requested: cfg.Resources},
		Metadata:     map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Touch bumps UpdatedAt; call after any status or network change.
func (i *Instance) Touch() {
	i.UpdatedAt = time.Now().UTC()
}

// CommandResult is the outcome of executing a command inside an instance.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// LogOptions selects which instance logs to fetch.
type LogOptions struct {
	Lines  int       `json:"lines,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Follow bool      `json:"follow,omitempty"`
}

// InstanceLogs is a log fetch result. Stream is set only for follow
// requests on providers that support it; the caller owns closing it.
type InstanceLogs struct {
	InstanceID string        `json:"instance_id"`
	Content    string        `json:"content"`
	Stream     io.ReadCloser `json:"-"`
}

// ProviderCapabilities is the static description a provider reports about
// itself. The migration manager uses it to fail fast before attempting an
// unsupported migration.
type ProviderCapabilities struct {
	ProviderType       ProviderType `json:"provider_type"`
	CanCreateInstances bool         `json:"can_create_instances"`
	CanStartStop       bool         `json:"can_start_stop"`
	CanExec            bool         `json:"can_exec"`
	CanFollowLogs      bool         `json:"can_follow_logs"`
	CanLiveResize      bool         `json:"can_live_resize"`
	CanSnapshot        bool         `json:"can_snapshot"`
	MaxInstances       int          `json:"max_instances,omitempty"`
	MinResources       ResourceSpec `json:"min_resources,omitempty"`
	MaxResources       ResourceSpec `json:"max_resources,omitempty"`
}

// Filter narrows instance listings. Zero values match everything.
type Filter struct {
	Providers     []ProviderType    `json:"providers,omitempty"`
	Statuses      []Status          `json:"statuses,omitempty"`
	NamePattern   string            `json:"name_pattern,omitempty"`
	CreatedAfter  *time.Time        `json:"created_after,omitempty"`
	CreatedBefore *time.Time        `json:"created_before,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Offset        int               `json:"offset,omitempty"`
	Limit         int               `json:"limit,omitempty"`
}

// Matches reports whether an instance passes the filter, ignoring
// offset/limit which apply to the whole result set.
func (f Filter) Matches(inst *Instance) bool {
	if len(f.Providers) > 0 {
		ok := false
		for _, p := range f.Providers {
			if inst.ProviderType == p {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if inst.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.NamePattern != "" && !matchName(f.NamePattern, inst.Name) {
		return false
	}
	if f.CreatedAfter != nil && inst.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && inst.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	for k, v := range f.Labels {
		if inst.Config.Labels[k] != v {
			return false
		}
	}
	return true
}

// Apply filters, orders by creation time and applies offset/limit.
func (f Filter) Apply(list []*Instance) []*Instance {
	var out []*Instance
	for _, inst := range list {
		if f.Matches(inst) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// matchName treats patterns with glob metacharacters as globs and anything
// else as a substring match.
func matchName(pattern, name string) bool {
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, name)
		return err == nil && ok
	}
	return strings.Contains(name, pattern)
}
