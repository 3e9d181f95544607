// Package provider defines the capability contract every infrastructure
// back-end implements, plus the concrete docker and gce back-ends and an
// in-memory mock used by tests.
package provider

import (
	"context"
	"fmt"

	"github.com/devswarm/backend/internal/instance"
)

// Provider is the uniform contract for an infrastructure back-end. Every
// mutating call leaves the returned record consistent with what the
// back-end's own control plane reports at return time, so callers never
// need to re-poll.
type Provider interface {
	// Type identifies the back-end.
	Type() instance.ProviderType

	// Capabilities reports the static limits of this back-end.
	Capabilities() instance.ProviderCapabilities

	// Initialize verifies connectivity to the control plane and provisions
	// shared prerequisites such as a network. A failure here is fatal.
	Initialize(ctx context.Context) error

	// CreateInstance validates the config against capability bounds and
	// provisions the instance. A config-invalid request returns an error and
	// no instance. A provisioning failure returns both a Failed instance
	// record and the error, so the registry can still see what happened.
	CreateInstance(ctx context.Context, cfg instance.InstanceConfig) (*instance.Instance, error)

	// GetInstance returns the back-end's current view of the instance, or a
	// NOT_FOUND error.
	GetInstance(ctx context.Context, id string) (*instance.Instance, error)

	ListInstances(ctx context.Context, filter instance.Filter) ([]*instance.Instance, error)

	StartInstance(ctx context.Context, id string) (*instance.Instance, error)

	// StopInstance stops the instance; force skips the grace period.
	StopInstance(ctx context.Context, id string, force bool) (*instance.Instance, error)

	DeleteInstance(ctx context.Context, id string) error

	// UpdateInstance applies a partial config. Back-ends without live resize
	// stop, recreate and optionally restart, preserving the instance id.
	UpdateInstance(ctx context.Context, id string, partial instance.InstanceConfig) (*instance.Instance, error)

	ExecuteCommand(ctx context.Context, id string, command []string) (*instance.CommandResult, error)

	GetInstanceLogs(ctx context.Context, id string, opts instance.LogOptions) (*instance.InstanceLogs, error)
}

// ValidateConfig checks a creation config against a back-end's capability
// bounds. Providers call this before touching their control plane so an
// invalid config never leaves a half-created instance behind.
func ValidateConfig(cfg instance.InstanceConfig, caps instance.ProviderCapabilities) error {
	if !caps.CanCreateInstances {
		return instance.Errf(instance.ErrCapabilityUnsupported, "provider %s cannot create instances", caps.ProviderType)
	}
	if cfg.Name == "" {
		return instance.Errf(instance.ErrInvalidState, "instance name is required")
	}
	if cfg.Image == "" {
		return instance.Errf(instance.ErrInvalidState, "instance image is required")
	}
	r := cfg.Resources
	min, max := caps.MinResources, caps.MaxResources
	if min.CPUCores > 0 && r.CPUCores > 0 && r.CPUCores < min.CPUCores {
		return boundsErr(caps.ProviderType, "cpu", fmt.Sprintf("%.2f", r.CPUCores))
	}
	if max.CPUCores > 0 && r.CPUCores > max.CPUCores {
		return boundsErr(caps.ProviderType, "cpu", fmt.Sprintf("%.2f", r.CPUCores))
	}
	if min.MemoryMB > 0 && r.MemoryMB > 0 && r.MemoryMB < min.MemoryMB {
		return boundsErr(caps.ProviderType, "memory", fmt.Sprintf("%dMB", r.MemoryMB))
	}
	if max.MemoryMB > 0 && r.MemoryMB > max.MemoryMB {
		return boundsErr(caps.ProviderType, "memory", fmt.Sprintf("%dMB", r.MemoryMB))
	}
	if max.DiskGB > 0 && r.DiskGB > max.DiskGB {
		return boundsErr(caps.ProviderType, "disk", fmt.Sprintf("%dGB", r.DiskGB))
	}
	return nil
}

func boundsErr(p instance.ProviderType, what, val string) error {
	return instance.Errf(instance.ErrCapabilityUnsupported, "provider %s cannot satisfy requested %s %s", p, what, val)
}

// MergeConfig overlays the non-zero fields of partial onto base, returning
// the config an update should converge on.
func MergeConfig(base, partial instance.InstanceConfig) instance.InstanceConfig {
	out := base.Clone()
	if partial.Image != "" {
		out.Image = partial.Image
	}
	if partial.Name != "" {
		out.Name = partial.Name
	}
	if partial.WorkspacePath != "" {
		out.WorkspacePath = partial.WorkspacePath
	}
	if partial.NetworkMode != "" {
		out.NetworkMode = partial.NetworkMode
	}
	if partial.EditorPort != 0 {
		out.EditorPort = partial.EditorPort
	}
	if partial.Resources.CPUCores > 0 {
		out.Resources.CPUCores = partial.Resources.CPUCores
	}
	if partial.Resources.MemoryMB > 0 {
		out.Resources.MemoryMB = partial.Resources.MemoryMB
	}
	if partial.Resources.DiskGB > 0 {
		out.Resources.DiskGB = partial.Resources.DiskGB
	}
	if len(partial.Env) > 0 {
		if out.Env == nil {
			out.Env = map[string]string{}
		}
		for k, v := range partial.Env {
			out.Env[k] = v
		}
	}
	if len(partial.Extensions) > 0 {
		out.Extensions = append([]string(nil), partial.Extensions...)
	}
	return out
}
