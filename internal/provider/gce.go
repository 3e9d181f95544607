package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"github.com/devswarm/backend/internal/instance"
)

const (
	gceLabelManaged  = "devswarm"
	gceLabelInstance = "devswarm-instance"
)

// CommandRunner is the injected shell capability a remote back-end uses to
// run commands inside an instance. The default is an SSH client; tests
// substitute their own.
type CommandRunner interface {
	Run(ctx context.Context, addr string, command []string) (*instance.CommandResult, error)
}

// GCEConfig holds configuration for the GCE back-end.
type GCEConfig struct {
	Project       string
	Zone          string
	Network       string // default: "default"
	SSHUser       string // default: "devswarm"
	SSHPublicKey  string // fleet public key injected into every VM
	SSHPrivateKey string // PEM, used by the default SSH runner
	Runner        CommandRunner
}

// GCEProvider runs workspace instances as Container-Optimized OS VMs that
// boot the workspace image from a startup script.
type GCEProvider struct {
	project      string
	zone         string
	network      string
	imageProject string
	imageFamily  string
	sshUser      string
	sshPublicKey string
	runner       CommandRunner
	log          *logrus.Entry
}

// NewGCEProvider wires a GCE back-end. When no runner is supplied and a
// private key is, commands execute over SSH with the fleet key.
func NewGCEProvider(cfg GCEConfig) (*GCEProvider, error) {
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.SSHUser == "" {
		cfg.SSHUser = "devswarm"
	}
	runner := cfg.Runner
	if runner == nil && cfg.SSHPrivateKey != "" {
		r, err := newSSHRunner(cfg.SSHUser, cfg.SSHPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("ssh runner: %w", err)
		}
		runner = r
	}
	return &GCEProvider{
		project:      cfg.Project,
		zone:         cfg.Zone,
		network:      cfg.Network,
		imageProject: "cos-cloud",
		imageFamily:  "cos-stable",
		sshUser:      cfg.SSHUser,
		sshPublicKey: cfg.SSHPublicKey,
		runner:       runner,
		log:          logrus.WithField("provider", instance.ProviderGCE),
	}, nil
}

func (p *GCEProvider) Type() instance.ProviderType { return instance.ProviderGCE }

func (p *GCEProvider) Capabilities() instance.ProviderCapabilities {
	return instance.ProviderCapabilities{
		ProviderType:       instance.ProviderGCE,
		CanCreateInstances: true,
		CanStartStop:       true,
		CanExec:            p.runner != nil,
		CanFollowLogs:      false,
		CanLiveResize:      false,
		CanSnapshot:        false,
		MinResources:       instance.ResourceSpec{CPUCores: 1, MemoryMB: 1024},
		MaxResources:       instance.ResourceSpec{CPUCores: 16, MemoryMB: 65536, DiskGB: 1024},
	}
}

// Initialize verifies the control plane is reachable by listing instances
// in the configured zone.
func (p *GCEProvider) Initialize(ctx context.Context) error {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return instance.WrapErr(instance.ErrProviderFailure, err, "compute client")
	}
	defer client.Close()

	it := client.List(ctx, &computepb.ListInstancesRequest{
		Project:    p.project,
		Zone:       p.zone,
		MaxResults: proto.Uint32(1),
	})
	if _, err := it.Next(); err != nil && !strings.Contains(err.Error(), "no more items") {
		return instance.WrapErr(instance.ErrProviderFailure, err, "gce control plane unreachable (project %s, zone %s)", p.project, p.zone)
	}
	return nil
}

func (p *GCEProvider) CreateInstance(ctx context.Context, cfg instance.InstanceConfig) (*instance.Instance, error) {
	if err := ValidateConfig(cfg, p.Capabilities()); err != nil {
		return nil, err
	}

	inst := instance.New(instance.ProviderGCE, cfg)
	created, err := p.provision(ctx, inst)
	if err != nil {
		inst.Status = instance.StatusFailed
		inst.Error = err.Error()
		inst.Touch()
		return inst, instance.WrapErr(instance.ErrProviderFailure, err, "create instance %s", inst.ID)
	}
	return created, nil
}

func (p *GCEProvider) provision(ctx context.Context, inst *instance.Instance) (*instance.Instance, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute client: %w", err)
	}
	defer client.Close()

	cfg := inst.Config
	name := p.vmName(inst.ID)
	machineType := machineTypeFor(cfg.Resources)
	diskGB := int64(cfg.Resources.DiskGB)
	if diskGB == 0 {
		diskGB = 50
	}

	metadata := []*computepb.Items{
		{Key: proto.String("startup-script"), Value: proto.String(p.buildStartupScript(cfg))},
		{Key: proto.String("devswarm-instance"), Value: proto.String(inst.ID)},
	}
	sshKey := cfg.SSH.PublicKey
	if sshKey == "" {
		sshKey = p.sshPublicKey
	}
	if sshKey != "" {
		metadata = append(metadata, &computepb.Items{
			Key:   proto.String("ssh-keys"),
			Value: proto.String(fmt.Sprintf("%s:%s", p.sshUser, sshKey)),
		})
	}

	vm := &computepb.Instance{
		Name:        proto.String(name),
		MachineType: proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", p.zone, machineType)),
		Disks: []*computepb.AttachedDisk{
			{
				Boot:       proto.Bool(true),
				AutoDelete: proto.Bool(true),
				InitializeParams: &computepb.AttachedDiskInitializeParams{
					SourceImage: proto.String(fmt.Sprintf("projects/%s/global/images/family/%s", p.imageProject, p.imageFamily)),
					DiskSizeGb:  proto.Int64(diskGB),
					DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-balanced", p.zone)),
				},
			},
		},
		NetworkInterfaces: []*computepb.NetworkInterface{
			{
				Network: proto.String(fmt.Sprintf("global/networks/%s", p.network)),
				AccessConfigs: []*computepb.AccessConfig{
					{
						Name:        proto.String("External NAT"),
						Type:        proto.String("ONE_TO_ONE_NAT"),
						NetworkTier: proto.String("PREMIUM"),
					},
				},
			},
		},
		Metadata: &computepb.Metadata{Items: metadata},
		Scheduling: &computepb.Scheduling{
			AutomaticRestart:  proto.Bool(true),
			OnHostMaintenance: proto.String("MIGRATE"),
		},
		Labels: map[string]string{
			gceLabelManaged:  "true",
			gceLabelInstance: inst.ID,
			"managed-by":     "devswarm-backend",
		},
		Tags: &computepb.Tags{Items: []string{"devswarm", "http-server"}},
	}

	op, err := client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          p.project,
		Zone:             p.zone,
		InstanceResource: vm,
	})
	if err != nil {
		return nil, fmt.Errorf("insert vm: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for vm creation: %w", err)
	}

	p.log.WithFields(logrus.Fields{"instance_id": inst.ID, "vm": name}).Info("vm created")
	return p.observe(ctx, client, inst.ID, inst)
}

func (p *GCEProvider) GetInstance(ctx context.Context, id string) (*instance.Instance, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "compute client")
	}
	defer client.Close()
	return p.observe(ctx, client, id, nil)
}

func (p *GCEProvider) observe(ctx context.Context, client *compute.InstancesClient, id string, base *instance.Instance) (*instance.Instance, error) {
	vm, err := client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  p.project,
		Zone:     p.zone,
		Instance: p.vmName(id),
	})
	if err != nil {
		if isGCENotFound(err) {
			return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on gce", id)
		}
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "get vm for %s", id)
	}
	return p.record(vm, id, base), nil
}

// record builds an instance record from a GCE VM resource.
func (p *GCEProvider) record(vm *computepb.Instance, id string, base *instance.Instance) *instance.Instance {
	inst := base
	if inst == nil {
		inst = &instance.Instance{
			ID:           id,
			Name:         vm.GetName(),
			ProviderType: instance.ProviderGCE,
			Metadata:     map[string]string{},
		}
		if created, err := time.Parse(time.RFC3339, vm.GetCreationTimestamp()); err == nil {
			inst.CreatedAt = created
		}
	}

	inst.ProviderInstanceID = strconv.FormatUint(vm.GetId(), 10)
	inst.Status = gceStatus(vm.GetStatus())
	if inst.Metadata == nil {
		inst.Metadata = map[string]string{}
	}
	inst.Metadata["vm_name"] = vm.GetName()
	inst.Metadata["zone"] = p.zone
	inst.Metadata["self_link"] = vm.GetSelfLink()

	net := instance.NetworkInfo{}
	for _, ni := range vm.GetNetworkInterfaces() {
		net.InternalAddress = ni.GetNetworkIP()
		for _, ac := range ni.GetAccessConfigs() {
			if ac.GetNatIP() != "" {
				net.ExternalAddress = ac.GetNatIP()
				break
			}
		}
	}
	if net.ExternalAddress != "" {
		port := inst.Config.EditorPort
		if port == 0 {
			port = defaultEditorPort
		}
		net.AccessURL = fmt.Sprintf("http://%s:%d", net.ExternalAddress, port)
		net.Ports = []instance.PortMapping{{InstancePort: port, HostPort: port}}
	}
	inst.Network = net
	inst.Touch()
	return inst
}

func (p *GCEProvider) ListInstances(ctx context.Context, filter instance.Filter) ([]*instance.Instance, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "compute client")
	}
	defer client.Close()

	it := client.List(ctx, &computepb.ListInstancesRequest{
		Project: p.project,
		Zone:    p.zone,
		Filter:  proto.String(fmt.Sprintf("labels.%s=true", gceLabelManaged)),
	})

	var out []*instance.Instance
	for {
		vm, err := it.Next()
		if err != nil {
			break
		}
		id := vm.GetLabels()[gceLabelInstance]
		if id == "" {
			continue
		}
		out = append(out, p.record(vm, id, nil))
	}
	return filter.Apply(out), nil
}

func (p *GCEProvider) StartInstance(ctx context.Context, id string) (*instance.Instance, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "compute client")
	}
	defer client.Close()

	op, err := client.Start(ctx, &computepb.StartInstanceRequest{
		Project:  p.project,
		Zone:     p.zone,
		Instance: p.vmName(id),
	})
	if err != nil {
		if isGCENotFound(err) {
			return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on gce", id)
		}
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "start vm for %s", id)
	}
	if err := op.Wait(ctx); err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "wait for vm start %s", id)
	}
	return p.observe(ctx, client, id, nil)
}

func (p *GCEProvider) StopInstance(ctx context.Context, id string, force bool) (*instance.Instance, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "compute client")
	}
	defer client.Close()

	op, err := client.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  p.project,
		Zone:     p.zone,
		Instance: p.vmName(id),
	})
	if err != nil {
		if isGCENotFound(err) {
			return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on gce", id)
		}
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "stop vm for %s", id)
	}
	// force skips waiting for the guest to shut down cleanly.
	if !force {
		if err := op.Wait(ctx); err != nil {
			return nil, instance.WrapErr(instance.ErrProviderFailure, err, "wait for vm stop %s", id)
		}
	}
	return p.observe(ctx, client, id, nil)
}

func (p *GCEProvider) DeleteInstance(ctx context.Context, id string) error {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return instance.WrapErr(instance.ErrProviderFailure, err, "compute client")
	}
	defer client.Close()

	op, err := client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  p.project,
		Zone:     p.zone,
		Instance: p.vmName(id),
	})
	if err != nil {
		// Already gone counts as deleted.
		if isGCENotFound(err) {
			return nil
		}
		return instance.WrapErr(instance.ErrProviderFailure, err, "delete vm for %s", id)
	}
	if err := op.Wait(ctx); err != nil {
		return instance.WrapErr(instance.ErrProviderFailure, err, "wait for vm deletion %s", id)
	}
	return nil
}

// UpdateInstance has no live resize on GCE: the VM is stopped, its machine
// type swapped for one matching the merged resources, then restarted if it
// was running.
func (p *GCEProvider) UpdateInstance(ctx context.Context, id string, partial instance.InstanceConfig) (*instance.Instance, error) {
	current, err := p.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	wasRunning := current.Status == instance.StatusRunning

	merged := MergeConfig(current.Config, partial)
	if err := ValidateConfig(merged, p.Capabilities()); err != nil {
		return nil, err
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "compute client")
	}
	defer client.Close()

	if wasRunning {
		if _, err := p.StopInstance(ctx, id, false); err != nil {
			return nil, err
		}
	}

	op, err := client.SetMachineType(ctx, &computepb.SetMachineTypeInstanceRequest{
		Project:  p.project,
		Zone:     p.zone,
		Instance: p.vmName(id),
		InstancesSetMachineTypeRequestResource: &computepb.InstancesSetMachineTypeRequest{
			MachineType: proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", p.zone, machineTypeFor(merged.Resources))),
		},
	})
	if err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "set machine type for %s", id)
	}
	if err := op.Wait(ctx); err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "wait for machine type change %s", id)
	}

	var updated *instance.Instance
	if wasRunning {
		updated, err = p.StartInstance(ctx, id)
	} else {
		updated, err = p.observe(ctx, client, id, current)
	}
	if err != nil {
		return nil, err
	}
	updated.Config = merged
	updated.Resources.Requested = merged.Resources
	return updated, nil
}

func (p *GCEProvider) ExecuteCommand(ctx context.Context, id string, command []string) (*instance.CommandResult, error) {
	if p.runner == nil {
		return nil, instance.Errf(instance.ErrCapabilityUnsupported, "gce provider has no command runner configured")
	}

	inst, err := p.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != instance.StatusRunning {
		return nil, instance.Errf(instance.ErrInvalidState, "instance %s is %s, cannot exec", id, inst.Status)
	}
	if inst.Network.ExternalAddress == "" {
		return nil, instance.Errf(instance.ErrProviderFailure, "instance %s has no external address", id)
	}
	return p.runner.Run(ctx, inst.Network.ExternalAddress, command)
}

// GetInstanceLogs returns the VM serial console output. Following is not
// supported on this back-end.
func (p *GCEProvider) GetInstanceLogs(ctx context.Context, id string, opts instance.LogOptions) (*instance.InstanceLogs, error) {
	if opts.Follow {
		return nil, instance.Errf(instance.ErrCapabilityUnsupported, "gce provider cannot follow logs")
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "compute client")
	}
	defer client.Close()

	out, err := client.GetSerialPortOutput(ctx, &computepb.GetSerialPortOutputInstanceRequest{
		Project:  p.project,
		Zone:     p.zone,
		Instance: p.vmName(id),
		Port:     proto.Int32(1),
	})
	if err != nil {
		if isGCENotFound(err) {
			return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on gce", id)
		}
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "serial output for %s", id)
	}

	content := out.GetContents()
	if opts.Lines > 0 {
		content = tailLines(content, opts.Lines)
	}
	return &instance.InstanceLogs{InstanceID: id, Content: content}, nil
}

// Helpers

func (p *GCEProvider) vmName(id string) string { return "devswarm-" + id }

// buildStartupScript boots the workspace image under Docker on the COS
// host via instance metadata.
func (p *GCEProvider) buildStartupScript(cfg instance.InstanceConfig) string {
	port := cfg.EditorPort
	if port == 0 {
		port = defaultEditorPort
	}

	var envFlags strings.Builder
	for k, v := range cfg.Env {
		fmt.Fprintf(&envFlags, " -e %s", shellQuote(fmt.Sprintf("%s=%s", k, v)))
	}
	if len(cfg.Extensions) > 0 {
		fmt.Fprintf(&envFlags, " -e %s", shellQuote("EDITOR_EXTENSIONS="+strings.Join(cfg.Extensions, ",")))
	}

	return fmt.Sprintf(`#!/bin/bash
set -e
logger -t devswarm-startup "startup script for workspace %s"

iptables -A INPUT -p tcp --dport %d -j ACCEPT

while ! docker info > /dev/null 2>&1; do sleep 1; done

docker volume create workspace-data 2>/dev/null || true
docker rm -f workspace 2>/dev/null || true
docker run -d \
    --name workspace \
    --restart unless-stopped \
    -p %d:%d \
    -v workspace-data:/workspace \
    -e WORKSPACE_DIR=/workspace \
    -e TERM=xterm-256color%s \
    %s

logger -t devswarm-startup "workspace container started"
`, cfg.Name, port, port, port, envFlags.String(), shellQuote(cfg.Image))
}

// machineTypeFor maps a resource request onto the smallest standard
// machine type that covers it.
func machineTypeFor(r instance.ResourceSpec) string {
	cores := r.CPUCores
	if mem := float64(r.MemoryMB) / 4096; mem > cores {
		cores = mem
	}
	switch {
	case cores <= 1:
		return "e2-small"
	case cores <= 2:
		return "e2-standard-2"
	case cores <= 4:
		return "e2-standard-4"
	case cores <= 8:
		return "e2-standard-8"
	default:
		return "e2-standard-16"
	}
}

func gceStatus(s string) instance.Status {
	switch s {
	case "PROVISIONING", "STAGING":
		return instance.StatusCreating
	case "RUNNING":
		return instance.StatusRunning
	case "STOPPING", "SUSPENDING", "SUSPENDED", "TERMINATED":
		return instance.StatusStopped
	default:
		return instance.StatusFailed
	}
}

func isGCENotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "notFound")
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}
