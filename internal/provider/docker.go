package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"github.com/devswarm/backend/internal/instance"
)

const (
	labelManaged  = "devswarm.managed"
	labelInstance = "devswarm.instance"
	labelName     = "devswarm.name"

	defaultEditorPort = 8080
	dockerNetwork     = "devswarm"
)

// DockerProvider runs workspace instances as containers on a local Docker
// daemon. The Docker API client is injected so tests can substitute one.
type DockerProvider struct {
	cli     client.APIClient
	network string
	log     *logrus.Entry
}

// NewDockerProvider connects to the daemon configured by the environment.
// An empty network name uses the default bridge network.
func NewDockerProvider(network string) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return NewDockerProviderWithClient(cli, network), nil
}

// NewDockerProviderWithClient wires an explicit API client.
func NewDockerProviderWithClient(cli client.APIClient, network string) *DockerProvider {
	if network == "" {
		network = dockerNetwork
	}
	return &DockerProvider{
		cli:     cli,
		network: network,
		log:     logrus.WithField("provider", instance.ProviderDocker),
	}
}

func (d *DockerProvider) Type() instance.ProviderType { return instance.ProviderDocker }

func (d *DockerProvider) Capabilities() instance.ProviderCapabilities {
	return instance.ProviderCapabilities{
		ProviderType:       instance.ProviderDocker,
		CanCreateInstances: true,
		CanStartStop:       true,
		CanExec:            true,
		CanFollowLogs:      true,
		CanLiveResize:      false,
		CanSnapshot:        true,
		MaxResources:       instance.ResourceSpec{CPUCores: 16, MemoryMB: 65536, DiskGB: 512},
	}
}

// Initialize pings the daemon and ensures the shared workspace network
// exists. Unreachable daemon is fatal for this back-end.
func (d *DockerProvider) Initialize(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return instance.WrapErr(instance.ErrProviderFailure, err, "docker daemon unreachable")
	}
	return d.ensureNetwork(ctx)
}

func (d *DockerProvider) CreateInstance(ctx context.Context, cfg instance.InstanceConfig) (*instance.Instance, error) {
	if err := ValidateConfig(cfg, d.Capabilities()); err != nil {
		return nil, err
	}

	inst := instance.New(instance.ProviderDocker, cfg)
	created, err := d.provision(ctx, inst)
	if err != nil {
		inst.Status = instance.StatusFailed
		inst.Error = err.Error()
		inst.Touch()
		return inst, instance.WrapErr(instance.ErrProviderFailure, err, "create instance %s", inst.ID)
	}
	return created, nil
}

// provision creates and starts the container plus its workspace volume.
func (d *DockerProvider) provision(ctx context.Context, inst *instance.Instance) (*instance.Instance, error) {
	cfg := inst.Config
	name := containerName(inst.ID)

	if cfg.WorkspacePath == "" {
		if err := d.ensureVolume(ctx, volumeName(inst.ID), inst.ID); err != nil {
			return nil, fmt.Errorf("ensure volume: %w", err)
		}
	}

	id, err := d.createContainer(ctx, inst, name)
	if err != nil {
		return nil, err
	}

	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	d.log.WithFields(logrus.Fields{"instance_id": inst.ID, "container": id[:12]}).Info("container started")
	return d.observe(ctx, inst.ID, inst)
}

// createContainer creates the container, pulling the image first if the
// daemon does not have it.
func (d *DockerProvider) createContainer(ctx context.Context, inst *instance.Instance, name string) (string, error) {
	cfg := inst.Config
	editorPort := cfg.EditorPort
	if editorPort == 0 {
		editorPort = defaultEditorPort
	}
	port := nat.Port(fmt.Sprintf("%d/tcp", editorPort))

	env := []string{
		"WORKSPACE_DIR=/workspace",
		"TERM=xterm-256color",
		fmt.Sprintf("EDITOR_PORT=%d", editorPort),
		fmt.Sprintf("INSTANCE_ID=%s", inst.ID),
	}
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	if len(cfg.Extensions) > 0 {
		env = append(env, "EDITOR_EXTENSIONS="+strings.Join(cfg.Extensions, ","))
	}
	if cfg.SSH.PublicKey != "" {
		env = append(env, "AUTHORIZED_KEYS="+cfg.SSH.PublicKey)
	}

	var mounts []mount.Mount
	if cfg.WorkspacePath != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: cfg.WorkspacePath, Target: "/workspace"})
	} else {
		mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: volumeName(inst.ID), Target: "/workspace"})
	}

	netName := cfg.NetworkMode
	if netName == "" {
		netName = d.network
	}

	containerCfg := &container.Config{
		Image:    cfg.Image,
		Hostname: cfg.Name,
		Env:      env,
		Labels: map[string]string{
			labelManaged:  "true",
			labelInstance: inst.ID,
			labelName:     cfg.Name,
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		Mounts:        mounts,
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		PortBindings: nat.PortMap{
			// Empty host port lets the daemon pick a free one.
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		Resources: container.Resources{
			NanoCPUs: int64(cfg.Resources.CPUCores * 1e9),
			Memory:   int64(cfg.Resources.MemoryMB) * 1024 * 1024,
		},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{netName: {}},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, name)
	if err == nil {
		return resp.ID, nil
	}
	if !client.IsErrNotFound(err) {
		return "", fmt.Errorf("create container: %w", err)
	}

	// Image missing locally: pull and retry once.
	r, perr := d.cli.ImagePull(ctx, cfg.Image, types.ImagePullOptions{})
	if perr != nil {
		return "", fmt.Errorf("pull image %s: %w", cfg.Image, perr)
	}
	io.Copy(io.Discard, r)
	r.Close()

	resp, err = d.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container after pull: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerProvider) GetInstance(ctx context.Context, id string) (*instance.Instance, error) {
	return d.observe(ctx, id, nil)
}

// observe inspects the container and builds the current record. When base
// is non-nil its identity and config are preserved; otherwise the record
// is reconstructed from container labels.
func (d *DockerProvider) observe(ctx context.Context, id string, base *instance.Instance) (*instance.Instance, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerName(id))
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on docker", id)
		}
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "inspect instance %s", id)
	}

	inst := base
	if inst == nil {
		inst = &instance.Instance{
			ID:           id,
			Name:         inspect.Config.Labels[labelName],
			ProviderType: instance.ProviderDocker,
			Config: instance.InstanceConfig{
				Name:  inspect.Config.Labels[labelName],
				Image: inspect.Config.Image,
			},
			Metadata: map[string]string{},
		}
		if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
			inst.CreatedAt = created
		}
	}

	inst.ProviderInstanceID = inspect.ID
	inst.Status = dockerStatus(inspect.State.Status)
	if inst.Metadata == nil {
		inst.Metadata = map[string]string{}
	}
	inst.Metadata["container_id"] = inspect.ID

	net := instance.NetworkInfo{}
	if inspect.NetworkSettings != nil {
		for _, ep := range inspect.NetworkSettings.Networks {
			if ep.IPAddress != "" {
				net.InternalAddress = ep.IPAddress
				break
			}
		}
		for port, bindings := range inspect.NetworkSettings.Ports {
			for _, b := range bindings {
				hostPort, _ := strconv.Atoi(b.HostPort)
				net.Ports = append(net.Ports, instance.PortMapping{
					InstancePort: port.Int(),
					HostPort:     hostPort,
					Protocol:     port.Proto(),
				})
				if net.AccessURL == "" && hostPort != 0 {
					net.AccessURL = fmt.Sprintf("http://localhost:%d", hostPort)
				}
			}
		}
	}
	inst.Network = net
	inst.Touch()
	return inst, nil
}

func (d *DockerProvider) ListInstances(ctx context.Context, filter instance.Filter) ([]*instance.Instance, error) {
	args := filters.NewArgs()
	args.Add("label", labelManaged+"=true")

	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{Filters: args, All: true})
	if err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "list containers")
	}

	var out []*instance.Instance
	for _, c := range containers {
		id := c.Labels[labelInstance]
		if id == "" {
			continue
		}
		inst, err := d.observe(ctx, id, nil)
		if err != nil {
			// Racing removal; skip.
			continue
		}
		out = append(out, inst)
	}
	return filter.Apply(out), nil
}

func (d *DockerProvider) StartInstance(ctx context.Context, id string) (*instance.Instance, error) {
	if err := d.cli.ContainerStart(ctx, containerName(id), types.ContainerStartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on docker", id)
		}
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "start instance %s", id)
	}
	return d.observe(ctx, id, nil)
}

func (d *DockerProvider) StopInstance(ctx context.Context, id string, force bool) (*instance.Instance, error) {
	opts := container.StopOptions{}
	if force {
		zero := 0
		opts.Timeout = &zero
	}
	if err := d.cli.ContainerStop(ctx, containerName(id), opts); err != nil {
		if client.IsErrNotFound(err) {
			return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on docker", id)
		}
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "stop instance %s", id)
	}
	return d.observe(ctx, id, nil)
}

func (d *DockerProvider) DeleteInstance(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, containerName(id), types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return instance.WrapErr(instance.ErrProviderFailure, err, "remove instance %s", id)
	}
	// Workspace volume goes with the instance.
	if err := d.cli.VolumeRemove(ctx, volumeName(id), true); err != nil && !client.IsErrNotFound(err) {
		d.log.WithField("instance_id", id).WithError(err).Warn("workspace volume removal failed")
	}
	return nil
}

// UpdateInstance cannot live-resize a container, so it stops and recreates
// with the merged config, keeping the instance id and workspace volume,
// and restarts only if the instance was running before.
func (d *DockerProvider) UpdateInstance(ctx context.Context, id string, partial instance.InstanceConfig) (*instance.Instance, error) {
	current, err := d.observe(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	wasRunning := current.Status == instance.StatusRunning

	merged := MergeConfig(current.Config, partial)
	if err := ValidateConfig(merged, d.Capabilities()); err != nil {
		return nil, err
	}

	stopOpts := container.StopOptions{}
	if err := d.cli.ContainerStop(ctx, containerName(id), stopOpts); err != nil && !client.IsErrNotFound(err) {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "stop for update %s", id)
	}
	if err := d.cli.ContainerRemove(ctx, containerName(id), types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "remove for update %s", id)
	}

	current.Config = merged
	current.Resources.Requested = merged.Resources
	if _, err := d.createContainer(ctx, current, containerName(id)); err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "recreate for update %s", id)
	}
	if wasRunning {
		if err := d.cli.ContainerStart(ctx, containerName(id), types.ContainerStartOptions{}); err != nil {
			return nil, instance.WrapErr(instance.ErrProviderFailure, err, "restart after update %s", id)
		}
	}
	return d.observe(ctx, id, current)
}

func (d *DockerProvider) ExecuteCommand(ctx context.Context, id string, command []string) (*instance.CommandResult, error) {
	execCfg := types.ExecConfig{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := d.cli.ContainerExecCreate(ctx, containerName(id), execCfg)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on docker", id)
		}
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "exec create on %s", id)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "exec attach on %s", id)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "exec read on %s", id)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "exec inspect on %s", id)
	}

	return &instance.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (d *DockerProvider) GetInstanceLogs(ctx context.Context, id string, opts instance.LogOptions) (*instance.InstanceLogs, error) {
	logOpts := types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
	}
	if opts.Lines > 0 {
		logOpts.Tail = strconv.Itoa(opts.Lines)
	}
	if !opts.Since.IsZero() {
		logOpts.Since = opts.Since.Format(time.RFC3339)
	}

	rc, err := d.cli.ContainerLogs(ctx, containerName(id), logOpts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, instance.Errf(instance.ErrNotFound, "instance %s not found on docker", id)
		}
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "logs for %s", id)
	}

	if opts.Follow {
		// Demultiplex into a single stream the caller can read until close.
		pr, pw := io.Pipe()
		go func() {
			_, err := stdcopy.StdCopy(pw, pw, rc)
			pw.CloseWithError(err)
			rc.Close()
		}()
		return &instance.InstanceLogs{InstanceID: id, Stream: pr}, nil
	}

	defer rc.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "read logs for %s", id)
	}
	content := stdout.String()
	if stderr.Len() > 0 {
		content += stderr.String()
	}
	return &instance.InstanceLogs{InstanceID: id, Content: content}, nil
}

// Helpers

func (d *DockerProvider) ensureNetwork(ctx context.Context) error {
	_, err := d.cli.NetworkInspect(ctx, d.network, types.NetworkInspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return instance.WrapErr(instance.ErrProviderFailure, err, "inspect network %s", d.network)
	}
	_, err = d.cli.NetworkCreate(ctx, d.network, types.NetworkCreate{
		Driver: "bridge",
		Labels: map[string]string{labelManaged: "true"},
	})
	if err != nil {
		return instance.WrapErr(instance.ErrProviderFailure, err, "create network %s", d.network)
	}
	return nil
}

func (d *DockerProvider) ensureVolume(ctx context.Context, name, instanceID string) error {
	_, err := d.cli.VolumeInspect(ctx, name)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return err
	}
	_, err = d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name: name,
		Labels: map[string]string{
			labelManaged:  "true",
			labelInstance: instanceID,
		},
	})
	return err
}

func containerName(id string) string { return "devswarm-" + id }

func volumeName(id string) string { return "devswarm-" + id + "-workspace" }

func dockerStatus(state string) instance.Status {
	switch state {
	case "running", "restarting":
		return instance.StatusRunning
	case "created", "exited", "paused":
		return instance.StatusStopped
	case "removing":
		return instance.StatusDeleting
	case "dead":
		return instance.StatusFailed
	default:
		return instance.StatusFailed
	}
}
