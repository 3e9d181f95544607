package swarm

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/devswarm/backend/internal/instance"
	"github.com/devswarm/backend/internal/migration"
	"github.com/devswarm/backend/internal/provider"
	"github.com/devswarm/backend/internal/registry"
)

var (
	providerLocal  = instance.ProviderType("local")
	providerRemote = instance.ProviderType("remote")
)

func setupControllerWith(t *testing.T, providers map[instance.ProviderType]provider.Provider) (*Controller, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "devswarm_swarm_test_*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpFile.Close()

	db, err := registry.Open(tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("Failed to open database: %v", err)
	}
	reg, err := registry.NewSQLiteRegistry(db)
	if err != nil {
		t.Fatalf("Failed to initialize registry: %v", err)
	}
	store, err := migration.NewSQLitePlanStore(db)
	if err != nil {
		t.Fatalf("Failed to initialize plan store: %v", err)
	}

	ctrl := New(reg, store, providers)
	cleanup := func() {
		db.Close()
		os.Remove(tmpFile.Name())
	}
	return ctrl, cleanup
}

func setupController(t *testing.T) (*Controller, *provider.MockProvider, *provider.MockProvider, func()) {
	t.Helper()

	local := provider.NewMockProvider(providerLocal)
	remote := provider.NewMockProvider(providerRemote)
	ctrl, cleanup := setupControllerWith(t, map[instance.ProviderType]provider.Provider{
		providerLocal:  local,
		providerRemote: remote,
	})
	return ctrl, local, remote, cleanup
}

func wsConfig(name string) instance.InstanceConfig {
	return instance.InstanceConfig{
		Name:      name,
		Image:     "devswarm/workspace:latest",
		Resources: instance.ResourceSpec{CPUCores: 2, MemoryMB: 4096},
	}
}

func TestControllerCreateRoutesAndRegisters(t *testing.T) {
	ctrl, local, _, cleanup := setupController(t)
	defer cleanup()
	ctx := context.Background()

	inst, err := ctrl.CreateInstance(ctx, providerLocal, wsConfig("ws-a"))
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if inst.ProviderType != providerLocal {
		t.Errorf("ProviderType = %s, want local", inst.ProviderType)
	}

	// Registered in the registry and present at the provider.
	got, err := ctrl.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.Status != instance.StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
	if _, err := local.GetInstance(ctx, inst.ID); err != nil {
		t.Errorf("instance missing at provider: %v", err)
	}

	if _, err := ctrl.CreateInstance(ctx, instance.ProviderType("nope"), wsConfig("ws-b")); !instance.IsNotFound(err) {
		t.Errorf("CreateInstance(unknown provider) = %v, want NOT_FOUND", err)
	}
}

func TestControllerFailedCreateStillRegistered(t *testing.T) {
	ctrl, local, _, cleanup := setupController(t)
	defer cleanup()
	ctx := context.Background()

	local.FailCreate = errors.New("quota exceeded")
	inst, err := ctrl.CreateInstance(ctx, providerLocal, wsConfig("ws-broken"))
	if err == nil {
		t.Fatal("CreateInstance() error = nil, want failure")
	}
	if inst == nil {
		t.Fatal("CreateInstance() returned no record for the failed instance")
	}

	got, err := ctrl.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.Status != instance.StatusFailed || got.Error == "" {
		t.Errorf("failed instance = %+v, want registered as failed with error", got)
	}
}

func TestControllerLifecycleRoundTrip(t *testing.T) {
	ctrl, _, _, cleanup := setupController(t)
	defer cleanup()
	ctx := context.Background()

	inst, err := ctrl.CreateInstance(ctx, providerLocal, wsConfig("ws-life"))
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	stopped, err := ctrl.StopInstance(ctx, inst.ID, false)
	if err != nil {
		t.Fatalf("StopInstance() error = %v", err)
	}
	if stopped.Status != instance.StatusStopped {
		t.Errorf("Status = %s, want stopped", stopped.Status)
	}
	// The registry copy tracks the change.
	got, _ := ctrl.GetInstance(ctx, inst.ID)
	if got.Status != instance.StatusStopped {
		t.Errorf("registry status = %s, want stopped", got.Status)
	}

	started, err := ctrl.StartInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("StartInstance() error = %v", err)
	}
	if started.Status != instance.StatusRunning {
		t.Errorf("Status = %s, want running", started.Status)
	}

	updated, err := ctrl.UpdateInstance(ctx, inst.ID, instance.InstanceConfig{
		Resources: instance.ResourceSpec{MemoryMB: 8192},
	})
	if err != nil {
		t.Fatalf("UpdateInstance() error = %v", err)
	}
	if updated.Config.Resources.MemoryMB != 8192 {
		t.Errorf("updated memory = %d, want 8192", updated.Config.Resources.MemoryMB)
	}
	if updated.ID != inst.ID {
		t.Errorf("update changed the instance id: %s", updated.ID)
	}

	if err := ctrl.DeleteInstance(ctx, inst.ID); err != nil {
		t.Fatalf("DeleteInstance() error = %v", err)
	}
	if _, err := ctrl.GetInstance(ctx, inst.ID); !instance.IsNotFound(err) {
		t.Errorf("GetInstance() after delete = %v, want NOT_FOUND", err)
	}
}

// observedOnlyProvider reports start/stop results the way the real
// back-ends do: rebuilt from runtime state alone, with no creation recipe
// attached.
type observedOnlyProvider struct {
	*provider.MockProvider
}

func (p *observedOnlyProvider) StartInstance(ctx context.Context, id string) (*instance.Instance, error) {
	inst, err := p.MockProvider.StartInstance(ctx, id)
	return bareRecord(inst), err
}

func (p *observedOnlyProvider) StopInstance(ctx context.Context, id string, force bool) (*instance.Instance, error) {
	inst, err := p.MockProvider.StopInstance(ctx, id, force)
	return bareRecord(inst), err
}

func bareRecord(inst *instance.Instance) *instance.Instance {
	if inst == nil {
		return nil
	}
	return &instance.Instance{
		ID:                 inst.ID,
		Name:               inst.Name,
		ProviderType:       inst.ProviderType,
		Status:             inst.Status,
		Network:            inst.Network,
		ProviderInstanceID: inst.ProviderInstanceID,
		Resources:          instance.Resources{Used: inst.Resources.Used},
	}
}

func TestControllerStartStopPreservesConfig(t *testing.T) {
	mock := provider.NewMockProvider(providerLocal)
	ctrl, cleanup := setupControllerWith(t, map[instance.ProviderType]provider.Provider{
		providerLocal: &observedOnlyProvider{MockProvider: mock},
	})
	defer cleanup()
	ctx := context.Background()

	cfg := wsConfig("ws-keep")
	cfg.WorkspacePath = "/srv/code"
	cfg.Env = map[string]string{"TERM": "xterm"}
	inst, err := ctrl.CreateInstance(ctx, providerLocal, cfg)
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	if _, err := ctrl.StopInstance(ctx, inst.ID, false); err != nil {
		t.Fatalf("StopInstance() error = %v", err)
	}
	if _, err := ctrl.StartInstance(ctx, inst.ID); err != nil {
		t.Fatalf("StartInstance() error = %v", err)
	}

	got, err := ctrl.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.Status != instance.StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
	if got.Config.WorkspacePath != "/srv/code" {
		t.Errorf("WorkspacePath = %q, start/stop must not rewrite the config", got.Config.WorkspacePath)
	}
	if got.Config.Env["TERM"] != "xterm" {
		t.Errorf("Env = %v, start/stop must not rewrite the config", got.Config.Env)
	}
	if got.Resources.Requested.CPUCores != 2 || got.Resources.Requested.MemoryMB != 4096 {
		t.Errorf("Requested = %+v, start/stop must not rewrite requested resources", got.Resources.Requested)
	}
}

func TestControllerOperationsOnUnknownInstance(t *testing.T) {
	ctrl, _, _, cleanup := setupController(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := ctrl.StartInstance(ctx, "inst-missing"); !instance.IsNotFound(err) {
		t.Errorf("StartInstance() = %v, want NOT_FOUND", err)
	}
	if _, err := ctrl.StopInstance(ctx, "inst-missing", false); !instance.IsNotFound(err) {
		t.Errorf("StopInstance() = %v, want NOT_FOUND", err)
	}
	if err := ctrl.DeleteInstance(ctx, "inst-missing"); !instance.IsNotFound(err) {
		t.Errorf("DeleteInstance() = %v, want NOT_FOUND", err)
	}
	if _, err := ctrl.ExecuteCommand(ctx, "inst-missing", []string{"true"}); !instance.IsNotFound(err) {
		t.Errorf("ExecuteCommand() = %v, want NOT_FOUND", err)
	}
}

func TestControllerListFiltersByProvider(t *testing.T) {
	ctrl, _, _, cleanup := setupController(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := ctrl.CreateInstance(ctx, providerLocal, wsConfig("ws-1")); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if _, err := ctrl.CreateInstance(ctx, providerLocal, wsConfig("ws-2")); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if _, err := ctrl.CreateInstance(ctx, providerRemote, wsConfig("ws-3")); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	local, err := ctrl.ListInstances(ctx, instance.Filter{Providers: []instance.ProviderType{providerLocal}})
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(local) != 2 {
		t.Errorf("ListInstances(local) = %d, want 2", len(local))
	}
}

func TestControllerMigrationDelegation(t *testing.T) {
	ctrl, _, _, cleanup := setupController(t)
	defer cleanup()
	ctx := context.Background()

	inst, err := ctrl.CreateInstance(ctx, providerLocal, wsConfig("ws-mig"))
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	planned := ctrl.PlanMigration(ctx, migration.PlanRequest{
		SourceInstanceID:   inst.ID,
		TargetProviderType: providerRemote,
		StartTarget:        true,
	})
	if !planned.Success {
		t.Fatalf("PlanMigration() = %+v", planned)
	}

	res := ctrl.StartMigration(ctx, planned.Plan.ID)
	if !res.Success || res.Plan.Status != migration.PlanCompleted {
		t.Fatalf("StartMigration() = %+v, want completed", res)
	}

	got, err := ctrl.MigrationStatus(planned.Plan.ID)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if got.Status != migration.PlanCompleted {
		t.Errorf("plan status = %s, want completed", got.Status)
	}

	migrated, err := ctrl.GetInstance(ctx, res.Plan.TargetInstanceID)
	if err != nil {
		t.Fatalf("GetInstance(target) error = %v", err)
	}
	if migrated.ProviderType != providerRemote {
		t.Errorf("target provider = %s, want remote", migrated.ProviderType)
	}

	plans, err := ctrl.ListMigrations("")
	if err != nil {
		t.Fatalf("ListMigrations() error = %v", err)
	}
	if len(plans) != 1 {
		t.Errorf("ListMigrations() = %d, want 1", len(plans))
	}
}

func TestControllerSummary(t *testing.T) {
	ctrl, _, _, cleanup := setupController(t)
	defer cleanup()
	ctx := context.Background()

	a, _ := ctrl.CreateInstance(ctx, providerLocal, wsConfig("ws-1"))
	if _, err := ctrl.CreateInstance(ctx, providerLocal, wsConfig("ws-2")); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if _, err := ctrl.CreateInstance(ctx, providerRemote, wsConfig("ws-3")); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if _, err := ctrl.StopInstance(ctx, a.ID, false); err != nil {
		t.Fatalf("StopInstance() error = %v", err)
	}

	sum, err := ctrl.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if sum.TotalInstances != 3 {
		t.Errorf("TotalInstances = %d, want 3", sum.TotalInstances)
	}
	if sum.ByStatus[instance.StatusRunning] != 2 || sum.ByStatus[instance.StatusStopped] != 1 {
		t.Errorf("ByStatus = %v", sum.ByStatus)
	}
	if sum.ByProvider[providerLocal] != 2 || sum.ByProvider[providerRemote] != 1 {
		t.Errorf("ByProvider = %v", sum.ByProvider)
	}
	if sum.Resources.CPUCores != 6 || sum.Resources.MemoryMB != 12288 {
		t.Errorf("Resources = %+v, want totals over all instances", sum.Resources)
	}
}
