package migration

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/devswarm/backend/internal/instance"
	"github.com/devswarm/backend/internal/provider"
	"github.com/devswarm/backend/internal/registry"
)

var (
	providerLocal  = instance.ProviderType("local")
	providerRemote = instance.ProviderType("remote")
)

type testEnv struct {
	mgr   *Manager
	reg   *registry.SQLiteRegistry
	store *SQLitePlanStore
	src   *provider.MockProvider
	tgt   *provider.MockProvider
}

func setupManager(t *testing.T) (*testEnv, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "devswarm_migration_test_*.db")
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
	store, err := NewSQLitePlanStore(db)
	if err != nil {
		t.Fatalf("Failed to initialize plan store: %v", err)
	}

	src := provider.NewMockProvider(providerLocal)
	tgt := provider.NewMockProvider(providerRemote)
	providers := map[instance.ProviderType]provider.Provider{
		providerLocal:  src,
		providerRemote: tgt,
	}
	mgr := NewManager(store, reg, providers, instance.NewKeyedMutex())

	env := &testEnv{mgr: mgr, reg: reg, store: store, src: src, tgt: tgt}
	cleanup := func() {
		db.Close()
		os.Remove(tmpFile.Name())
	}
	return env, cleanup
}

// createSource provisions an instance on the source provider and registers
// it, the same way the controller does for a direct create.
func (e *testEnv) createSource(t *testing.T) *instance.Instance {
	t.Helper()
	inst, err := e.src.CreateInstance(context.Background(), instance.InstanceConfig{
		Name:          "ws-migrate",
		Image:         "devswarm/workspace:latest",
		WorkspacePath: "/workspace",
		Env:           map[string]string{"TERM": "xterm"},
	})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if err := e.reg.Register(inst); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return inst
}

func TestGenerateSteps(t *testing.T) {
	tests := []struct {
		strategy Strategy
		want     []string
	}{
		{StrategyStopThenRecreate, []string{
			StepPrepare, StepValidateSource, StepValidateTargetProvider,
			StepStopSource, StepExportSourceConfig, StepCreateTarget,
			StepStartTarget, StepVerifyTarget, StepCleanupSource, StepComplete,
		}},
		{StrategyCreateThenStop, []string{
			StepPrepare, StepValidateSource, StepValidateTargetProvider,
			StepExportSourceConfig, StepCreateTarget, StepStartTarget,
			StepVerifyTarget, StepStopSource, StepCleanupSource, StepComplete,
		}},
		{StrategyExportImport, []string{
			StepPrepare, StepValidateSource, StepValidateTargetProvider,
			StepExportWorkspace, StepStopSource, StepExportSourceConfig,
			StepCreateTarget, StepImportWorkspace, StepStartTarget,
			StepVerifyTarget, StepCleanupSource, StepComplete,
		}},
	}
	for _, tc := range tests {
		t.Run(string(tc.strategy), func(t *testing.T) {
			steps := GenerateSteps(tc.strategy)
			if len(steps) != len(tc.want) {
				t.Fatalf("GenerateSteps() = %d steps, want %d", len(steps), len(tc.want))
			}
			for i, name := range tc.want {
				if steps[i].Name != name {
					t.Errorf("step[%d] = %s, want %s", i, steps[i].Name, name)
				}
				if steps[i].Status != StepPending {
					t.Errorf("step[%d] status = %s, want pending", i, steps[i].Status)
				}
			}
		})
	}
}

func TestCreatePlanValidation(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	res := env.mgr.CreatePlan(ctx, PlanRequest{SourceInstanceID: "inst-missing", TargetProviderType: providerRemote})
	if res.Success || res.Code != instance.ErrNotFound {
		t.Errorf("CreatePlan(missing source) = %+v, want NOT_FOUND failure", res)
	}

	src := env.createSource(t)

	res = env.mgr.CreatePlan(ctx, PlanRequest{SourceInstanceID: src.ID, TargetProviderType: instance.ProviderType("nope")})
	if res.Success || res.Code != instance.ErrNotFound {
		t.Errorf("CreatePlan(unknown target) = %+v, want NOT_FOUND failure", res)
	}

	res = env.mgr.CreatePlan(ctx, PlanRequest{SourceInstanceID: src.ID, TargetProviderType: providerRemote, Strategy: "teleport"})
	if res.Success || res.Code != instance.ErrInvalidState {
		t.Errorf("CreatePlan(bad strategy) = %+v, want INVALID_STATE failure", res)
	}

	res = env.mgr.CreatePlan(ctx, PlanRequest{SourceInstanceID: src.ID, TargetProviderType: providerRemote})
	if !res.Success {
		t.Fatalf("CreatePlan() = %+v, want success", res)
	}
	if res.Plan.Strategy != StrategyStopThenRecreate {
		t.Errorf("default strategy = %s, want stop-then-recreate", res.Plan.Strategy)
	}
	if res.Plan.TimeoutSeconds != int(DefaultTimeout/time.Second) {
		t.Errorf("default timeout = %d, want %d", res.Plan.TimeoutSeconds, int(DefaultTimeout/time.Second))
	}
	if res.Plan.Status != PlanPending {
		t.Errorf("new plan status = %s, want pending", res.Plan.Status)
	}
}

func TestMigrationFullSuccess(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()
	src := env.createSource(t)

	created := env.mgr.CreatePlan(ctx, PlanRequest{
		SourceInstanceID:   src.ID,
		TargetProviderType: providerRemote,
		StartTarget:        true,
	})
	if !created.Success {
		t.Fatalf("CreatePlan() = %+v", created)
	}

	res := env.mgr.StartPlan(ctx, created.Plan.ID)
	if !res.Success {
		t.Fatalf("StartPlan() = %+v, want success", res)
	}
	plan := res.Plan
	if plan.Status != PlanCompleted {
		t.Fatalf("plan status = %s, want completed", plan.Status)
	}
	if plan.CompletedAt == nil {
		t.Error("CompletedAt not set on completed plan")
	}
	for _, step := range plan.Steps {
		if step.Status != StepCompleted && step.Status != StepSkipped {
			t.Errorf("step %s = %s, want completed or skipped", step.Name, step.Status)
		}
	}

	// Source is gone from both the provider and the registry.
	if _, err := env.src.GetInstance(ctx, src.ID); !instance.IsNotFound(err) {
		t.Errorf("source still on provider after migration: %v", err)
	}
	gone, err := env.reg.Get(src.ID)
	if err != nil || gone != nil {
		t.Errorf("source still registered after migration: %v %v", gone, err)
	}

	// Target exists, owned by the remote provider, running.
	if plan.TargetInstanceID == "" {
		t.Fatal("TargetInstanceID not set")
	}
	tgt, err := env.reg.Get(plan.TargetInstanceID)
	if err != nil || tgt == nil {
		t.Fatalf("target not registered: %v %v", tgt, err)
	}
	if tgt.ProviderType != providerRemote {
		t.Errorf("target provider = %s, want remote", tgt.ProviderType)
	}
	if tgt.Status != instance.StatusRunning {
		t.Errorf("target status = %s, want running", tgt.Status)
	}
	if tgt.Config.Env["TERM"] != "xterm" {
		t.Errorf("target config not derived from source: %+v", tgt.Config)
	}
}

func TestMigrationKeepSource(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()
	src := env.createSource(t)

	created := env.mgr.CreatePlan(ctx, PlanRequest{
		SourceInstanceID:   src.ID,
		TargetProviderType: providerRemote,
		KeepSource:         true,
		StartTarget:        true,
	})
	res := env.mgr.StartPlan(ctx, created.Plan.ID)
	if !res.Success || res.Plan.Status != PlanCompleted {
		t.Fatalf("StartPlan() = %+v, want completed", res)
	}

	// Both instances remain registered and running.
	kept, err := env.reg.Get(src.ID)
	if err != nil || kept == nil {
		t.Fatalf("kept source missing: %v %v", kept, err)
	}
	if kept.Status != instance.StatusRunning {
		t.Errorf("kept source status = %s, want running", kept.Status)
	}
	tgt, err := env.reg.Get(res.Plan.TargetInstanceID)
	if err != nil || tgt == nil || tgt.Status != instance.StatusRunning {
		t.Fatalf("target = %+v (%v), want registered and running", tgt, err)
	}

	// stop_source and cleanup_source were skipped, not executed.
	for _, step := range res.Plan.Steps {
		if step.Name == StepStopSource || step.Name == StepCleanupSource {
			if step.Status != StepSkipped {
				t.Errorf("step %s = %s, want skipped", step.Name, step.Status)
			}
		}
	}
}

func TestMigrationUnsupportedTarget(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()
	src := env.createSource(t)

	env.tgt.SetCapabilities(instance.ProviderCapabilities{CanCreateInstances: false})

	// Plan creation does not pre-flight capabilities.
	created := env.mgr.CreatePlan(ctx, PlanRequest{SourceInstanceID: src.ID, TargetProviderType: providerRemote})
	if !created.Success {
		t.Fatalf("CreatePlan() = %+v, want success", created)
	}

	res := env.mgr.StartPlan(ctx, created.Plan.ID)
	if res.Success {
		t.Fatal("StartPlan() succeeded against a provider that cannot create instances")
	}
	if res.Code != instance.ErrCapabilityUnsupported {
		t.Errorf("result code = %s, want CAPABILITY_UNSUPPORTED", res.Code)
	}
	if res.Plan.Status != PlanFailed {
		t.Errorf("plan status = %s, want failed", res.Plan.Status)
	}

	// The source was never touched: stop_source was not reached.
	for _, step := range res.Plan.Steps {
		switch step.Name {
		case StepValidateTargetProvider:
			if step.Status != StepFailed {
				t.Errorf("validate_target_provider = %s, want failed", step.Status)
			}
		case StepStopSource, StepCleanupSource:
			if step.Status != StepPending {
				t.Errorf("step %s = %s, want pending", step.Name, step.Status)
			}
		}
	}
	onProv, err := env.src.GetInstance(ctx, src.ID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if onProv.Status != instance.StatusRunning {
		t.Errorf("source status = %s, want running (untouched)", onProv.Status)
	}
}

func TestMigrationNoSilentLossOnStartFailure(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()
	src := env.createSource(t)

	env.tgt.FailStart = errors.New("start refused")

	created := env.mgr.CreatePlan(ctx, PlanRequest{
		SourceInstanceID:   src.ID,
		TargetProviderType: providerRemote,
		StartTarget:        true,
	})
	res := env.mgr.StartPlan(ctx, created.Plan.ID)
	if res.Success {
		t.Fatal("StartPlan() succeeded despite start failure")
	}
	plan := res.Plan
	if plan.Status != PlanFailed {
		t.Fatalf("plan status = %s, want failed", plan.Status)
	}
	if !strings.Contains(plan.Error, StepStartTarget) {
		t.Errorf("plan error %q does not name the failing step", plan.Error)
	}

	// The created target is not rolled back: it stays registered with its
	// id recorded on the plan.
	if plan.TargetInstanceID == "" {
		t.Fatal("TargetInstanceID not set despite create_target succeeding")
	}
	tgt, err := env.reg.Get(plan.TargetInstanceID)
	if err != nil || tgt == nil {
		t.Fatalf("target deregistered after failure: %v %v", tgt, err)
	}

	// Later steps were never attempted.
	for _, step := range plan.Steps {
		if step.Name == StepVerifyTarget || step.Name == StepCleanupSource || step.Name == StepComplete {
			if step.Status != StepPending {
				t.Errorf("step %s = %s, want pending", step.Name, step.Status)
			}
		}
	}
	// Source was stopped but never deleted.
	if srcRec, _ := env.reg.Get(src.ID); srcRec == nil || srcRec.Status != instance.StatusStopped {
		t.Errorf("source = %+v, want registered and stopped", srcRec)
	}
}

func TestMigrationIdempotentResume(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()
	src := env.createSource(t)

	env.src.ExecResults = map[string]*instance.CommandResult{
		"sh": {Stdout: "RkFLRUFSQ0hJVkU=\n", ExitCode: 0},
	}

	created := env.mgr.CreatePlan(ctx, PlanRequest{
		SourceInstanceID:   src.ID,
		TargetProviderType: providerRemote,
		Strategy:           StrategyExportImport,
		StartTarget:        true,
	})
	if !created.Success {
		t.Fatalf("CreatePlan() = %+v", created)
	}

	// Simulate a crash mid-way: the first four steps completed (workspace
	// already exported), stop_source was interrupted in flight.
	plan := created.Plan
	plan.Status = PlanInProgress
	plan.ExpiresAt = time.Now().UTC().Add(5 * time.Minute)
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		plan.Steps[i].Status = StepCompleted
		plan.Steps[i].StartedAt = &now
		plan.Steps[i].CompletedAt = &now
	}
	plan.Steps[4].Status = StepInProgress
	plan.Steps[4].StartedAt = &now
	plan.CurrentStepIndex = 4
	plan.WorkspaceArchive = "RkFLRUFSQ0hJVkU="
	if err := env.store.Save(plan); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	res := env.mgr.StartPlan(ctx, plan.ID)
	if !res.Success || res.Plan.Status != PlanCompleted {
		t.Fatalf("StartPlan() = %+v, want completed", res)
	}

	// export_workspace was not re-executed: the source saw no commands.
	if len(env.src.Executed) != 0 {
		t.Errorf("source executed %v, want none (completed steps must not re-run)", env.src.Executed)
	}
	// The interrupted stop_source was re-executed.
	for _, step := range res.Plan.Steps {
		if step.Name == StepStopSource && step.Status != StepCompleted {
			t.Errorf("stop_source = %s, want completed after resume", step.Status)
		}
	}
	// import_workspace ran on the target with the persisted archive.
	if len(env.tgt.Executed) != 1 {
		t.Fatalf("target executed %d commands, want 1", len(env.tgt.Executed))
	}
	importCmd := strings.Join(env.tgt.Executed[0], " ")
	if !strings.Contains(importCmd, "RkFLRUFSQ0hJVkU=") {
		t.Errorf("import command %q does not carry the exported archive", importCmd)
	}
	if gone, _ := env.reg.Get(src.ID); gone != nil {
		t.Errorf("source still registered after resumed migration: %+v", gone)
	}
}

func TestMigrationStepOrdering(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()
	src := env.createSource(t)

	created := env.mgr.CreatePlan(ctx, PlanRequest{
		SourceInstanceID:   src.ID,
		TargetProviderType: providerRemote,
		StartTarget:        true,
	})
	res := env.mgr.StartPlan(ctx, created.Plan.ID)
	if !res.Success {
		t.Fatalf("StartPlan() = %+v", res)
	}

	steps := res.Plan.Steps
	for i := 1; i < len(steps); i++ {
		if steps[i].StartedAt == nil || steps[i-1].CompletedAt == nil {
			t.Fatalf("step %s missing timestamps", steps[i].Name)
		}
		if steps[i].StartedAt.Before(*steps[i-1].CompletedAt) {
			t.Errorf("step %s started before %s completed", steps[i].Name, steps[i-1].Name)
		}
	}
}

func TestMigrationResumeExpiredPlanTimesOut(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()
	src := env.createSource(t)

	created := env.mgr.CreatePlan(ctx, PlanRequest{SourceInstanceID: src.ID, TargetProviderType: providerRemote})
	plan := created.Plan
	plan.Status = PlanInProgress
	plan.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := env.store.Save(plan); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	res := env.mgr.StartPlan(ctx, plan.ID)
	if res.Success {
		t.Fatal("StartPlan() succeeded on an expired plan")
	}
	if res.Code != instance.ErrTimeout {
		t.Errorf("result code = %s, want TIMEOUT", res.Code)
	}
	if res.Plan.Status != PlanTimedOut {
		t.Errorf("plan status = %s, want timed_out", res.Plan.Status)
	}
	// Nothing executed.
	for _, step := range res.Plan.Steps {
		if step.Status != StepPending {
			t.Errorf("step %s = %s, want pending", step.Name, step.Status)
		}
	}
}

func TestMigrationTimeoutPrecedence(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()
	src := env.createSource(t)

	created := env.mgr.CreatePlan(ctx, PlanRequest{SourceInstanceID: src.ID, TargetProviderType: providerRemote})
	plan := created.Plan
	plan.Status = PlanInProgress
	plan.ExpiresAt = time.Now().UTC().Add(time.Minute)
	if err := env.store.Save(plan); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// The timer only flips InProgress plans; once terminal, a late fire is
	// a no-op.
	env.mgr.expire(plan.ID, plan.SourceInstanceID)
	got, err := env.mgr.GetPlan(plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if got.Status != PlanTimedOut {
		t.Fatalf("plan status = %s, want timed_out after expire", got.Status)
	}

	env.mgr.expire(plan.ID, plan.SourceInstanceID)
	got, _ = env.mgr.GetPlan(plan.ID)
	if got.Status != PlanTimedOut {
		t.Errorf("second expire changed status to %s", got.Status)
	}

	// A timed-out plan cannot be (re)started.
	res := env.mgr.StartPlan(ctx, plan.ID)
	if res.Success || res.Code != instance.ErrInvalidState {
		t.Errorf("StartPlan(timed out) = %+v, want INVALID_STATE failure", res)
	}
}

func TestMigrationCancel(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()
	src := env.createSource(t)

	created := env.mgr.CreatePlan(ctx, PlanRequest{SourceInstanceID: src.ID, TargetProviderType: providerRemote})
	plan := created.Plan

	// Cancel is only legal from InProgress.
	res := env.mgr.CancelPlan(ctx, plan.ID)
	if res.Success || res.Code != instance.ErrInvalidState {
		t.Errorf("CancelPlan(pending) = %+v, want INVALID_STATE failure", res)
	}

	plan.Status = PlanInProgress
	plan.ExpiresAt = time.Now().UTC().Add(time.Minute)
	if err := env.store.Save(plan); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	res = env.mgr.CancelPlan(ctx, plan.ID)
	if !res.Success {
		t.Fatalf("CancelPlan() = %+v, want success", res)
	}
	if res.Plan.Status != PlanCancelled {
		t.Errorf("plan status = %s, want cancelled", res.Plan.Status)
	}
	if step := res.Plan.CurrentStep(); step == nil || step.Status != StepSkipped {
		t.Errorf("current step = %+v, want skipped", step)
	}

	res = env.mgr.CancelPlan(ctx, plan.ID)
	if res.Success || res.Code != instance.ErrInvalidState {
		t.Errorf("CancelPlan(cancelled) = %+v, want INVALID_STATE failure", res)
	}
}

func TestMigrationResumeOnStartup(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()

	// One resumable plan, one already expired, one terminal.
	srcA := env.createSource(t)
	createdA := env.mgr.CreatePlan(ctx, PlanRequest{SourceInstanceID: srcA.ID, TargetProviderType: providerRemote, StartTarget: true})
	planA := createdA.Plan
	planA.Status = PlanInProgress
	planA.ExpiresAt = time.Now().UTC().Add(5 * time.Minute)
	if err := env.store.Save(planA); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	srcB := env.createSource(t)
	createdB := env.mgr.CreatePlan(ctx, PlanRequest{SourceInstanceID: srcB.ID, TargetProviderType: providerRemote})
	planB := createdB.Plan
	planB.Status = PlanInProgress
	planB.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := env.store.Save(planB); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	srcC := env.createSource(t)
	createdC := env.mgr.CreatePlan(ctx, PlanRequest{SourceInstanceID: srcC.ID, TargetProviderType: providerRemote})
	planC := createdC.Plan
	planC.Status = PlanCompleted
	if err := env.store.Save(planC); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	results, err := env.mgr.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Resume() = %d results, want 2 (terminal plans are not resumed)", len(results))
	}

	gotA, _ := env.mgr.GetPlan(planA.ID)
	if gotA.Status != PlanCompleted {
		t.Errorf("resumable plan status = %s, want completed", gotA.Status)
	}
	gotB, _ := env.mgr.GetPlan(planB.ID)
	if gotB.Status != PlanTimedOut {
		t.Errorf("expired plan status = %s, want timed_out", gotB.Status)
	}
	gotC, _ := env.mgr.GetPlan(planC.ID)
	if gotC.Status != PlanCompleted {
		t.Errorf("terminal plan was disturbed: %s", gotC.Status)
	}
}

func TestMigrationDoubleStartRejected(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()
	src := env.createSource(t)

	created := env.mgr.CreatePlan(ctx, PlanRequest{SourceInstanceID: src.ID, TargetProviderType: providerRemote})
	res := env.mgr.StartPlan(ctx, created.Plan.ID)
	if !res.Success {
		t.Fatalf("StartPlan() = %+v", res)
	}

	res = env.mgr.StartPlan(ctx, created.Plan.ID)
	if res.Success || res.Code != instance.ErrInvalidState {
		t.Errorf("StartPlan(completed) = %+v, want INVALID_STATE failure", res)
	}
}

func TestMigrationExportImportCarriesWorkspace(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()
	src := env.createSource(t)

	env.src.ExecResults = map[string]*instance.CommandResult{
		"sh": {Stdout: "QVJDSElWRQ==\n", ExitCode: 0},
	}

	created := env.mgr.CreatePlan(ctx, PlanRequest{
		SourceInstanceID:   src.ID,
		TargetProviderType: providerRemote,
		Strategy:           StrategyExportImport,
		StartTarget:        true,
	})
	res := env.mgr.StartPlan(ctx, created.Plan.ID)
	if !res.Success || res.Plan.Status != PlanCompleted {
		t.Fatalf("StartPlan() = %+v, want completed", res)
	}
	if res.Plan.WorkspaceArchive != "QVJDSElWRQ==" {
		t.Errorf("WorkspaceArchive = %q, want exported stdout", res.Plan.WorkspaceArchive)
	}

	if len(env.src.Executed) != 1 || !strings.Contains(strings.Join(env.src.Executed[0], " "), "tar -czf") {
		t.Errorf("source export command = %v", env.src.Executed)
	}
	if len(env.tgt.Executed) != 1 || !strings.Contains(strings.Join(env.tgt.Executed[0], " "), "QVJDSElWRQ==") {
		t.Errorf("target import command = %v", env.tgt.Executed)
	}
}

// vanishingPlanStore hands out the plan once and then reports it gone,
// the way an out-of-band prune can land between two reads.
type vanishingPlanStore struct {
	PlanStore
	id    string
	reads int
}

func (s *vanishingPlanStore) Get(id string) (*MigrationPlan, error) {
	if id == s.id {
		s.reads++
		if s.reads > 1 {
			return nil, nil
		}
	}
	return s.PlanStore.Get(id)
}

func TestMigrationPlanPrunedMidOperation(t *testing.T) {
	env, cleanup := setupManager(t)
	defer cleanup()
	ctx := context.Background()
	src := env.createSource(t)

	created := env.mgr.CreatePlan(ctx, PlanRequest{
		SourceInstanceID:   src.ID,
		TargetProviderType: providerRemote,
	})
	if !created.Success {
		t.Fatalf("CreatePlan() = %+v", created)
	}
	providers := map[instance.ProviderType]provider.Provider{
		providerLocal:  env.src,
		providerRemote: env.tgt,
	}

	mgr := NewManager(&vanishingPlanStore{PlanStore: env.store, id: created.Plan.ID}, env.reg, providers, instance.NewKeyedMutex())
	res := mgr.StartPlan(ctx, created.Plan.ID)
	if res.Success || res.Code != instance.ErrNotFound {
		t.Errorf("StartPlan(pruned) = %+v, want NOT_FOUND failure", res)
	}

	mgr = NewManager(&vanishingPlanStore{PlanStore: env.store, id: created.Plan.ID}, env.reg, providers, instance.NewKeyedMutex())
	res = mgr.CancelPlan(ctx, created.Plan.ID)
	if res.Success || res.Code != instance.ErrNotFound {
		t.Errorf("CancelPlan(pruned) = %+v, want NOT_FOUND failure", res)
	}
}
