package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devswarm/backend/internal/instance"
	"github.com/devswarm/backend/internal/provider"
	"github.com/devswarm/backend/internal/registry"
)

// DefaultTimeout bounds a plan's execution when the caller does not set
// one explicitly.
const DefaultTimeout = 10 * time.Minute

// errSkipStep is returned by a step action when the step does not apply
// to this plan (keep-source cleanup, start of a target that should stay
// stopped). The step is recorded as Skipped, not Completed.
var errSkipStep = errors.New("step skipped")

// Manager drives migration plans to completion. Each plan executes in the
// task that called StartPlan; distinct plans run independently, while all
// work against one source instance is serialized through the shared
// per-instance mutex.
type Manager struct {
	store     PlanStore
	registry  registry.Registry
	providers map[instance.ProviderType]provider.Provider
	locks     *instance.KeyedMutex
	log       *logrus.Entry

	mu      sync.Mutex
	running map[string]bool
	timers  map[string]*time.Timer
}

// NewManager wires the manager to the plan store, registry and provider
// set. The keyed mutex is shared with the controller so a migration and a
// direct stop/delete against the same instance never interleave.
func NewManager(store PlanStore, reg registry.Registry, providers map[instance.ProviderType]provider.Provider, locks *instance.KeyedMutex) *Manager {
	return &Manager{
		store:     store,
		registry:  reg,
		providers: providers,
		locks:     locks,
		log:       logrus.WithField("component", "migration"),
		running:   make(map[string]bool),
		timers:    make(map[string]*time.Timer),
	}
}

// CreatePlan resolves the source instance and both providers, generates
// the step list for the strategy and persists the plan as Pending. No
// capability pre-flight happens here; an unsupported target fails later at
// validate_target_provider.
func (m *Manager) CreatePlan(ctx context.Context, req PlanRequest) *MigrationResult {
	src, err := m.registry.Get(req.SourceInstanceID)
	if err != nil {
		return failure(nil, instance.CodeOf(err), err.Error())
	}
	if src == nil {
		return failure(nil, instance.ErrNotFound, fmt.Sprintf("source instance %s not found", req.SourceInstanceID))
	}
	if _, ok := m.providers[src.ProviderType]; !ok {
		return failure(nil, instance.ErrNotFound, fmt.Sprintf("source provider %s not registered", src.ProviderType))
	}
	if _, ok := m.providers[req.TargetProviderType]; !ok {
		return failure(nil, instance.ErrNotFound, fmt.Sprintf("target provider %s not registered", req.TargetProviderType))
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyStopThenRecreate
	}
	if !ValidStrategy(strategy) {
		return failure(nil, instance.ErrInvalidState, fmt.Sprintf("unknown migration strategy %q", strategy))
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = int(DefaultTimeout / time.Second)
	}

	plan := &MigrationPlan{
		ID:                 instance.NewID("mig"),
		SourceInstanceID:   src.ID,
		SourceProviderType: src.ProviderType,
		TargetProviderType: req.TargetProviderType,
		Strategy:           strategy,
		KeepSource:         req.KeepSource,
		StartTarget:        req.StartTarget,
		TimeoutSeconds:     timeout,
		CreatedAt:          time.Now().UTC(),
		Steps:              GenerateSteps(strategy),
		Status:             PlanPending,
	}
	if err := m.store.Save(plan); err != nil {
		return failure(nil, instance.CodeOf(err), err.Error())
	}

	m.log.WithFields(logrus.Fields{
		"plan_id":     plan.ID,
		"instance_id": plan.SourceInstanceID,
		"target":      plan.TargetProviderType,
		"strategy":    plan.Strategy,
	}).Info("migration plan created")
	return success(plan)
}

// GetPlan returns the persisted plan or a NOT_FOUND error.
func (m *Manager) GetPlan(id string) (*MigrationPlan, error) {
	plan, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, instance.Errf(instance.ErrNotFound, "migration plan %s not found", id)
	}
	return plan, nil
}

// ListPlans returns plans with the given status, or all plans when status
// is empty.
func (m *Manager) ListPlans(status PlanStatus) ([]*MigrationPlan, error) {
	return m.store.List(status)
}

// StartPlan begins (or resumes) a plan and drives it to a terminal status.
// The call blocks until the plan finishes; callers wanting background
// execution run it in their own goroutine. Legal from Pending and from
// resumable InProgress; anything else is INVALID_STATE.
func (m *Manager) StartPlan(ctx context.Context, id string) *MigrationResult {
	m.mu.Lock()
	if m.running[id] {
		m.mu.Unlock()
		return failure(nil, instance.ErrInvalidState, fmt.Sprintf("plan %s is already executing", id))
	}
	m.running[id] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, id)
		m.mu.Unlock()
	}()

	plan, res := m.begin(id)
	if res != nil {
		return res
	}
	return m.run(ctx, plan.ID, plan.SourceInstanceID)
}

// begin transitions the plan into InProgress under the source lock and
// arms its timeout timer. For a resumed plan the timer is re-armed with
// the time remaining until the original expiry, and any step left
// InProgress by a crash is reset to Pending for re-execution.
func (m *Manager) begin(id string) (*MigrationPlan, *MigrationResult) {
	peek, err := m.store.Get(id)
	if err != nil {
		return nil, failure(nil, instance.CodeOf(err), err.Error())
	}
	if peek == nil {
		return nil, failure(nil, instance.ErrNotFound, fmt.Sprintf("migration plan %s not found", id))
	}

	m.locks.Lock(peek.SourceInstanceID)
	defer m.locks.Unlock(peek.SourceInstanceID)

	plan, err := m.store.Get(id)
	if err != nil {
		return nil, failure(nil, instance.CodeOf(err), err.Error())
	}
	// The plan can be pruned out of band between the peek and the locked
	// read.
	if plan == nil {
		return nil, failure(nil, instance.ErrNotFound, fmt.Sprintf("migration plan %s not found", id))
	}
	now := time.Now().UTC()

	switch plan.Status {
	case PlanPending:
		plan.Status = PlanInProgress
		plan.ExpiresAt = now.Add(time.Duration(plan.TimeoutSeconds) * time.Second)
		if err := m.store.Save(plan); err != nil {
			return nil, failure(plan, instance.CodeOf(err), err.Error())
		}
		m.armTimer(plan.ID, plan.SourceInstanceID, plan.ExpiresAt.Sub(now))
		m.log.WithFields(logrus.Fields{"plan_id": plan.ID, "instance_id": plan.SourceInstanceID}).Info("migration started")
		return plan, nil

	case PlanInProgress:
		if !now.Before(plan.ExpiresAt) {
			plan.Status = PlanTimedOut
			plan.Error = "migration timed out"
			if err := m.store.Save(plan); err != nil {
				return nil, failure(plan, instance.CodeOf(err), err.Error())
			}
			return nil, failure(plan, instance.ErrTimeout, plan.Error)
		}
		for i := range plan.Steps {
			if plan.Steps[i].Status == StepInProgress {
				plan.Steps[i].Status = StepPending
				plan.Steps[i].StartedAt = nil
			}
		}
		if err := m.store.Save(plan); err != nil {
			return nil, failure(plan, instance.CodeOf(err), err.Error())
		}
		m.armTimer(plan.ID, plan.SourceInstanceID, time.Until(plan.ExpiresAt))
		m.log.WithFields(logrus.Fields{"plan_id": plan.ID, "step_index": plan.CurrentStepIndex}).Info("migration resumed")
		return plan, nil

	default:
		return nil, failure(plan, instance.ErrInvalidState, fmt.Sprintf("plan %s is %s, cannot start", id, plan.Status))
	}
}

// run executes steps in index order. Each iteration re-reads the plan
// under the source lock, so a cancel or timeout that landed between steps
// is observed before any further work, and a crash at any point leaves a
// durable record the next resume can pick up.
func (m *Manager) run(ctx context.Context, planID, sourceID string) *MigrationResult {
	for {
		m.locks.Lock(sourceID)

		plan, err := m.store.Get(planID)
		if err != nil {
			m.locks.Unlock(sourceID)
			return failure(nil, instance.CodeOf(err), err.Error())
		}
		if plan == nil {
			m.locks.Unlock(sourceID)
			return failure(nil, instance.ErrNotFound, fmt.Sprintf("migration plan %s not found", planID))
		}
		if plan.Status != PlanInProgress {
			m.locks.Unlock(sourceID)
			return m.terminalResult(plan)
		}

		if plan.CurrentStepIndex >= len(plan.Steps) {
			now := time.Now().UTC()
			plan.Status = PlanCompleted
			plan.CompletedAt = &now
			if err := m.store.Save(plan); err != nil {
				m.locks.Unlock(sourceID)
				return failure(plan, instance.CodeOf(err), err.Error())
			}
			m.clearTimer(planID)
			m.locks.Unlock(sourceID)
			m.log.WithFields(logrus.Fields{"plan_id": plan.ID, "target_instance_id": plan.TargetInstanceID}).Info("migration completed")
			return success(plan)
		}

		step := &plan.Steps[plan.CurrentStepIndex]
		if step.Status == StepCompleted || step.Status == StepSkipped {
			plan.CurrentStepIndex++
			if err := m.store.Save(plan); err != nil {
				m.locks.Unlock(sourceID)
				return failure(plan, instance.CodeOf(err), err.Error())
			}
			m.locks.Unlock(sourceID)
			continue
		}

		started := time.Now().UTC()
		step.Status = StepInProgress
		step.StartedAt = &started
		step.Error = ""
		if err := m.store.Save(plan); err != nil {
			m.clearTimer(planID)
			m.locks.Unlock(sourceID)
			return failure(plan, instance.CodeOf(err), err.Error())
		}

		log := m.log.WithFields(logrus.Fields{"plan_id": plan.ID, "step": step.Name})
		log.Info("step started")
		actErr := m.runStep(ctx, plan, step.Name)
		done := time.Now().UTC()
		step.CompletedAt = &done

		if actErr != nil && actErr != errSkipStep {
			step.Status = StepFailed
			step.Error = actErr.Error()
			plan.Status = PlanFailed
			plan.Error = fmt.Sprintf("step %s failed: %v", step.Name, actErr)
			if err := m.store.Save(plan); err != nil {
				log.WithError(err).Error("failed to persist failed plan")
			}
			m.clearTimer(planID)
			m.locks.Unlock(sourceID)
			log.WithError(actErr).Error("step failed")
			return failure(plan, instance.CodeOf(actErr), plan.Error)
		}

		if actErr == errSkipStep {
			step.Status = StepSkipped
			log.Info("step skipped")
		} else {
			step.Status = StepCompleted
			log.Info("step completed")
		}
		plan.CurrentStepIndex++
		if err := m.store.Save(plan); err != nil {
			// The durable copy still shows this step InProgress, so the
			// next resume resets it to Pending and re-executes it rather
			// than silently continuing past an unrecorded transition.
			m.clearTimer(planID)
			m.locks.Unlock(sourceID)
			return failure(plan, instance.CodeOf(err), err.Error())
		}
		m.locks.Unlock(sourceID)
	}
}

// CancelPlan stops an InProgress plan. The current step is marked Skipped;
// the execution loop observes the Cancelled status before attempting any
// further step.
func (m *Manager) CancelPlan(ctx context.Context, id string) *MigrationResult {
	peek, err := m.store.Get(id)
	if err != nil {
		return failure(nil, instance.CodeOf(err), err.Error())
	}
	if peek == nil {
		return failure(nil, instance.ErrNotFound, fmt.Sprintf("migration plan %s not found", id))
	}

	m.locks.Lock(peek.SourceInstanceID)
	defer m.locks.Unlock(peek.SourceInstanceID)

	plan, err := m.store.Get(id)
	if err != nil {
		return failure(nil, instance.CodeOf(err), err.Error())
	}
	if plan == nil {
		return failure(nil, instance.ErrNotFound, fmt.Sprintf("migration plan %s not found", id))
	}
	if plan.Status != PlanInProgress {
		return failure(plan, instance.ErrInvalidState, fmt.Sprintf("plan %s is %s, cannot cancel", id, plan.Status))
	}

	plan.Status = PlanCancelled
	plan.Error = "migration cancelled"
	if step := plan.CurrentStep(); step != nil && step.Status != StepCompleted {
		now := time.Now().UTC()
		step.Status = StepSkipped
		step.CompletedAt = &now
	}
	if err := m.store.Save(plan); err != nil {
		return failure(plan, instance.CodeOf(err), err.Error())
	}
	m.clearTimer(id)
	m.log.WithField("plan_id", id).Info("migration cancelled")
	return success(plan)
}

// Resume loads every InProgress plan and drives each to a terminal
// status, plans already past their expiry being marked TimedOut without
// executing anything. Plans run concurrently; the call returns once all
// have finished.
func (m *Manager) Resume(ctx context.Context) ([]*MigrationResult, error) {
	plans, err := m.store.List(PlanInProgress)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, nil
	}
	m.log.WithField("count", len(plans)).Info("resuming unfinished migrations")

	results := make([]*MigrationResult, len(plans))
	var wg sync.WaitGroup
	for i, plan := range plans {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = m.StartPlan(ctx, id)
		}(i, plan.ID)
	}
	wg.Wait()
	return results, nil
}

// terminalResult translates a plan that reached a terminal status outside
// the normal step flow (cancel, timeout) into the caller-facing result.
func (m *Manager) terminalResult(plan *MigrationPlan) *MigrationResult {
	switch plan.Status {
	case PlanCompleted:
		return success(plan)
	case PlanTimedOut:
		return failure(plan, instance.ErrTimeout, "migration timed out")
	case PlanCancelled:
		return failure(plan, instance.ErrInvalidState, "migration cancelled")
	default:
		return failure(plan, instance.ErrProviderFailure, plan.Error)
	}
}

func (m *Manager) armTimer(planID, sourceID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[planID]; ok {
		t.Stop()
	}
	m.timers[planID] = time.AfterFunc(d, func() { m.expire(planID, sourceID) })
}

func (m *Manager) clearTimer(planID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[planID]; ok {
		t.Stop()
		delete(m.timers, planID)
	}
}

// expire flips an InProgress plan to TimedOut. It only changes status; an
// in-flight provider call is not aborted, and once the plan is terminal
// any late step completion is discarded by the execution loop.
func (m *Manager) expire(planID, sourceID string) {
	m.locks.Lock(sourceID)
	defer m.locks.Unlock(sourceID)

	plan, err := m.store.Get(planID)
	if err != nil || plan == nil {
		return
	}
	if plan.Status != PlanInProgress {
		return
	}
	plan.Status = PlanTimedOut
	plan.Error = "migration timed out"
	if err := m.store.Save(plan); err != nil {
		m.log.WithField("plan_id", planID).WithError(err).Error("failed to persist timed-out plan")
		return
	}
	m.log.WithField("plan_id", planID).Warn("migration timed out")

	m.mu.Lock()
	delete(m.timers, planID)
	m.mu.Unlock()
}

// runStep dispatches one step action. Actions mutate the plan (target id,
// config snapshot, workspace archive); the caller persists it afterwards.
func (m *Manager) runStep(ctx context.Context, plan *MigrationPlan, name string) error {
	srcProv, ok := m.providers[plan.SourceProviderType]
	if !ok {
		return instance.Errf(instance.ErrNotFound, "source provider %s not registered", plan.SourceProviderType)
	}
	tgtProv, ok := m.providers[plan.TargetProviderType]
	if !ok {
		return instance.Errf(instance.ErrNotFound, "target provider %s not registered", plan.TargetProviderType)
	}

	switch name {
	case StepPrepare, StepComplete:
		return nil

	case StepValidateSource:
		_, err := srcProv.GetInstance(ctx, plan.SourceInstanceID)
		return err

	case StepValidateTargetProvider:
		caps := tgtProv.Capabilities()
		if !caps.CanCreateInstances {
			return instance.Errf(instance.ErrCapabilityUnsupported, "target provider %s cannot create instances", plan.TargetProviderType)
		}
		return nil

	case StepExportWorkspace:
		return m.exportWorkspace(ctx, plan, srcProv)

	case StepStopSource:
		return m.stopSource(ctx, plan, srcProv)

	case StepExportSourceConfig:
		rec, err := m.registry.Get(plan.SourceInstanceID)
		if err != nil {
			return err
		}
		if rec == nil {
			return instance.Errf(instance.ErrNotFound, "source instance %s missing from registry", plan.SourceInstanceID)
		}
		cfg := rec.Config.Clone()
		plan.SourceConfig = &cfg
		return nil

	case StepCreateTarget:
		return m.createTarget(ctx, plan, tgtProv)

	case StepImportWorkspace:
		return m.importWorkspace(ctx, plan, tgtProv)

	case StepStartTarget:
		if !plan.StartTarget {
			return errSkipStep
		}
		if plan.TargetInstanceID == "" {
			return instance.Errf(instance.ErrInvalidState, "no target instance to start")
		}
		started, err := tgtProv.StartInstance(ctx, plan.TargetInstanceID)
		if err != nil {
			return err
		}
		return m.syncRegistry(started)

	case StepVerifyTarget:
		if plan.TargetInstanceID == "" {
			return instance.Errf(instance.ErrInvalidState, "no target instance to verify")
		}
		tgt, err := tgtProv.GetInstance(ctx, plan.TargetInstanceID)
		if err != nil {
			return err
		}
		if plan.StartTarget && tgt.Status != instance.StatusRunning {
			return instance.Errf(instance.ErrInvalidState, "target instance %s is %s, expected running", tgt.ID, tgt.Status)
		}
		return m.syncRegistry(tgt)

	case StepCleanupSource:
		if plan.KeepSource {
			return errSkipStep
		}
		if err := srcProv.DeleteInstance(ctx, plan.SourceInstanceID); err != nil && !instance.IsNotFound(err) {
			return err
		}
		return m.registry.Remove(plan.SourceInstanceID)

	default:
		return instance.Errf(instance.ErrInvalidState, "unknown migration step %q", name)
	}
}

// stopSource is idempotent: a source already stopped (by an earlier
// attempt of this step, or out of band) is left alone. A kept source is
// not stopped at all — it stays running alongside the new target.
func (m *Manager) stopSource(ctx context.Context, plan *MigrationPlan, srcProv provider.Provider) error {
	if plan.KeepSource {
		return errSkipStep
	}
	src, err := srcProv.GetInstance(ctx, plan.SourceInstanceID)
	if err != nil {
		return err
	}
	if src.Status == instance.StatusStopped {
		return m.syncRegistry(src)
	}
	stopped, err := srcProv.StopInstance(ctx, plan.SourceInstanceID, false)
	if err != nil {
		return err
	}
	return m.syncRegistry(stopped)
}

// createTarget provisions the target from the snapshotted source config.
// The new instance is registered before the step completes, so a crash
// right after provisioning never leaves an unregistered target behind.
func (m *Manager) createTarget(ctx context.Context, plan *MigrationPlan, tgtProv provider.Provider) error {
	if plan.SourceConfig == nil {
		return instance.Errf(instance.ErrInvalidState, "source config was not exported")
	}
	cfg := plan.SourceConfig.Clone()

	tgt, createErr := tgtProv.CreateInstance(ctx, cfg)
	if tgt != nil {
		plan.TargetInstanceID = tgt.ID
		if err := m.registry.Register(tgt); err != nil {
			return err
		}
	}
	return createErr
}

func (m *Manager) exportWorkspace(ctx context.Context, plan *MigrationPlan, srcProv provider.Provider) error {
	rec, err := m.registry.Get(plan.SourceInstanceID)
	if err != nil {
		return err
	}
	if rec == nil {
		return instance.Errf(instance.ErrNotFound, "source instance %s missing from registry", plan.SourceInstanceID)
	}
	dir := workspaceDir(rec.Config)

	res, err := srcProv.ExecuteCommand(ctx, plan.SourceInstanceID,
		[]string{"sh", "-c", fmt.Sprintf("tar -czf - -C %s . | base64", dir)})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return instance.Errf(instance.ErrProviderFailure, "workspace export exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	plan.WorkspaceArchive = strings.TrimSpace(res.Stdout)
	return nil
}

func (m *Manager) importWorkspace(ctx context.Context, plan *MigrationPlan, tgtProv provider.Provider) error {
	if plan.WorkspaceArchive == "" {
		return errSkipStep
	}
	if plan.TargetInstanceID == "" {
		return instance.Errf(instance.ErrInvalidState, "no target instance to import into")
	}
	dir := "/workspace"
	if plan.SourceConfig != nil {
		dir = workspaceDir(*plan.SourceConfig)
	}

	res, err := tgtProv.ExecuteCommand(ctx, plan.TargetInstanceID,
		[]string{"sh", "-c", fmt.Sprintf("mkdir -p %s && echo %s | base64 -d | tar -xzf - -C %s", dir, plan.WorkspaceArchive, dir)})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return instance.Errf(instance.ErrProviderFailure, "workspace import exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func workspaceDir(cfg instance.InstanceConfig) string {
	if cfg.WorkspacePath != "" {
		return cfg.WorkspacePath
	}
	return "/workspace"
}

// syncRegistry folds a provider-observed record back into the registry
// copy, which stays the source of truth for everything the provider does
// not own (config, metadata, creation time).
func (m *Manager) syncRegistry(observed *instance.Instance) error {
	rec, err := m.registry.Get(observed.ID)
	if err != nil {
		return err
	}
	if rec == nil {
		return m.registry.Register(observed)
	}
	rec.Status = observed.Status
	rec.Network = observed.Network
	rec.Resources.Used = observed.Resources.Used
	rec.ProviderInstanceID = observed.ProviderInstanceID
	rec.Touch()
	return m.registry.Register(rec)
}
