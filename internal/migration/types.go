// Package migration implements the resumable migration workflow: durable
// plans made of ordered steps, a SQLite plan store, and a manager that
// drives plans to completion and picks unfinished ones back up after a
// restart.
package migration

import (
	"time"

	"github.com/devswarm/backend/internal/instance"
)

// Strategy is the ordering policy for create/stop operations during a
// migration.
type Strategy string

const (
	// StrategyStopThenRecreate stops the source before creating the target.
	// Minimal resource overlap, longest downtime.
	StrategyStopThenRecreate Strategy = "stop-then-recreate"
	// StrategyCreateThenStop creates and verifies the target before the
	// source stops. Shortest downtime, both instances run briefly.
	StrategyCreateThenStop Strategy = "create-then-stop"
	// StrategyExportImport additionally carries the workspace contents
	// across by archiving them on the source and unpacking on the target.
	StrategyExportImport Strategy = "export-import"
)

// PlanStatus is the overall state of a migration plan.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanInProgress PlanStatus = "in_progress"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanCancelled  PlanStatus = "cancelled"
	PlanTimedOut   PlanStatus = "timed_out"
)

// Terminal reports whether no further step may execute.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanCancelled, PlanTimedOut:
		return true
	}
	return false
}

// StepStatus is the state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Step names. The manager dispatches on these; they are stable identifiers
// persisted inside plans.
const (
	StepPrepare                = "prepare"
	StepValidateSource         = "validate_source"
	StepValidateTargetProvider = "validate_target_provider"
	StepExportWorkspace        = "export_workspace"
	StepStopSource             = "stop_source"
	StepExportSourceConfig     = "export_source_config"
	StepCreateTarget           = "create_target"
	StepImportWorkspace        = "import_workspace"
	StepStartTarget            = "start_target"
	StepVerifyTarget           = "verify_target"
	StepCleanupSource          = "cleanup_source"
	StepComplete               = "complete"
)

// MigrationStep is one sub-operation of a plan. Steps are generated at
// plan creation and never reordered afterward.
type MigrationStep struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// MigrationPlan is the persisted unit of migration work. It is created
// once, then mutated only by the manager; CurrentStepIndex only advances
// after the step at that index reaches a terminal status.
type MigrationPlan struct {
	ID                 string                `json:"id"`
	SourceInstanceID   string                `json:"source_instance_id"`
	SourceProviderType instance.ProviderType `json:"source_provider_type"`
	TargetProviderType instance.ProviderType `json:"target_provider_type"`
	Strategy           Strategy              `json:"strategy"`
	KeepSource         bool                  `json:"keep_source"`
	StartTarget        bool                  `json:"start_target"`
	TimeoutSeconds     int                   `json:"timeout_seconds"`
	CreatedAt          time.Time             `json:"created_at"`
	ExpiresAt          time.Time             `json:"expires_at,omitempty"`
	Steps              []MigrationStep       `json:"steps"`
	CurrentStepIndex   int                   `json:"current_step_index"`
	Status             PlanStatus            `json:"status"`
	TargetInstanceID   string                `json:"target_instance_id,omitempty"`
	Error              string                `json:"error,omitempty"`
	CompletedAt        *time.Time            `json:"completed_at,omitempty"`

	// SourceConfig is the snapshot taken by export_source_config; the
	// target is created from a copy of it.
	SourceConfig *instance.InstanceConfig `json:"source_config,omitempty"`

	// WorkspaceArchive is the base64 tarball produced by export_workspace.
	// Persisted with the plan so a crash between export and import does not
	// lose the workspace contents.
	WorkspaceArchive string `json:"workspace_archive,omitempty"`
}

// CurrentStep returns the step at CurrentStepIndex, or nil past the end.
func (p *MigrationPlan) CurrentStep() *MigrationStep {
	if p.CurrentStepIndex < 0 || p.CurrentStepIndex >= len(p.Steps) {
		return nil
	}
	return &p.Steps[p.CurrentStepIndex]
}

// PlanRequest is the caller's input to CreatePlan.
type PlanRequest struct {
	SourceInstanceID   string                `json:"source_instance_id"`
	TargetProviderType instance.ProviderType `json:"target_provider_type"`
	Strategy           Strategy              `json:"strategy,omitempty"`
	KeepSource         bool                  `json:"keep_source,omitempty"`
	StartTarget        bool                  `json:"start_target,omitempty"`
	TimeoutSeconds     int                   `json:"timeout_seconds,omitempty"`
}

// MigrationResult is the structured outcome of every plan-mutating
// operation. Step and provider failures are reported here, never raised
// past the plan boundary.
type MigrationResult struct {
	Success bool               `json:"success"`
	Plan    *MigrationPlan     `json:"plan,omitempty"`
	Error   string             `json:"error,omitempty"`
	Code    instance.ErrorCode `json:"code,omitempty"`
}

func success(plan *MigrationPlan) *MigrationResult {
	return &MigrationResult{Success: true, Plan: plan}
}

func failure(plan *MigrationPlan, code instance.ErrorCode, msg string) *MigrationResult {
	return &MigrationResult{Plan: plan, Error: msg, Code: code}
}

// GenerateSteps produces the ordered step list for a strategy. The list is
// deterministic: the same strategy always yields the same names in the
// same order.
func GenerateSteps(strategy Strategy) []MigrationStep {
	var names []string
	switch strategy {
	case StrategyCreateThenStop:
		names = []string{
			StepPrepare, StepValidateSource, StepValidateTargetProvider,
			StepExportSourceConfig, StepCreateTarget, StepStartTarget,
			StepVerifyTarget, StepStopSource, StepCleanupSource, StepComplete,
		}
	case StrategyExportImport:
		names = []string{
			StepPrepare, StepValidateSource, StepValidateTargetProvider,
			StepExportWorkspace, StepStopSource, StepExportSourceConfig,
			StepCreateTarget, StepImportWorkspace, StepStartTarget,
			StepVerifyTarget, StepCleanupSource, StepComplete,
		}
	default: // stop-then-recreate
		names = []string{
			StepPrepare, StepValidateSource, StepValidateTargetProvider,
			StepStopSource, StepExportSourceConfig, StepCreateTarget,
			StepStartTarget, StepVerifyTarget, StepCleanupSource, StepComplete,
		}
	}

	steps := make([]MigrationStep, len(names))
	for i, name := range names {
		steps[i] = MigrationStep{
			Name:        name,
			Description: stepDescriptions[name],
			Status:      StepPending,
		}
	}
	return steps
}

var stepDescriptions = map[string]string{
	StepPrepare:                "Prepare migration",
	StepValidateSource:         "Confirm the source instance still exists at its provider",
	StepValidateTargetProvider: "Confirm the target provider can create instances",
	StepExportWorkspace:        "Archive the workspace contents on the source",
	StepStopSource:             "Stop the source instance",
	StepExportSourceConfig:     "Snapshot the source instance configuration",
	StepCreateTarget:           "Create the target instance from the snapshotted config",
	StepImportWorkspace:        "Unpack the workspace archive on the target",
	StepStartTarget:            "Start the target instance",
	StepVerifyTarget:           "Verify the target instance is reachable",
	StepCleanupSource:          "Delete and deregister the source instance",
	StepComplete:               "Finalize migration",
}

// ValidStrategy reports whether s names a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyStopThenRecreate, StrategyCreateThenStop, StrategyExportImport:
		return true
	}
	return false
}
