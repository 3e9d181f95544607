// Package swarm composes the registered providers, the instance registry
// and the migration manager into the single surface the API layer talks
// to. The controller adds no state of its own beyond summary views.
package swarm

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/devswarm/backend/internal/instance"
	"github.com/devswarm/backend/internal/migration"
	"github.com/devswarm/backend/internal/provider"
	"github.com/devswarm/backend/internal/registry"
)

// Controller routes every instance operation through the owning provider
// and persists the provider-returned record back through the registry,
// under the per-instance mutex it shares with the migration manager.
type Controller struct {
	providers map[instance.ProviderType]provider.Provider
	registry  registry.Registry
	manager   *migration.Manager
	locks     *instance.KeyedMutex
	log       *logrus.Entry
}

// New builds a controller over the given registry, plan store and
// providers. The keyed mutex is created here and handed to the migration
// manager, so a migration and a direct instance operation against the
// same id always serialize.
func New(reg registry.Registry, planStore migration.PlanStore, providers map[instance.ProviderType]provider.Provider) *Controller {
	locks := instance.NewKeyedMutex()
	return &Controller{
		providers: providers,
		registry:  reg,
		manager:   migration.NewManager(planStore, reg, providers, locks),
		locks:     locks,
		log:       logrus.WithField("component", "swarm"),
	}
}

// InitializeProviders verifies connectivity for every registered provider.
// Any failure is fatal to startup.
func (c *Controller) InitializeProviders(ctx context.Context) error {
	for typ, p := range c.providers {
		if err := p.Initialize(ctx); err != nil {
			return instance.WrapErr(instance.ErrProviderFailure, err, "initialize provider %s", typ)
		}
		c.log.WithField("provider", typ).Info("provider initialized")
	}
	return nil
}

// Providers lists the registered provider types with their capabilities.
func (c *Controller) Providers() []instance.ProviderCapabilities {
	var out []instance.ProviderCapabilities
	for _, p := range c.providers {
		out = append(out, p.Capabilities())
	}
	return out
}

func (c *Controller) providerFor(rec *instance.Instance) (provider.Provider, error) {
	p, ok := c.providers[rec.ProviderType]
	if !ok {
		return nil, instance.Errf(instance.ErrNotFound, "provider %s not registered", rec.ProviderType)
	}
	return p, nil
}

// CreateInstance provisions an instance on the named provider and
// registers the result. A provisioning failure still registers the Failed
// record so operators can see what happened.
func (c *Controller) CreateInstance(ctx context.Context, typ instance.ProviderType, cfg instance.InstanceConfig) (*instance.Instance, error) {
	p, ok := c.providers[typ]
	if !ok {
		return nil, instance.Errf(instance.ErrNotFound, "provider %s not registered", typ)
	}

	inst, createErr := p.CreateInstance(ctx, cfg)
	if inst == nil {
		return nil, createErr
	}

	c.locks.Lock(inst.ID)
	defer c.locks.Unlock(inst.ID)
	if err := c.registry.Register(inst); err != nil {
		return inst, err
	}
	c.log.WithFields(logrus.Fields{"instance_id": inst.ID, "provider": typ, "status": inst.Status}).Info("instance created")
	return inst, createErr
}

// GetInstance returns the registry record, the durable source of truth.
func (c *Controller) GetInstance(ctx context.Context, id string) (*instance.Instance, error) {
	rec, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, instance.Errf(instance.ErrNotFound, "instance %s not found", id)
	}
	return rec, nil
}

func (c *Controller) ListInstances(ctx context.Context, filter instance.Filter) ([]*instance.Instance, error) {
	return c.registry.List(filter)
}

func (c *Controller) StartInstance(ctx context.Context, id string) (*instance.Instance, error) {
	return c.mutate(ctx, id, func(p provider.Provider) (*instance.Instance, error) {
		return p.StartInstance(ctx, id)
	})
}

func (c *Controller) StopInstance(ctx context.Context, id string, force bool) (*instance.Instance, error) {
	return c.mutate(ctx, id, func(p provider.Provider) (*instance.Instance, error) {
		return p.StopInstance(ctx, id, force)
	})
}

func (c *Controller) UpdateInstance(ctx context.Context, id string, partial instance.InstanceConfig) (*instance.Instance, error) {
	return c.apply(ctx, id, true, func(p provider.Provider) (*instance.Instance, error) {
		return p.UpdateInstance(ctx, id, partial)
	})
}

// mutate runs a provider operation under the per-instance lock and folds
// the provider-observed fields back into the registry. The durable config
// and requested resources are never touched here: back-ends observe
// runtime state, not the creation recipe, so a start or stop must not
// rewrite them. Only UpdateInstance replaces the config.
func (c *Controller) mutate(ctx context.Context, id string, op func(provider.Provider) (*instance.Instance, error)) (*instance.Instance, error) {
	return c.apply(ctx, id, false, op)
}

func (c *Controller) apply(ctx context.Context, id string, replaceConfig bool, op func(provider.Provider) (*instance.Instance, error)) (*instance.Instance, error) {
	c.locks.Lock(id)
	defer c.locks.Unlock(id)

	rec, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, instance.Errf(instance.ErrNotFound, "instance %s not found", id)
	}
	p, err := c.providerFor(rec)
	if err != nil {
		return nil, err
	}

	observed, err := op(p)
	if err != nil {
		return nil, err
	}
	rec.Status = observed.Status
	rec.Network = observed.Network
	rec.Resources.Used = observed.Resources.Used
	rec.ProviderInstanceID = observed.ProviderInstanceID
	if replaceConfig {
		rec.Config = observed.Config
		rec.Resources.Requested = observed.Config.Resources
	}
	rec.Touch()
	if err := c.registry.Register(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// DeleteInstance removes the instance from its provider and deregisters
// it. A record whose underlying resource is already gone is still
// deregistered.
func (c *Controller) DeleteInstance(ctx context.Context, id string) error {
	c.locks.Lock(id)
	defer c.locks.Unlock(id)

	rec, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return instance.Errf(instance.ErrNotFound, "instance %s not found", id)
	}
	p, err := c.providerFor(rec)
	if err != nil {
		return err
	}
	if err := p.DeleteInstance(ctx, id); err != nil && !instance.IsNotFound(err) {
		return err
	}
	if err := c.registry.Remove(id); err != nil {
		return err
	}
	c.log.WithField("instance_id", id).Info("instance deleted")
	return nil
}

func (c *Controller) ExecuteCommand(ctx context.Context, id string, command []string) (*instance.CommandResult, error) {
	rec, err := c.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := c.providerFor(rec)
	if err != nil {
		return nil, err
	}
	return p.ExecuteCommand(ctx, id, command)
}

func (c *Controller) GetInstanceLogs(ctx context.Context, id string, opts instance.LogOptions) (*instance.InstanceLogs, error) {
	rec, err := c.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := c.providerFor(rec)
	if err != nil {
		return nil, err
	}
	return p.GetInstanceLogs(ctx, id, opts)
}

// Migration operations delegate to the manager.

func (c *Controller) PlanMigration(ctx context.Context, req migration.PlanRequest) *migration.MigrationResult {
	return c.manager.CreatePlan(ctx, req)
}

func (c *Controller) StartMigration(ctx context.Context, id string) *migration.MigrationResult {
	return c.manager.StartPlan(ctx, id)
}

func (c *Controller) MigrationStatus(id string) (*migration.MigrationPlan, error) {
	return c.manager.GetPlan(id)
}

func (c *Controller) ListMigrations(status migration.PlanStatus) ([]*migration.MigrationPlan, error) {
	return c.manager.ListPlans(status)
}

func (c *Controller) CancelMigration(ctx context.Context, id string) *migration.MigrationResult {
	return c.manager.CancelPlan(ctx, id)
}

// ResumeMigrations picks up every unfinished plan, typically at startup.
func (c *Controller) ResumeMigrations(ctx context.Context) ([]*migration.MigrationResult, error) {
	return c.manager.Resume(ctx)
}

// Summary aggregates the registry contents: counts by status and by
// provider plus requested resource totals, with migration counts by plan
// status alongside.
type Summary struct {
	TotalInstances int                          `json:"total_instances"`
	ByStatus       map[instance.Status]int      `json:"by_status"`
	ByProvider     map[instance.ProviderType]int `json:"by_provider"`
	Resources      instance.ResourceSpec        `json:"resources_requested"`
	Migrations     map[migration.PlanStatus]int `json:"migrations"`
}

func (c *Controller) Summary(ctx context.Context) (*Summary, error) {
	all, err := c.registry.List(instance.Filter{})
	if err != nil {
		return nil, err
	}

	s := &Summary{
		ByStatus:   make(map[instance.Status]int),
		ByProvider: make(map[instance.ProviderType]int),
		Migrations: make(map[migration.PlanStatus]int),
	}
	for _, rec := range all {
		s.TotalInstances++
		s.ByStatus[rec.Status]++
		s.ByProvider[rec.ProviderType]++
		s.Resources.CPUCores += rec.Resources.Requested.CPUCores
		s.Resources.MemoryMB += rec.Resources.Requested.MemoryMB
		s.Resources.DiskGB += rec.Resources.Requested.DiskGB
	}

	plans, err := c.manager.ListPlans("")
	if err != nil {
		return nil, err
	}
	for _, plan := range plans {
		s.Migrations[plan.Status]++
	}
	return s, nil
}
