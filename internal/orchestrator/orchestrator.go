// Package orchestrator composes the group context, scaling service,
// reconcile service, and template service behind a single façade: it
// owns the fixed per-group mutex map and the background reconcile
// loop, and is the only thing the gRPC layer talks to.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
)

// Scaling is the subset of *scaling.Service the orchestrator needs.
type Scaling interface {
	NodeGroupForNode(ctx context.Context, node core.ManagedNode) (*core.GroupConfig, error)
	NodeGroupTargetSize(ctx context.Context, groupID string) (int, error)
	NodeGroupIncreaseSize(ctx context.Context, groupID string, delta int) error
	NodeGroupDecreaseTargetSize(ctx context.Context, groupID string, delta int) error
	NodeGroupDeleteNodes(ctx context.Context, groupID string, nodes []core.ManagedNode) error
	NodeGroupNodes(ctx context.Context, groupID string) ([]core.VMInfo, error)
}

// Reconciler is the subset of *reconcile.Service the orchestrator needs.
type Reconciler interface {
	BootstrapGroup(ctx context.Context, g core.GroupConfig) error
	ReconcileGroup(ctx context.Context, g core.GroupConfig) error
}

// TemplateBuilder is the subset of the template service the
// orchestrator needs.
type TemplateBuilder interface {
	BuildTemplateNode(ctx context.Context, g core.GroupConfig) ([]byte, error)
}

// GroupContext is the subset of *group.Context the orchestrator needs
// to resolve a group id to its configuration.
type GroupContext interface {
	GroupIDs() []string
	Group(groupID string) (core.GroupConfig, error)
}

// Orchestrator composes the reconciliation services under a
// per-group mutex and drives the background reconcile loop. Its
// group mutex map is built once at construction and never resized —
// node groups are immutable configuration for the lifetime of the
// process.
type Orchestrator struct {
	ctx        GroupContext
	scaling    Scaling
	reconciler Reconciler
	templates  TemplateBuilder

	mu       map[string]*sync.Mutex
	interval time.Duration
	log      *slog.Logger

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Config carries orchestrator tunables.
type Config struct {
	ReconcileInterval time.Duration
}

// New builds an Orchestrator over the fixed set of groups known to
// ctx. ReconcileInterval is floored to 5 seconds.
func New(ctx GroupContext, scaling Scaling, reconciler Reconciler, templates TemplateBuilder, cfg Config, log *slog.Logger) *Orchestrator {
	if cfg.ReconcileInterval < 5*time.Second {
		cfg.ReconcileInterval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	mu := make(map[string]*sync.Mutex, len(ctx.GroupIDs()))
	for _, id := range ctx.GroupIDs() {
		mu[id] = &sync.Mutex{}
	}
	return &Orchestrator{
		ctx: ctx, scaling: scaling, reconciler: reconciler, templates: templates,
		mu: mu, interval: cfg.ReconcileInterval, log: log,
		stop: make(chan struct{}), stopped: make(chan struct{}),
	}
}

func (o *Orchestrator) lockFor(groupID string) *sync.Mutex {
	m, ok := o.mu[groupID]
	if !ok {
		// Every group id that reaches here came from GroupContext,
		// which is the same fixed set this map was built from.
		panic("orchestrator: unknown group id " + groupID)
	}
	return m
}

// Start bootstraps every configured group and launches the background
// reconcile loop. It blocks until bootstrap completes for every group;
// the loop itself runs in a separate goroutine.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, id := range o.ctx.GroupIDs() {
		g, err := o.ctx.Group(id)
		if err != nil {
			return err
		}
		lock := o.lockFor(id)
		lock.Lock()
		err = o.reconciler.BootstrapGroup(ctx, g)
		lock.Unlock()
		if err != nil {
			return err
		}
	}
	go o.run()
	return nil
}

// Stop signals the background loop to exit and waits for it.
func (o *Orchestrator) Stop() {
	o.once.Do(func() { close(o.stop) })
	<-o.stopped
}

func (o *Orchestrator) run() {
	defer close(o.stopped)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.reconcileAllGroups()
		}
	}
}

// reconcileAllGroups walks every configured group, in the stable
// order GroupContext reports, reconciling each under its own mutex.
// A failure in one group is logged and does not block the others.
func (o *Orchestrator) reconcileAllGroups() {
	for _, id := range o.ctx.GroupIDs() {
		g, err := o.ctx.Group(id)
		if err != nil {
			o.log.Warn("group disappeared mid-reconcile loop", "group", id, "error", err)
			continue
		}
		o.reconcileOneGroup(g)
	}
}

func (o *Orchestrator) reconcileOneGroup(g core.GroupConfig) {
	lock := o.lockFor(g.ID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.interval*6)
	defer cancel()

	if err := o.reconciler.ReconcileGroup(ctx, g); err != nil {
		o.log.Error("group reconcile failed", "group", g.ID, "error", err)
	}
}

// NodeGroupForNode resolves node to its owning group. It takes no
// group mutex: the lookup only reads the Proxmox inventory.
func (o *Orchestrator) NodeGroupForNode(ctx context.Context, node core.ManagedNode) (*core.GroupConfig, error) {
	return o.scaling.NodeGroupForNode(ctx, node)
}

// NodeGroupTargetSize returns groupID's desired size under its mutex.
func (o *Orchestrator) NodeGroupTargetSize(ctx context.Context, groupID string) (int, error) {
	lock := o.lockFor(groupID)
	lock.Lock()
	defer lock.Unlock()
	return o.scaling.NodeGroupTargetSize(ctx, groupID)
}

// NodeGroupIncreaseSize enlarges groupID's desired size under its mutex.
func (o *Orchestrator) NodeGroupIncreaseSize(ctx context.Context, groupID string, delta int) error {
	lock := o.lockFor(groupID)
	lock.Lock()
	defer lock.Unlock()
	return o.scaling.NodeGroupIncreaseSize(ctx, groupID, delta)
}

// NodeGroupDecreaseTargetSize shrinks groupID's desired size under its mutex.
func (o *Orchestrator) NodeGroupDecreaseTargetSize(ctx context.Context, groupID string, delta int) error {
	lock := o.lockFor(groupID)
	lock.Lock()
	defer lock.Unlock()
	return o.scaling.NodeGroupDecreaseTargetSize(ctx, groupID, delta)
}

// NodeGroupDeleteNodes requests deletion of nodes under groupID's mutex.
func (o *Orchestrator) NodeGroupDeleteNodes(ctx context.Context, groupID string, nodes []core.ManagedNode) error {
	lock := o.lockFor(groupID)
	lock.Lock()
	defer lock.Unlock()
	return o.scaling.NodeGroupDeleteNodes(ctx, groupID, nodes)
}

// NodeGroupNodes lists groupID's active VMs under its mutex: the walk
// down to EnsureVMState can upsert a ledger row for a VM it observes
// for the first time, which is a write and must not race the
// reconcile loop's own writes for the same group.
func (o *Orchestrator) NodeGroupNodes(ctx context.Context, groupID string) ([]core.VMInfo, error) {
	lock := o.lockFor(groupID)
	lock.Lock()
	defer lock.Unlock()
	return o.scaling.NodeGroupNodes(ctx, groupID)
}

// NodeGroupTemplateNodeInfo builds the synthetic template node for groupID.
func (o *Orchestrator) NodeGroupTemplateNodeInfo(ctx context.Context, groupID string) ([]byte, error) {
	g, err := o.ctx.Group(groupID)
	if err != nil {
		return nil, err
	}
	return o.templates.BuildTemplateNode(ctx, g)
}

// GroupIDs exposes the configured group ids, for the NodeGroups RPC.
func (o *Orchestrator) GroupIDs() []string {
	return o.ctx.GroupIDs()
}

// Group resolves a group id to its configuration, for the NodeGroups RPC.
func (o *Orchestrator) Group(groupID string) (core.GroupConfig, error) {
	return o.ctx.Group(groupID)
}
