// Package scaling services the synchronous gRPC mutation surface: it
// reads and writes the desired-size ledger and requests VM deletions.
// Every exported method here is meant to run as a short critical
// section under the caller's per-group mutex — this package holds no
// locks of its own.
package scaling

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
	"github.com/beskarops/proxmox-ca-provider/internal/group"
)

// DesiredSizeStore is the subset of the state store this package needs.
type DesiredSizeStore interface {
	GetDesiredSize(ctx context.Context, groupID string) (int, bool, error)
	SetDesiredSize(ctx context.Context, groupID string, n int) error
	SetDesiredSizeIfMissing(ctx context.Context, groupID string, n int) error
	GetVMState(ctx context.Context, vmid int) (*core.VmStateRecord, error)
}

// SeedISOLookup resolves the cloud-init seed ISO currently attached to
// a VM, so a delete request can capture it before the VM is destroyed.
type SeedISOLookup interface {
	AttachedSeedISO(ctx context.Context, vmid int) (storage, volume string, ok bool, err error)
}

// GroupContext is the subset of *group.Context this package needs.
type GroupContext interface {
	GroupIDs() []string
	Group(groupID string) (core.GroupConfig, error)
	ManagedGroupVMs(ctx context.Context, g core.GroupConfig) ([]group.ManagedVM, error)
	ActiveGroupVMs(ctx context.Context, g core.GroupConfig) ([]core.VMInfo, error)
	FindVMForNode(ctx context.Context, g core.GroupConfig, node core.ManagedNode) (*core.VMInfo, error)
	EnsureVMState(ctx context.Context, g core.GroupConfig, vm core.VMInfo) (core.State, error)
	SetVMState(ctx context.Context, g core.GroupConfig, vm core.VMInfo, state core.State, opts group.SetVMStateOpts) error
}

// Service is the scaling service.
type Service struct {
	ctx     GroupContext
	store   DesiredSizeStore
	proxmox SeedISOLookup
	log     *slog.Logger
}

// New builds a scaling Service.
func New(ctx GroupContext, store DesiredSizeStore, proxmox SeedISOLookup, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{ctx: ctx, store: store, proxmox: proxmox, log: log}
}

// EnsureDesiredSizeInitialized reads the ledger for group, initializing
// it to max(min_size, observedSize) if absent, and clamps the result to
// [min_size, max_size]. If observedSize is nil it is computed from the
// group's currently managed VMs.
func (s *Service) EnsureDesiredSizeInitialized(ctx context.Context, g core.GroupConfig, observedSize *int) (int, error) {
	observed := 0
	if observedSize != nil {
		observed = *observedSize
	} else {
		managed, err := s.ctx.ManagedGroupVMs(ctx, g)
		if err != nil {
			return 0, err
		}
		observed = len(managed)
	}

	baseline := maxInt(g.MinSize, observed)
	if err := s.store.SetDesiredSizeIfMissing(ctx, g.ID, baseline); err != nil {
		return 0, err
	}
	desired, ok, err := s.store.GetDesiredSize(ctx, g.ID)
	if err != nil {
		return 0, err
	}
	if !ok {
		if err := s.store.SetDesiredSize(ctx, g.ID, baseline); err != nil {
			return 0, err
		}
		return baseline, nil
	}
	return clamp(desired, g.MinSize, g.MaxSize), nil
}

const groupLabelKey = "autoscaler.proxmox/group"

// NodeGroupForNode resolves node to the group that owns it, preferring
// the group named by its label over scanning every group's VM list.
func (s *Service) NodeGroupForNode(ctx context.Context, node core.ManagedNode) (*core.GroupConfig, error) {
	if labelGroup := strings.TrimSpace(node.Labels[groupLabelKey]); labelGroup != "" {
		if g, err := s.ctx.Group(labelGroup); err == nil {
			return &g, nil
		}
	}
	for _, id := range s.ctx.GroupIDs() {
		g, err := s.ctx.Group(id)
		if err != nil {
			continue
		}
		vm, err := s.ctx.FindVMForNode(ctx, g, node)
		if err != nil {
			return nil, err
		}
		if vm != nil {
			return &g, nil
		}
	}
	return nil, nil
}

// NodeGroupTargetSize returns the current desired size for groupID.
func (s *Service) NodeGroupTargetSize(ctx context.Context, groupID string) (int, error) {
	g, err := s.ctx.Group(groupID)
	if err != nil {
		return 0, err
	}
	return s.EnsureDesiredSizeInitialized(ctx, g, nil)
}

// NodeGroupIncreaseSize enlarges the desired size by delta (> 0).
func (s *Service) NodeGroupIncreaseSize(ctx context.Context, groupID string, delta int) error {
	g, err := s.ctx.Group(groupID)
	if err != nil {
		return err
	}
	if delta <= 0 {
		return core.NewInvalidArgument("delta must be > 0")
	}
	desired, err := s.EnsureDesiredSizeInitialized(ctx, g, nil)
	if err != nil {
		return err
	}
	newDesired := desired + delta
	if newDesired > g.MaxSize {
		return core.NewFailedPrecondition("scale would exceed max size for %s: current=%d delta=%d max=%d", g.ID, desired, delta, g.MaxSize)
	}
	return s.store.SetDesiredSize(ctx, g.ID, newDesired)
}

// NodeGroupDecreaseTargetSize shrinks the desired size by delta (< 0).
func (s *Service) NodeGroupDecreaseTargetSize(ctx context.Context, groupID string, delta int) error {
	g, err := s.ctx.Group(groupID)
	if err != nil {
		return err
	}
	if delta >= 0 {
		return core.NewInvalidArgument("delta must be < 0")
	}
	desired, err := s.EnsureDesiredSizeInitialized(ctx, g, nil)
	if err != nil {
		return err
	}
	newDesired := desired + delta
	if newDesired < g.MinSize {
		return core.NewFailedPrecondition("scale would exceed min size for %s: current=%d delta=%d min=%d", g.ID, desired, delta, g.MinSize)
	}
	return s.store.SetDesiredSize(ctx, g.ID, newDesired)
}

// NodeGroupDeleteNodes resolves each node to a VM, requests its
// deletion, and decrements the desired size. Fails with NodeNotFound
// (via GroupContext.FindVMForNode returning nil) if any node doesn't
// resolve — no deletions are requested in that case.
func (s *Service) NodeGroupDeleteNodes(ctx context.Context, groupID string, nodes []core.ManagedNode) error {
	g, err := s.ctx.Group(groupID)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}

	vms := make([]core.VMInfo, 0, len(nodes))
	for _, node := range nodes {
		vm, err := s.ctx.FindVMForNode(ctx, g, node)
		if err != nil {
			return err
		}
		if vm == nil {
			return core.NewNodeNotFound(g.ID, node.Name)
		}
		vms = append(vms, *vm)
	}

	for _, vm := range vms {
		if err := s.RequestVMDeletion(ctx, g, vm); err != nil {
			return err
		}
	}

	desired, err := s.EnsureDesiredSizeInitialized(ctx, g, nil)
	if err != nil {
		return err
	}
	return s.store.SetDesiredSize(ctx, g.ID, maxInt(g.MinSize, desired-len(vms)))
}

// NodeGroupNodes returns the group's active VMs; it does not trigger reconciliation.
func (s *Service) NodeGroupNodes(ctx context.Context, groupID string) ([]core.VMInfo, error) {
	g, err := s.ctx.Group(groupID)
	if err != nil {
		return nil, err
	}
	return s.ctx.ActiveGroupVMs(ctx, g)
}

// ShrinkToDesired requests deletion for len(candidates)-desired
// victims, preferring pending VMs over active ones, then newest vmid
// first.
func (s *Service) ShrinkToDesired(ctx context.Context, g core.GroupConfig, candidates []group.ManagedVM, desired int) error {
	if len(candidates) <= desired {
		return nil
	}
	removeCount := len(candidates) - desired

	ordered := append([]group.ManagedVM(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool {
		pi, pj := ordered[i].State == core.StatePending, ordered[j].State == core.StatePending
		if pi != pj {
			return pi // pending sorts first
		}
		return ordered[i].VM.VMID > ordered[j].VM.VMID // newest (highest vmid) first
	})

	for _, m := range ordered[:removeCount] {
		if err := s.RequestVMDeletion(ctx, g, m.VM); err != nil {
			return err
		}
	}
	return nil
}

// RequestVMDeletion captures the VM's seed-ISO cleanup reference (if
// not already captured) and transitions its record to deleting_vm via
// the FSM, letting the reconciler run the actual pipeline.
func (s *Service) RequestVMDeletion(ctx context.Context, g core.GroupConfig, vm core.VMInfo) error {
	rec, err := s.store.GetVMState(ctx, vm.VMID)
	if err != nil {
		return err
	}

	var currentState core.State
	var cleanupStorage, cleanupVolume *string
	if rec != nil {
		currentState = rec.State
		cleanupStorage = rec.CleanupStorage
		cleanupVolume = rec.CleanupVolume
	} else {
		currentState, err = s.ctx.EnsureVMState(ctx, g, vm)
		if err != nil {
			return err
		}
	}

	if (cleanupStorage == nil || *cleanupStorage == "") && s.proxmox != nil {
		if storage, volume, ok, err := s.proxmox.AttachedSeedISO(ctx, vm.VMID); err != nil {
			s.log.Warn("failed reading attached seed ISO", "vmid", vm.VMID, "error", err)
		} else if ok {
			cleanupStorage, cleanupVolume = &storage, &volume
		}
	}

	var nextState core.State
	if !core.IsLifecycleState(currentState) {
		s.log.Warn("VM has unsupported lifecycle state during delete request; forcing deleting_vm",
			"vmid", vm.VMID, "state", currentState)
		nextState = core.StateDeletingVM
	} else {
		nextState, err = core.Transition(currentState, core.EventRequestDelete)
		if err != nil {
			return err
		}
	}

	return s.ctx.SetVMState(ctx, g, vm, nextState, group.SetVMStateOpts{
		CleanupStorage: cleanupStorage,
		CleanupVolume:  cleanupVolume,
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
