// Package group provides group-scoped views over the Proxmox
// inventory and the persisted VM ledger: listing a group's VMs by tag,
// reconciling ad-hoc observations into persisted lifecycle state, and
// resolving a Cluster Autoscaler node reference to a VM.
package group

import (
	"context"
	"sort"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
)

// VMSummary is what the Proxmox collaborator reports for a VM in its
// inventory listing. Tags may be empty even for a tagged VM — the
// Proxmox list endpoint sometimes omits tags that do exist on the
// VM's config object.
type VMSummary struct {
	VMID   int
	Name   string
	Status string
	Tags   []string
}

// ProxmoxInventory is the subset of the Proxmox client this package needs.
type ProxmoxInventory interface {
	ListVMs(ctx context.Context) ([]VMSummary, error)
	VMTags(ctx context.Context, vmid int) ([]string, error)
}

// StateStore is the subset of the state store this package needs.
type StateStore interface {
	GetVMState(ctx context.Context, vmid int) (*core.VmStateRecord, error)
	UpsertVMState(ctx context.Context, rec core.VmStateRecord) error
}

// Context provides group-scoped views. One Context is shared across
// all configured groups; callers supply the GroupConfig for the group
// they're operating on.
type Context struct {
	groups  map[string]core.GroupConfig
	order   []string
	proxmox ProxmoxInventory
	store   StateStore
}

// New builds a Context over the given immutable group configuration.
// groups must be in the stable order the orchestrator will walk them.
func New(groups []core.GroupConfig, proxmox ProxmoxInventory, store StateStore) *Context {
	byID := make(map[string]core.GroupConfig, len(groups))
	order := make([]string, 0, len(groups))
	for _, g := range groups {
		byID[g.ID] = g
		order = append(order, g.ID)
	}
	return &Context{groups: byID, order: order, proxmox: proxmox, store: store}
}

// GroupIDs returns configured group ids in stable (insertion) order.
func (c *Context) GroupIDs() []string {
	return append([]string(nil), c.order...)
}

// Group resolves a group id to its configuration.
func (c *Context) Group(groupID string) (core.GroupConfig, error) {
	g, ok := c.groups[groupID]
	if !ok {
		return core.GroupConfig{}, core.NewGroupNotFound(groupID)
	}
	return g, nil
}

// ManagedVM pairs a live VM observation with its ledger state.
type ManagedVM struct {
	VM    core.VMInfo
	State core.State
}

// GroupVMs lists every Proxmox VM tagged with group's membership tag,
// sorted by vmid ascending. Falls back to a per-VM config fetch for
// tags when the inventory listing reports none.
func (c *Context) GroupVMs(ctx context.Context, group core.GroupConfig) ([]core.VMInfo, error) {
	want := group.GroupTag()

	all, err := c.proxmox.ListVMs(ctx)
	if err != nil {
		return nil, err
	}

	var out []core.VMInfo
	for _, vm := range all {
		tags := vm.Tags
		if len(tags) == 0 {
			if fetched, err := c.proxmox.VMTags(ctx, vm.VMID); err == nil {
				tags = fetched
			}
		}
		if !core.HasTag(tags, want) {
			continue
		}
		out = append(out, core.VMInfo{VMID: vm.VMID, Name: vm.Name, Status: vm.Status, Tags: tags})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].VMID < out[j].VMID })
	return out, nil
}

// EnsureVMState returns the persisted lifecycle state for vm, seeding
// a fresh record if vm has none yet (or its record under this group is
// not in a legal lifecycle state). A record that binds vm to another
// group is returned unchanged and nothing is seeded. This is how a VM that
// pre-dates this provider process — or was created manually — enters
// the ledger.
func (c *Context) EnsureVMState(ctx context.Context, group core.GroupConfig, vm core.VMInfo) (core.State, error) {
	rec, err := c.store.GetVMState(ctx, vm.VMID)
	if err != nil {
		return "", err
	}
	if rec != nil && rec.GroupID != group.ID {
		// The ledger already binds this vmid to a different group.
		// group_id is immutable once recorded — the existing record
		// wins and this call must not rebind it.
		return rec.State, nil
	}
	if rec != nil && rec.GroupID == group.ID && core.IsLifecycleState(rec.State) {
		return rec.State, nil
	}

	state := core.StatePending
	var pendingSince *int64
	if vm.Running() {
		state = core.StateActive
	} else {
		now := core.Now()
		pendingSince = &now
	}

	if err := c.store.UpsertVMState(ctx, core.VmStateRecord{
		VMID:         vm.VMID,
		GroupID:      group.ID,
		VMName:       vm.Name,
		State:        state,
		PendingSince: pendingSince,
	}); err != nil {
		return "", err
	}
	return state, nil
}

// SetVMStateOpts carries the optional fields of a SetVMState write.
type SetVMStateOpts struct {
	PendingSince   *int64
	LastError      *string
	CleanupStorage *string
	CleanupVolume  *string
}

// SetVMState persists an explicit lifecycle write for vm, used by the
// reconciler and scaling service once they've already decided the new
// state via the FSM.
func (c *Context) SetVMState(ctx context.Context, group core.GroupConfig, vm core.VMInfo, state core.State, opts SetVMStateOpts) error {
	return c.store.UpsertVMState(ctx, core.VmStateRecord{
		VMID:           vm.VMID,
		GroupID:        group.ID,
		VMName:         vm.Name,
		State:          state,
		PendingSince:   opts.PendingSince,
		LastError:      opts.LastError,
		CleanupStorage: opts.CleanupStorage,
		CleanupVolume:  opts.CleanupVolume,
	})
}

// VMPendingSince returns the persisted pending_since for vmid, or nil
// if there is no record or it isn't set.
func (c *Context) VMPendingSince(ctx context.Context, vmid int) (*int64, error) {
	rec, err := c.store.GetVMState(ctx, vmid)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec.PendingSince, nil
}

// ActiveGroupVMs returns group VMs that are both observed running and
// persisted as active.
func (c *Context) ActiveGroupVMs(ctx context.Context, group core.GroupConfig) ([]core.VMInfo, error) {
	vms, err := c.GroupVMs(ctx, group)
	if err != nil {
		return nil, err
	}
	var out []core.VMInfo
	for _, vm := range vms {
		if !vm.Running() {
			continue
		}
		state, err := c.EnsureVMState(ctx, group, vm)
		if err != nil {
			return nil, err
		}
		if state != core.StateActive {
			continue
		}
		out = append(out, vm)
	}
	return out, nil
}

// ManagedGroupVMs returns every group VM whose ledger state is active
// or pending, paired with that state.
func (c *Context) ManagedGroupVMs(ctx context.Context, group core.GroupConfig) ([]ManagedVM, error) {
	vms, err := c.GroupVMs(ctx, group)
	if err != nil {
		return nil, err
	}
	var out []ManagedVM
	for _, vm := range vms {
		state, err := c.EnsureVMState(ctx, group, vm)
		if err != nil {
			return nil, err
		}
		if state == core.StateActive || state == core.StatePending {
			out = append(out, ManagedVM{VM: vm, State: state})
		}
	}
	return out, nil
}

// FindVMForNode resolves a Cluster Autoscaler node reference to a
// group VM: first by the trailing integer in the node's provider id,
// then by exact name match. Returns nil if neither matches.
func (c *Context) FindVMForNode(ctx context.Context, group core.GroupConfig, node core.ManagedNode) (*core.VMInfo, error) {
	vms, err := c.GroupVMs(ctx, group)
	if err != nil {
		return nil, err
	}
	byVMID := make(map[int]core.VMInfo, len(vms))
	for _, vm := range vms {
		byVMID[vm.VMID] = vm
	}
	if vmid, ok := core.VMIDFromProviderID(node.ProviderID); ok {
		if vm, ok := byVMID[vmid]; ok {
			return &vm, nil
		}
	}
	if node.Name != "" {
		for _, vm := range vms {
			if vm.Name == node.Name {
				return &vm, nil
			}
		}
	}
	return nil, nil
}
