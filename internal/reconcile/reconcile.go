// Package reconcile implements the periodic per-group convergence
// loop: it progresses the delete pipeline, promotes pending VMs to
// active, detects infrastructure that vanished out from under a
// record, prunes stale Kubernetes nodes, and creates or removes VMs to
// reach the desired size. Every public method here assumes the
// caller already holds the group's mutex.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
	"github.com/beskarops/proxmox-ca-provider/internal/group"
	"github.com/beskarops/proxmox-ca-provider/internal/util"
)

// VMCreateSpec is the fully-resolved request to create one VM.
type VMCreateSpec struct {
	VMID       int
	Name       string
	Cores      int
	MemoryMB   int64
	BalloonMB  int64
	DiskSizeGB int
	Tags       string
	ISOName    string
}

// ProxmoxOps is the subset of the Proxmox client this package needs.
// Implementations are expected to treat a 404 on DeleteStorageVolume
// as success, matching the collaborator contract.
type ProxmoxOps interface {
	NextID(ctx context.Context) (int, error)
	IsoExists(ctx context.Context, name string) (bool, error)
	Upload(ctx context.Context, storage, filename, content string, data []byte) error
	CreateVMFromImage(ctx context.Context, spec VMCreateSpec) error
	AttachedSeedISO(ctx context.Context, vmid int) (storage, volume string, ok bool, err error)
	StopAndDeleteVM(ctx context.Context, vmid int) error
	DeleteStorageVolume(ctx context.Context, storage, volume string) error
}

// KubeOps is the subset of the Kubernetes client this package needs.
// Implementations are expected to treat a 404 on DeleteNode as success.
type KubeOps interface {
	ListNodes(ctx context.Context) ([]corev1.Node, error)
	DeleteNode(ctx context.Context, name string) error
}

// SeedRenderer builds the cloud-init payload and CIDATA image for a
// newly-created VM.
type SeedRenderer interface {
	Render(g core.GroupConfig, hostname string, labels, taints []string, k3s core.K3sConfig) (meta, user []byte, err error)
	ISOName(meta, user []byte, hostname string) string
	BuildCIDATA(meta, user []byte) ([]byte, error)
}

// GroupContext is the subset of *group.Context this package needs.
type GroupContext interface {
	GroupVMs(ctx context.Context, g core.GroupConfig) ([]core.VMInfo, error)
	EnsureVMState(ctx context.Context, g core.GroupConfig, vm core.VMInfo) (core.State, error)
	SetVMState(ctx context.Context, g core.GroupConfig, vm core.VMInfo, state core.State, opts group.SetVMStateOpts) error
	VMPendingSince(ctx context.Context, vmid int) (*int64, error)
	ActiveGroupVMs(ctx context.Context, g core.GroupConfig) ([]core.VMInfo, error)
}

// Scaling is the subset of *scaling.Service this package needs.
type Scaling interface {
	EnsureDesiredSizeInitialized(ctx context.Context, g core.GroupConfig, observedSize *int) (int, error)
	RequestVMDeletion(ctx context.Context, g core.GroupConfig, vm core.VMInfo) error
	ShrinkToDesired(ctx context.Context, g core.GroupConfig, candidates []group.ManagedVM, desired int) error
}

// Store is the subset of the state store this package needs directly
// (the delete pipeline operates on persisted records, not only VMInfo).
type Store interface {
	ListGroupVMStates(ctx context.Context, groupID string) ([]core.VmStateRecord, error)
	DeleteVMState(ctx context.Context, vmid int) error
	UpsertVMState(ctx context.Context, rec core.VmStateRecord) error
	SetDesiredSize(ctx context.Context, groupID string, n int) error
}

// Config carries the tunables the reconcile loop needs.
type Config struct {
	PendingVMTimeoutSeconds int
	VMTagPrefix             string
	ISOStorage              string
	K3s                     core.K3sConfig
}

// Service is the reconcile service.
type Service struct {
	ctx     GroupContext
	proxmox ProxmoxOps
	kube    KubeOps
	store   Store
	scaling Scaling
	seed    SeedRenderer
	cfg     Config
	log     *slog.Logger
}

const groupLabelKey = "autoscaler.proxmox/group"
const vmidLabelKey = "autoscaler.proxmox/vmid"

// New builds a reconcile Service. PendingVMTimeoutSeconds is floored to 120.
func New(ctx GroupContext, proxmox ProxmoxOps, kube KubeOps, store Store, scaling Scaling, seed SeedRenderer, cfg Config, log *slog.Logger) *Service {
	if cfg.PendingVMTimeoutSeconds < 120 {
		cfg.PendingVMTimeoutSeconds = 120
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{ctx: ctx, proxmox: proxmox, kube: kube, store: store, scaling: scaling, seed: seed, cfg: cfg, log: log}
}

// BootstrapGroup runs once at startup: it reconciles orphaned records
// and initializes the desired-size ledger from currently-managed VMs.
func (s *Service) BootstrapGroup(ctx context.Context, g core.GroupConfig) error {
	groupVMs, err := s.ctx.GroupVMs(ctx, g)
	if err != nil {
		return err
	}
	existing := make(map[int]struct{}, len(groupVMs))
	for _, vm := range groupVMs {
		existing[vm.VMID] = struct{}{}
	}
	if err := s.reconcileMissingVMRecords(ctx, g, existing); err != nil {
		return err
	}

	managedCount := 0
	for _, vm := range groupVMs {
		state, err := s.ctx.EnsureVMState(ctx, g, vm)
		if err != nil {
			return err
		}
		if state == core.StateActive || state == core.StatePending {
			managedCount++
		}
	}
	_, err = s.scaling.EnsureDesiredSizeInitialized(ctx, g, &managedCount)
	return err
}

// ReconcileGroup runs one full tick of the 7-step reconciliation
// procedure for g.
func (s *Service) ReconcileGroup(ctx context.Context, g core.GroupConfig) error {
	now := core.Now()

	kubeNodes, err := s.kube.ListNodes(ctx)
	if err != nil {
		s.log.Warn("failed listing kubernetes nodes for state reconcile", "group", g.ID, "error", err)
		kubeNodes = nil
	}

	groupVMs, err := s.ctx.GroupVMs(ctx, g)
	if err != nil {
		return err
	}
	vmByID := make(map[int]core.VMInfo, len(groupVMs))
	for _, vm := range groupVMs {
		vmByID[vm.VMID] = vm
	}

	if err := s.reconcileMissingVMRecords(ctx, g, keysOf(vmByID)); err != nil {
		return err
	}

	records, err := s.store.ListGroupVMStates(ctx, g.ID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !core.IsDeleteState(rec.State) {
			continue
		}
		vm, hasVM := vmByID[rec.VMID]
		var vmPtr *core.VMInfo
		if hasVM {
			vmPtr = &vm
		}
		if err := s.progressDeleteState(ctx, g, rec, vmPtr); err != nil {
			return err
		}
	}

	var managed []group.ManagedVM
	for _, vm := range groupVMs {
		state, err := s.ctx.EnsureVMState(ctx, g, vm)
		if err != nil {
			return err
		}
		if core.IsDeleteState(state) {
			continue
		}

		if state == core.StateFailed {
			if err := s.scaling.RequestVMDeletion(ctx, g, vm); err != nil {
				return err
			}
			continue
		}

		if state == core.StateActive && !vm.Running() {
			state, err = core.Transition(state, core.EventBecamePending)
			if err != nil {
				return err
			}
			lastErr := "vm not running"
			if err := s.ctx.SetVMState(ctx, g, vm, state, group.SetVMStateOpts{PendingSince: util.Int64Ptr(now), LastError: util.StringPtr(lastErr)}); err != nil {
				return err
			}
		}

		deleted := false
		if state == core.StatePending {
			pendingSince, err := s.ctx.VMPendingSince(ctx, vm.VMID)
			if err != nil {
				return err
			}
			if pendingSince == nil {
				pendingSince = util.Int64Ptr(now)
				if err := s.ctx.SetVMState(ctx, g, vm, core.StatePending, group.SetVMStateOpts{PendingSince: pendingSince}); err != nil {
					return err
				}
			}

			age := now - *pendingSince
			if age < 0 {
				age = 0
			}

			if vm.Running() && s.isKubeNodeReadyForVM(g, vm, kubeNodes) {
				state, err = core.Transition(state, core.EventBecameActive)
				if err != nil {
					return err
				}
				if err := s.ctx.SetVMState(ctx, g, vm, state, group.SetVMStateOpts{}); err != nil {
					return err
				}
				s.log.Info("promoted VM to active", "vmid", vm.VMID, "name", vm.Name, "group", g.ID)
			} else if age >= int64(s.cfg.PendingVMTimeoutSeconds) {
				s.log.Warn("pending VM exceeded timeout; deleting", "vmid", vm.VMID, "name", vm.Name, "group", g.ID, "age_s", age, "timeout_s", s.cfg.PendingVMTimeoutSeconds)
				if err := s.scaling.RequestVMDeletion(ctx, g, vm); err != nil {
					return err
				}
				deleted = true
			}
		}

		if !deleted && (state == core.StateActive || state == core.StatePending) {
			managed = append(managed, group.ManagedVM{VM: vm, State: state})
		}
	}

	s.pruneStaleKubeNodesForGroup(ctx, g, kubeNodes)

	observed := len(managed)
	desired, err := s.scaling.EnsureDesiredSizeInitialized(ctx, g, &observed)
	if err != nil {
		return err
	}
	if desired < g.MinSize {
		desired = g.MinSize
		if err := s.store.SetDesiredSize(ctx, g.ID, desired); err != nil {
			return err
		}
	}
	if desired > g.MaxSize {
		desired = g.MaxSize
		if err := s.store.SetDesiredSize(ctx, g.ID, desired); err != nil {
			return err
		}
	}

	switch {
	case len(managed) < desired:
		for i := 0; i < desired-len(managed); i++ {
			vm, err := s.createVM(ctx, g)
			if err != nil {
				return fmt.Errorf("create vm for group %s: %w", g.ID, err)
			}
			pendingSince := core.Now()
			if err := s.ctx.SetVMState(ctx, g, vm, core.StatePending, group.SetVMStateOpts{PendingSince: util.Int64Ptr(pendingSince)}); err != nil {
				return err
			}
		}
	case len(managed) > desired:
		if err := s.scaling.ShrinkToDesired(ctx, g, managed, desired); err != nil {
			return err
		}
	}

	return nil
}

// deleteStepOutcome mirrors the FSM event produced by one delete-pipeline step.
type deleteStepOutcome struct {
	event          core.Event
	lastError      *string
	cleanupStorage *string
	cleanupVolume  *string
}

func (s *Service) progressDeleteState(ctx context.Context, g core.GroupConfig, rec core.VmStateRecord, vm *core.VMInfo) error {
	outcome, err := s.runDeleteStep(ctx, rec, vm)
	if err != nil {
		return err
	}
	next, err := core.Transition(rec.State, outcome.event)
	if err != nil {
		return err
	}
	if next == core.StateCompleted {
		return s.store.DeleteVMState(ctx, rec.VMID)
	}
	return s.persistDeleteState(ctx, g, rec, next, outcome.lastError, outcome.cleanupStorage, outcome.cleanupVolume)
}

func (s *Service) runDeleteStep(ctx context.Context, rec core.VmStateRecord, vm *core.VMInfo) (deleteStepOutcome, error) {
	switch rec.State {
	case core.StateDeletingVM:
		return s.stepDeleteVM(ctx, rec, vm), nil
	case core.StateDeletingISO:
		return s.stepDeleteISO(ctx, rec), nil
	case core.StateDeletingNode:
		return s.stepDeleteNode(ctx, rec), nil
	default:
		return deleteStepOutcome{event: core.EventNodeRetry, lastError: util.StringPtr(fmt.Sprintf("unknown delete state: %s", rec.State))}, nil
	}
}

func (s *Service) stepDeleteVM(ctx context.Context, rec core.VmStateRecord, vm *core.VMInfo) deleteStepOutcome {
	cleanupStorage, cleanupVolume := rec.CleanupStorage, rec.CleanupVolume
	if (cleanupStorage == nil || cleanupVolume == nil) && vm != nil {
		if storage, volume, ok, err := s.proxmox.AttachedSeedISO(ctx, rec.VMID); err != nil {
			s.log.Warn("failed reading attached seed ISO during delete", "vmid", rec.VMID, "error", err)
		} else if ok {
			cleanupStorage, cleanupVolume = util.StringPtr(storage), util.StringPtr(volume)
		}
	}

	if vm != nil {
		if err := s.proxmox.StopAndDeleteVM(ctx, rec.VMID); err != nil {
			return deleteStepOutcome{event: core.EventVMRetry, lastError: util.StringPtr(fmt.Sprintf("delete vm failed: %v", err)), cleanupStorage: cleanupStorage, cleanupVolume: cleanupVolume}
		}
	}
	return deleteStepOutcome{event: core.EventVMDone, cleanupStorage: cleanupStorage, cleanupVolume: cleanupVolume}
}

func (s *Service) stepDeleteISO(ctx context.Context, rec core.VmStateRecord) deleteStepOutcome {
	storage, volume := rec.CleanupStorage, rec.CleanupVolume
	if storage != nil && volume != nil && *storage != "" && *volume != "" {
		if err := s.proxmox.DeleteStorageVolume(ctx, *storage, *volume); err != nil {
			return deleteStepOutcome{event: core.EventISORetry, lastError: util.StringPtr(fmt.Sprintf("delete iso failed: %v", err)), cleanupStorage: storage, cleanupVolume: volume}
		}
	}
	return deleteStepOutcome{event: core.EventISODone, cleanupStorage: storage, cleanupVolume: volume}
}

func (s *Service) stepDeleteNode(ctx context.Context, rec core.VmStateRecord) deleteStepOutcome {
	if err := s.kube.DeleteNode(ctx, rec.VMName); err != nil {
		return deleteStepOutcome{event: core.EventNodeRetry, lastError: util.StringPtr(fmt.Sprintf("delete node failed: %v", err)), cleanupStorage: rec.CleanupStorage, cleanupVolume: rec.CleanupVolume}
	}
	return deleteStepOutcome{event: core.EventNodeDone, cleanupStorage: rec.CleanupStorage, cleanupVolume: rec.CleanupVolume}
}

func (s *Service) persistDeleteState(ctx context.Context, g core.GroupConfig, rec core.VmStateRecord, state core.State, lastError, cleanupStorage, cleanupVolume *string) error {
	if cleanupStorage == nil {
		cleanupStorage = rec.CleanupStorage
	}
	if cleanupVolume == nil {
		cleanupVolume = rec.CleanupVolume
	}
	return s.store.UpsertVMState(ctx, core.VmStateRecord{
		VMID:           rec.VMID,
		GroupID:        g.ID,
		VMName:         rec.VMName,
		State:          state,
		LastError:      lastError,
		CleanupStorage: cleanupStorage,
		CleanupVolume:  cleanupVolume,
	})
}

func (s *Service) reconcileMissingVMRecords(ctx context.Context, g core.GroupConfig, existingVMIDs map[int]struct{}) error {
	records, err := s.store.ListGroupVMStates(ctx, g.ID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, ok := existingVMIDs[rec.VMID]; ok {
			continue
		}
		if !core.IsLifecycleState(rec.State) {
			if err := s.store.DeleteVMState(ctx, rec.VMID); err != nil {
				return err
			}
			continue
		}
		next, err := core.Transition(rec.State, core.EventInfraMissing)
		if err != nil {
			return err
		}
		if next == core.StateCompleted {
			if err := s.store.DeleteVMState(ctx, rec.VMID); err != nil {
				return err
			}
			continue
		}
		if err := s.persistDeleteState(ctx, g, rec, next, nil, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) createVM(ctx context.Context, g core.GroupConfig) (core.VMInfo, error) {
	vmid, err := s.proxmox.NextID(ctx)
	if err != nil {
		return core.VMInfo{}, err
	}
	name := fmt.Sprintf("%s-%d", g.VMNamePrefix, vmid)

	labels := append([]string(nil), g.Labels...)
	labels = append(labels,
		fmt.Sprintf("%s=%s", groupLabelKey, g.ID),
		fmt.Sprintf("%s=%d", vmidLabelKey, vmid),
	)

	meta, user, err := s.seed.Render(g, name, labels, g.Taints, s.cfg.K3s)
	if err != nil {
		return core.VMInfo{}, fmt.Errorf("render seed: %w", err)
	}
	isoName := s.seed.ISOName(meta, user, name)

	exists, err := s.proxmox.IsoExists(ctx, isoName)
	if err != nil {
		return core.VMInfo{}, fmt.Errorf("check iso exists: %w", err)
	}
	if !exists {
		isoBytes, err := s.seed.BuildCIDATA(meta, user)
		if err != nil {
			return core.VMInfo{}, fmt.Errorf("build cidata image: %w", err)
		}
		if err := s.proxmox.Upload(ctx, s.cfg.ISOStorage, isoName, "iso", isoBytes); err != nil {
			return core.VMInfo{}, fmt.Errorf("upload seed iso: %w", err)
		}
	}

	tags := fmt.Sprintf("%s;ca-managed;%s", s.cfg.VMTagPrefix, g.GroupTag())
	if err := s.proxmox.CreateVMFromImage(ctx, VMCreateSpec{
		VMID: vmid, Name: name, Cores: g.Cores, MemoryMB: g.MemoryMB, BalloonMB: g.BalloonMB,
		DiskSizeGB: g.DiskSizeGB, Tags: tags, ISOName: isoName,
	}); err != nil {
		return core.VMInfo{}, fmt.Errorf("create vm from image: %w", err)
	}

	s.log.Info("created VM", "vmid", vmid, "name", name, "group", g.ID)
	return core.VMInfo{VMID: vmid, Name: name, Status: "running", Tags: core.ParseTags(tags)}, nil
}

func (s *Service) isKubeNodeReadyForVM(g core.GroupConfig, vm core.VMInfo, nodes []corev1.Node) bool {
	vmidStr := fmt.Sprintf("%d", vm.VMID)
	for _, n := range nodes {
		sameGroup := n.Labels[groupLabelKey] == g.ID
		if !sameGroup {
			continue
		}
		sameVMID := n.Labels[vmidLabelKey] == vmidStr
		sameName := n.Name == vm.Name
		if !sameVMID && !sameName {
			continue
		}
		if isNodeReady(n) {
			return true
		}
	}
	return false
}

func isNodeReady(n corev1.Node) bool {
	for _, cond := range n.Status.Conditions {
		if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func (s *Service) pruneStaleKubeNodesForGroup(ctx context.Context, g core.GroupConfig, nodes []corev1.Node) {
	if nodes == nil {
		return
	}
	activeVMs, err := s.ctx.ActiveGroupVMs(ctx, g)
	if err != nil {
		s.log.Warn("failed listing active VMs for stale-node prune", "group", g.ID, "error", err)
		return
	}
	activeNames := make(map[string]struct{}, len(activeVMs))
	for _, vm := range activeVMs {
		activeNames[vm.Name] = struct{}{}
	}

	for _, n := range nodes {
		if n.Labels[groupLabelKey] != g.ID {
			continue
		}
		if n.Name == "" {
			continue
		}
		if _, ok := activeNames[n.Name]; ok {
			continue
		}
		if err := s.kube.DeleteNode(ctx, n.Name); err != nil {
			s.log.Warn("failed deleting stale kubernetes node", "name", n.Name, "group", g.ID, "error", err)
		}
	}
}

func keysOf(m map[int]core.VMInfo) map[int]struct{} {
	out := make(map[int]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
