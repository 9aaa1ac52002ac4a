package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
)

var groups = []core.GroupConfig{
	{ID: "a", MinSize: 0, MaxSize: 3},
	{ID: "b", MinSize: 0, MaxSize: 3},
}

type fakeGroupCtx struct {
	byID map[string]core.GroupConfig
	ids  []string
}

func newFakeGroupCtx() *fakeGroupCtx {
	byID := make(map[string]core.GroupConfig, len(groups))
	var ids []string
	for _, g := range groups {
		byID[g.ID] = g
		ids = append(ids, g.ID)
	}
	return &fakeGroupCtx{byID: byID, ids: ids}
}
func (f *fakeGroupCtx) GroupIDs() []string { return append([]string(nil), f.ids...) }
func (f *fakeGroupCtx) Group(groupID string) (core.GroupConfig, error) {
	g, ok := f.byID[groupID]
	if !ok {
		return core.GroupConfig{}, core.NewGroupNotFound(groupID)
	}
	return g, nil
}

type fakeScaling struct{ targetSize map[string]int }

func (f *fakeScaling) NodeGroupForNode(ctx context.Context, node core.ManagedNode) (*core.GroupConfig, error) {
	return nil, nil
}
func (f *fakeScaling) NodeGroupTargetSize(ctx context.Context, groupID string) (int, error) {
	return f.targetSize[groupID], nil
}
func (f *fakeScaling) NodeGroupIncreaseSize(ctx context.Context, groupID string, delta int) error {
	f.targetSize[groupID] += delta
	return nil
}
func (f *fakeScaling) NodeGroupDecreaseTargetSize(ctx context.Context, groupID string, delta int) error {
	f.targetSize[groupID] += delta
	return nil
}
func (f *fakeScaling) NodeGroupDeleteNodes(ctx context.Context, groupID string, nodes []core.ManagedNode) error {
	return nil
}
func (f *fakeScaling) NodeGroupNodes(ctx context.Context, groupID string) ([]core.VMInfo, error) {
	return nil, nil
}

type countingReconciler struct {
	bootstrapped int32
	reconciled   int32
	concurrent   int32
	maxSeen      int32
	mu           sync.Mutex
}

func (c *countingReconciler) BootstrapGroup(ctx context.Context, g core.GroupConfig) error {
	atomic.AddInt32(&c.bootstrapped, 1)
	return nil
}
func (c *countingReconciler) ReconcileGroup(ctx context.Context, g core.GroupConfig) error {
	n := atomic.AddInt32(&c.concurrent, 1)
	c.mu.Lock()
	if n > c.maxSeen {
		c.maxSeen = n
	}
	c.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&c.concurrent, -1)
	atomic.AddInt32(&c.reconciled, 1)
	return nil
}

type fakeTemplates struct{}

func (fakeTemplates) BuildTemplateNode(ctx context.Context, g core.GroupConfig) ([]byte, error) {
	return []byte("node"), nil
}

func TestStartBootstrapsEveryGroup(t *testing.T) {
	gctx := newFakeGroupCtx()
	scl := &fakeScaling{targetSize: map[string]int{}}
	rec := &countingReconciler{}
	o := New(gctx, scl, rec, fakeTemplates{}, Config{ReconcileInterval: 50 * time.Millisecond}, nil)

	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()
	require.Equal(t, int32(2), atomic.LoadInt32(&rec.bootstrapped))
}

func TestReconcileLoopRunsPeriodicallyWithoutOverlap(t *testing.T) {
	gctx := newFakeGroupCtx()
	scl := &fakeScaling{targetSize: map[string]int{}}
	rec := &countingReconciler{}
	o := New(gctx, scl, rec, fakeTemplates{}, Config{ReconcileInterval: 10 * time.Millisecond}, nil)
	o.interval = 10 * time.Millisecond // New floors ReconcileInterval to 5s

	require.NoError(t, o.Start(context.Background()))
	time.Sleep(60 * time.Millisecond)
	o.Stop()

	require.GreaterOrEqual(t, atomic.LoadInt32(&rec.reconciled), int32(2))
	require.LessOrEqual(t, rec.maxSeen, int32(2)) // at most one in-flight reconcile per group, two groups total
}

func TestFaçadeDelegatesToScalingUnderMutex(t *testing.T) {
	gctx := newFakeGroupCtx()
	scl := &fakeScaling{targetSize: map[string]int{"a": 1}}
	rec := &countingReconciler{}
	o := New(gctx, scl, rec, fakeTemplates{}, Config{ReconcileInterval: time.Second}, nil)

	require.NoError(t, o.NodeGroupIncreaseSize(context.Background(), "a", 2))
	n, err := o.NodeGroupTargetSize(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestUnknownGroupPanicsOnFacadeCall(t *testing.T) {
	gctx := newFakeGroupCtx()
	scl := &fakeScaling{targetSize: map[string]int{}}
	rec := &countingReconciler{}
	o := New(gctx, scl, rec, fakeTemplates{}, Config{ReconcileInterval: time.Second}, nil)

	require.Panics(t, func() {
		_, _ = o.NodeGroupTargetSize(context.Background(), "ghost")
	})
}
