package template

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
)

type fakeKube struct {
	nodes []corev1.Node
	byName map[string]*corev1.Node
	built []*corev1.Node
}

func (f *fakeKube) ListNodes(ctx context.Context) ([]corev1.Node, error) { return f.nodes, nil }
func (f *fakeKube) GetNode(ctx context.Context, name string) (*corev1.Node, error) {
	return f.byName[name], nil
}
func (f *fakeKube) BuildTemplateNodeBytes(ctx context.Context, node *corev1.Node) ([]byte, error) {
	f.built = append(f.built, node)
	return []byte(node.Name), nil
}

var webGroup = core.GroupConfig{ID: "web", Cores: 2, MemoryMB: 4096, Labels: []string{"tier=web"}, Taints: []string{"dedicated=web:NoSchedule"}}

func TestTemplateNodeCarriesGroupLabelsAndTaints(t *testing.T) {
	kube := &fakeKube{byName: map[string]*corev1.Node{}}
	svc := New(kube, nil)

	_, err := svc.BuildTemplateNode(context.Background(), webGroup)
	require.NoError(t, err)
	require.Len(t, kube.built, 1)

	node := kube.built[0]
	require.Equal(t, "proxmox-ca-template-web", node.Name)
	require.Equal(t, "web", node.Labels[groupLabelKey])
	require.Equal(t, "true", node.Labels[autoscaledLabelKey])
	require.Equal(t, "web", node.Labels["tier"])
	require.Len(t, node.Spec.Taints, 1)
	require.Equal(t, "dedicated", node.Spec.Taints[0].Key)
	require.Equal(t, "web", node.Spec.Taints[0].Value)
	require.Equal(t, corev1.TaintEffectNoSchedule, node.Spec.Taints[0].Effect)
}

func TestTemplateNodePrefersGroupLabeledBaseNode(t *testing.T) {
	base := corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "worker-1", Labels: map[string]string{groupLabelKey: "web", "kubernetes.io/arch": "amd64"}},
		Status: corev1.NodeStatus{
			Capacity: corev1.ResourceList{corev1.ResourcePods: resource.MustParse("200")},
		},
	}
	kube := &fakeKube{
		nodes:  []corev1.Node{base},
		byName: map[string]*corev1.Node{"worker-1": &base},
	}
	svc := New(kube, nil)

	_, err := svc.BuildTemplateNode(context.Background(), webGroup)
	require.NoError(t, err)
	node := kube.built[0]
	require.Equal(t, "amd64", node.Labels["kubernetes.io/arch"])
	require.Equal(t, "200", node.Status.Capacity.Pods().String())
}

func TestTemplateNodePreservesSmallerExistingPodsCapacity(t *testing.T) {
	base := corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "worker-1", Labels: map[string]string{groupLabelKey: "web"}},
		Status: corev1.NodeStatus{
			Capacity: corev1.ResourceList{corev1.ResourcePods: resource.MustParse("50")},
		},
	}
	kube := &fakeKube{
		nodes:  []corev1.Node{base},
		byName: map[string]*corev1.Node{"worker-1": &base},
	}
	svc := New(kube, nil)

	_, err := svc.BuildTemplateNode(context.Background(), webGroup)
	require.NoError(t, err)
	node := kube.built[0]
	// A base node's smaller pods capacity is carried through, not
	// forced up to the 110 default — only the 32 floor applies.
	require.Equal(t, "50", node.Status.Capacity.Pods().String())
}

func TestTemplateNodeAvoidsControlPlaneFallback(t *testing.T) {
	cp := corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "cp-1", Labels: map[string]string{controlPlaneLabel: ""}}}
	worker := corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "worker-2"}}
	kube := &fakeKube{
		nodes:  []corev1.Node{cp, worker},
		byName: map[string]*corev1.Node{"cp-1": &cp, "worker-2": &worker},
	}
	svc := New(kube, nil)

	require.Equal(t, "worker-2", svc.pickTemplateNodeName(context.Background(), webGroup))
}

func TestParseTaintDefaultsEffect(t *testing.T) {
	taint, ok := parseTaint("dedicated=gpu")
	require.True(t, ok)
	require.Equal(t, "dedicated", taint.Key)
	require.Equal(t, "gpu", taint.Value)
	require.Equal(t, corev1.TaintEffectNoSchedule, taint.Effect)

	_, ok = parseTaint("  ")
	require.False(t, ok)
}

func TestParseLabelRejectsMalformed(t *testing.T) {
	_, _, ok := parseLabel("no-equals-sign")
	require.False(t, ok)

	key, value, ok := parseLabel(" foo = bar ")
	require.True(t, ok)
	require.Equal(t, "foo", key)
	require.Equal(t, "bar", value)
}
