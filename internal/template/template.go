// Package template builds the synthetic Kubernetes Node the Cluster
// Autoscaler uses for scheduling simulation: a base node's shape
// (architecture, OS, topology labels) overlaid with the requesting
// group's configured labels, taints, and compute capacity.
package template

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
)

const (
	groupLabelKey      = "autoscaler.proxmox/group"
	autoscaledLabelKey = "autoscaled"
	controlPlaneLabel  = "node-role.kubernetes.io/control-plane"
	masterLabel        = "node-role.kubernetes.io/master"
)

var carriedBaseLabels = []string{
	"kubernetes.io/arch",
	"kubernetes.io/os",
	"topology.kubernetes.io/region",
	"topology.kubernetes.io/zone",
}

// KubeNodes is the subset of the Kubernetes client this package needs.
type KubeNodes interface {
	ListNodes(ctx context.Context) ([]corev1.Node, error)
	GetNode(ctx context.Context, name string) (*corev1.Node, error)
	BuildTemplateNodeBytes(ctx context.Context, node *corev1.Node) ([]byte, error)
}

// Service is the template service.
type Service struct {
	kube KubeNodes
	log  *slog.Logger
}

// New builds a template Service.
func New(kube KubeNodes, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{kube: kube, log: log}
}

// BuildTemplateNode returns the wire bytes for group's synthetic template node.
func (s *Service) BuildTemplateNode(ctx context.Context, g core.GroupConfig) ([]byte, error) {
	node := s.templateNodePayload(ctx, g)
	return s.kube.BuildTemplateNodeBytes(ctx, node)
}

func (s *Service) pickTemplateNodeName(ctx context.Context, g core.GroupConfig) string {
	nodes, err := s.kube.ListNodes(ctx)
	if err != nil {
		s.log.Warn("failed listing kubernetes nodes for template base", "group", g.ID, "error", err)
		return ""
	}
	for _, n := range nodes {
		if strings.TrimSpace(n.Labels[groupLabelKey]) == g.ID && strings.TrimSpace(n.Name) != "" {
			return n.Name
		}
	}
	for _, n := range nodes {
		_, isControlPlane := n.Labels[controlPlaneLabel]
		_, isMaster := n.Labels[masterLabel]
		if !isControlPlane && !isMaster && strings.TrimSpace(n.Name) != "" {
			return n.Name
		}
	}
	if len(nodes) > 0 {
		return strings.TrimSpace(nodes[0].Name)
	}
	return ""
}

func (s *Service) templateNodePayload(ctx context.Context, g core.GroupConfig) *corev1.Node {
	baseLabels := map[string]string{}
	baseCapacity := corev1.ResourceList{}
	baseAllocatable := corev1.ResourceList{}

	if name := s.pickTemplateNodeName(ctx, g); name != "" {
		base, err := s.kube.GetNode(ctx, name)
		if err != nil {
			s.log.Warn("failed reading base node for template", "group", g.ID, "node", name, "error", err)
		} else if base != nil {
			for _, key := range carriedBaseLabels {
				if v := strings.TrimSpace(base.Labels[key]); v != "" {
					baseLabels[key] = v
				}
			}
			for k, v := range base.Status.Capacity {
				baseCapacity[k] = v
			}
			for k, v := range base.Status.Allocatable {
				baseAllocatable[k] = v
			}
		}
	}

	labels := make(map[string]string, len(baseLabels)+len(g.Labels)+2)
	for k, v := range baseLabels {
		labels[k] = v
	}
	labels[groupLabelKey] = g.ID
	labels[autoscaledLabelKey] = "true"
	for _, raw := range g.Labels {
		if key, value, ok := parseLabel(raw); ok {
			labels[key] = value
		}
	}

	var taints []corev1.Taint
	for _, raw := range g.Taints {
		if t, ok := parseTaint(raw); ok {
			taints = append(taints, t)
		}
	}

	cores := g.Cores
	if cores < 1 {
		cores = 1
	}
	memMB := g.MemoryMB
	if memMB < 256 {
		memMB = 256
	}
	pods := int64(110)
	if existing, ok := baseCapacity[corev1.ResourcePods]; ok {
		pods = existing.Value()
	}
	if pods < 32 {
		pods = 32
	}

	capacity := corev1.ResourceList{}
	for k, v := range baseCapacity {
		capacity[k] = v
	}
	capacity[corev1.ResourceCPU] = resource.MustParse(strconv.Itoa(cores))
	capacity[corev1.ResourceMemory] = resource.MustParse(fmt.Sprintf("%dMi", memMB))
	capacity[corev1.ResourcePods] = resource.MustParse(strconv.FormatInt(pods, 10))

	allocatable := corev1.ResourceList{}
	for k, v := range baseAllocatable {
		allocatable[k] = v
	}
	allocatable[corev1.ResourceCPU] = capacity[corev1.ResourceCPU]
	allocatable[corev1.ResourceMemory] = capacity[corev1.ResourceMemory]
	allocatable[corev1.ResourcePods] = capacity[corev1.ResourcePods]

	return &corev1.Node{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Node"},
		ObjectMeta: metav1.ObjectMeta{
			Name:   fmt.Sprintf("proxmox-ca-template-%s", g.ID),
			Labels: labels,
		},
		Spec: corev1.NodeSpec{Taints: taints},
		Status: corev1.NodeStatus{
			Capacity:    capacity,
			Allocatable: allocatable,
		},
	}
}

// parseLabel parses a "key=value" group label. Malformed entries are skipped.
func parseLabel(raw string) (key, value string, ok bool) {
	v := strings.TrimSpace(raw)
	if v == "" || !strings.Contains(v, "=") {
		return "", "", false
	}
	parts := strings.SplitN(v, "=", 2)
	key = strings.TrimSpace(parts[0])
	value = strings.TrimSpace(parts[1])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

// parseTaint parses "key=value:Effect" (value optional) group taints,
// defaulting the effect to NoSchedule.
func parseTaint(raw string) (corev1.Taint, bool) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return corev1.Taint{}, false
	}
	effect := "NoSchedule"
	keyValue := v
	if idx := strings.LastIndex(v, ":"); idx >= 0 {
		keyValue = v[:idx]
		if e := strings.TrimSpace(v[idx+1:]); e != "" {
			effect = e
		}
	}
	keyValue = strings.TrimSpace(keyValue)
	if keyValue == "" {
		return corev1.Taint{}, false
	}
	if strings.Contains(keyValue, "=") {
		parts := strings.SplitN(keyValue, "=", 2)
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			return corev1.Taint{}, false
		}
		return corev1.Taint{Key: key, Value: value, Effect: corev1.TaintEffect(effect)}, true
	}
	return corev1.Taint{Key: keyValue, Effect: corev1.TaintEffect(effect)}, true
}
