// Package kube is the in-cluster Kubernetes client: typed CRUD over
// the node list via client-go for the reconciler and template
// service, plus a raw REST path that requests protobuf-encoded
// responses directly, since client-go's typed client decodes
// protobuf internally and never exposes the wire bytes the Cluster
// Autoscaler template-node contract needs.
package kube

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"

	"github.com/beskarops/proxmox-ca-provider/internal/resilience"
)

// Client is the in-cluster Kubernetes client.
type Client struct {
	typed     kubernetes.Interface
	protoREST rest.Interface
	policy    *resilience.Policy
}

// NewInClusterClient builds a Client from the pod's service-account
// token and CA bundle, the standard in-cluster client-go bootstrap,
// guarding every API call with policy (nil runs calls unguarded, which
// is what the fake-clientset tests want).
func NewInClusterClient(policy *resilience.Policy) (*Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("kube: load in-cluster config: %w", err)
	}
	return newClient(cfg, policy)
}

// NewClientFromConfig builds a Client from an explicit rest.Config,
// primarily for tests that point at an httptest server.
func NewClientFromConfig(cfg *rest.Config, policy *resilience.Policy) (*Client, error) {
	return newClient(cfg, policy)
}

func newClient(cfg *rest.Config, policy *resilience.Policy) (*Client, error) {
	typed, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kube: build typed client: %w", err)
	}

	protoCfg := *cfg
	protoCfg.ContentType = "application/vnd.kubernetes.protobuf"
	protoCfg.AcceptContentTypes = "application/vnd.kubernetes.protobuf"
	protoCfg.GroupVersion = &corev1.SchemeGroupVersion
	protoCfg.NegotiatedSerializer = scheme.Codecs.WithoutConversion()
	protoCfg.APIPath = "/api"
	protoREST, err := rest.RESTClientFor(&protoCfg)
	if err != nil {
		return nil, fmt.Errorf("kube: build protobuf rest client: %w", err)
	}

	return &Client{typed: typed, protoREST: protoREST, policy: policy}, nil
}

// guarded runs fn directly if no policy was configured (the unit
// tests construct Client literals with policy left nil), otherwise
// runs it through the retry/circuit-breaker policy.
func (c *Client) guarded(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.policy == nil {
		return fn(ctx)
	}
	return c.policy.Execute(ctx, fn)
}

// ListNodes lists every node in the cluster.
func (c *Client) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	var list *corev1.NodeList
	err := c.guarded(ctx, func(ctx context.Context) error {
		var err error
		list, err = c.typed.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		if err != nil {
			return resilience.Transient(fmt.Errorf("kube: list nodes: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// GetNode fetches a single node by name. Returns (nil, nil) if absent.
func (c *Client) GetNode(ctx context.Context, name string) (*corev1.Node, error) {
	var node *corev1.Node
	var notFound bool
	err := c.guarded(ctx, func(ctx context.Context) error {
		var err error
		node, err = c.typed.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			notFound = true
			return nil
		}
		if err != nil {
			return resilience.Transient(fmt.Errorf("kube: get node %s: %w", name, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, nil
	}
	return node, nil
}

// DeleteNode deletes a node by name. A not-found response is success.
func (c *Client) DeleteNode(ctx context.Context, name string) error {
	return c.guarded(ctx, func(ctx context.Context) error {
		err := c.typed.CoreV1().Nodes().Delete(ctx, name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return resilience.Transient(fmt.Errorf("kube: delete node %s: %w", name, err))
		}
		return nil
	})
}

// BuildTemplateNodeBytes submits node as a server-side dry-run create
// requesting protobuf encoding, then unwraps the Kubernetes wire
// envelope so the result is the raw v1.Node Marshal() bytes the
// Cluster Autoscaler template-node RPC returns to the autoscaler.
func (c *Client) BuildTemplateNodeBytes(ctx context.Context, node *corev1.Node) ([]byte, error) {
	var raw []byte
	err := c.guarded(ctx, func(ctx context.Context) error {
		result := c.protoREST.Post().
			Resource("nodes").
			VersionedParams(&metav1.CreateOptions{DryRun: []string{metav1.DryRunAll}}, scheme.ParameterCodec).
			Body(node).
			Do(ctx)

		var err error
		raw, err = result.Raw()
		if err != nil {
			return resilience.Transient(fmt.Errorf("kube: dry-run create template node: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return UnwrapProtobuf(raw)
}
