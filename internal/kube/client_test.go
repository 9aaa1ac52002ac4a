package kube

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestListNodesReturnsAllNodes(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset(
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "a"}},
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "b"}},
	)
	c := &Client{typed: clientset}

	nodes, err := c.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
}

func TestGetNodeReturnsNilWhenMissing(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset()
	c := &Client{typed: clientset}

	node, err := c.GetNode(ctx, "ghost")
	require.NoError(t, err)
	require.Nil(t, node)
}

func TestDeleteNodeTreatsMissingAsSuccess(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset()
	c := &Client{typed: clientset}

	require.NoError(t, c.DeleteNode(ctx, "ghost"))
}

func TestDeleteNodeRemovesExisting(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset(&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "worker-1"}})
	c := &Client{typed: clientset}

	require.NoError(t, c.DeleteNode(ctx, "worker-1"))
	node, err := c.GetNode(ctx, "worker-1")
	require.NoError(t, err)
	require.Nil(t, node)
}
