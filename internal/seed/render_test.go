package seed

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
)

func testK3s() core.K3sConfig {
	return core.K3sConfig{
		Version:      "v1.30.2+k3s1",
		ServerURL:    "https://10.0.0.5:6443",
		ClusterToken: "s3cr3t-token",
		SSHPublicKey: "ssh-ed25519 AAAA...",
	}
}

func TestRenderProducesJoinCommand(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	g := core.GroupConfig{ID: "general"}
	meta, user, err := r.Render(g, "ca-general-101", []string{"autoscaled=true"}, []string{"dedicated=ca:NoSchedule"}, testK3s())
	require.NoError(t, err)

	require.Contains(t, string(meta), "ca-general-101")
	require.Contains(t, string(user), "INSTALL_K3S_VERSION=v1.30.2+k3s1")
	require.Contains(t, string(user), "K3S_URL=https://10.0.0.5:6443")
	require.Contains(t, string(user), "--node-label autoscaled=true")
	require.Contains(t, string(user), "--node-taint dedicated=ca:NoSchedule")
}

func TestRenderIsDeterministicForIdenticalInputs(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	g := core.GroupConfig{ID: "general"}
	meta1, user1, err := r.Render(g, "ca-general-101", nil, nil, testK3s())
	require.NoError(t, err)
	meta2, user2, err := r.Render(g, "ca-general-101", nil, nil, testK3s())
	require.NoError(t, err)

	require.Equal(t, meta1, meta2)
	require.Equal(t, user1, user2)
}

func TestISONameChangesWithContent(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	name1 := r.ISOName([]byte("meta-a"), []byte("user-a"), "ca-general-101")
	name2 := r.ISOName([]byte("meta-b"), []byte("user-a"), "ca-general-101")

	require.True(t, strings.HasPrefix(name1, "seed-ca-general-101-"))
	require.True(t, strings.HasSuffix(name1, ".iso"))
	require.NotEqual(t, name1, name2)
}

func TestBuildCIDATAProducesNonEmptyImage(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	meta, user, err := r.Render(core.GroupConfig{ID: "general"}, "ca-general-101", nil, nil, testK3s())
	require.NoError(t, err)

	img, err := r.BuildCIDATA(meta, user)
	require.NoError(t, err)
	require.NotEmpty(t, img)
}
