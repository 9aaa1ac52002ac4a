package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
proxmox:
  apiUrl: https://10.0.0.5:8006
  node: pve1
  tokenId: root@pam!ca
  tokenSecret: secret
  cloudImageUrl: https://example.com/noble-server-cloudimg-amd64.img
k3s:
  serverUrl: https://10.0.0.5:6443
  clusterToken: s3cr3t
  sshPublicKey: ssh-ed25519 AAAA...
nodeGroups:
  - id: general
    minSize: 0
    maxSize: 5
    diskSize: 40G
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesGroupsAndAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	s, err := Load(path)
	require.NoError(t, err)

	require.Contains(t, s.Groups, "general")
	g := s.Groups["general"]
	require.Equal(t, "ca-general", g.VMNamePrefix)
	require.Equal(t, 2, g.Cores)
	require.Equal(t, int64(2048), g.MemoryMB)
	require.Equal(t, 40, g.DiskSizeGB)
	require.Equal(t, 5, g.MaxSize)

	require.Equal(t, 900, s.PendingVMTimeoutSeconds)
	require.Equal(t, 20, s.ReconcileIntervalSeconds)
	require.Equal(t, "v1.30.2+k3s1", s.K3s.Version)
}

func TestLoadFloorsTunables(t *testing.T) {
	yamlContent := sampleYAML + "\npendingVmTimeoutSeconds: 10\nreconcileIntervalSeconds: 1\n"
	path := writeTempConfig(t, yamlContent)

	s, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, minPendingVMTimeoutSeconds, s.PendingVMTimeoutSeconds)
	require.Equal(t, minReconcileIntervalSeconds, s.ReconcileIntervalSeconds)
}

func TestLoadRejectsMissingRequiredSettings(t *testing.T) {
	path := writeTempConfig(t, `
proxmox:
  node: pve1
nodeGroups:
  - id: general
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing required settings")
}

func TestLoadRejectsEmptyNodeGroups(t *testing.T) {
	path := writeTempConfig(t, `
proxmox:
  apiUrl: https://10.0.0.5:8006
  node: pve1
  tokenId: root@pam!ca
  tokenSecret: secret
  cloudImageUrl: https://example.com/img.qcow2
k3s:
  serverUrl: https://10.0.0.5:6443
  clusterToken: s3cr3t
  sshPublicKey: ssh-ed25519 AAAA...
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no node groups")
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	t.Setenv("PM_NODE", "pve-override")

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "pve-override", s.Proxmox.Node)
}
