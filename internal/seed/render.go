// Package seed renders the cloud-init NoCloud payload attached to
// every provisioned VM and packages it into the CIDATA ISO image
// Proxmox mounts as a CD-ROM on first boot.
package seed

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"text/template"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
)

const metaDataTemplate = `instance-id: {{ .Hostname }}
local-hostname: {{ .Hostname }}
`

const userDataTemplate = `#cloud-config
hostname: {{ .Hostname }}
ssh_authorized_keys:
  - {{ .K3s.SSHPublicKey }}
package_update: true
write_files:
{{- range .Registries }}
  - path: /etc/rancher/k3s/registries.yaml
    content: |
{{ . | indent 6 }}
{{- end }}
runcmd:
  - curl -sfL https://get.k3s.io | INSTALL_K3S_VERSION={{ .K3s.Version }} K3S_URL={{ .K3s.ServerURL }} K3S_TOKEN={{ .K3s.ClusterToken }} sh -s - agent{{ range .Labels }} --node-label {{ . }}{{ end }}{{ range .Taints }} --node-taint {{ . }}{{ end }}
`

// Renderer renders meta-data/user-data cloud-init documents and
// fingerprints them into a stable ISO filename.
type Renderer struct {
	meta *template.Template
	user *template.Template
}

// New compiles the meta-data and user-data templates once at startup.
func New() (*Renderer, error) {
	funcs := template.FuncMap{"indent": indent}
	meta, err := template.New("meta-data").Parse(metaDataTemplate)
	if err != nil {
		return nil, fmt.Errorf("seed: parse meta-data template: %w", err)
	}
	user, err := template.New("user-data").Funcs(funcs).Parse(userDataTemplate)
	if err != nil {
		return nil, fmt.Errorf("seed: parse user-data template: %w", err)
	}
	return &Renderer{meta: meta, user: user}, nil
}

type metaData struct {
	Hostname string
}

type userData struct {
	Hostname   string
	K3s        core.K3sConfig
	Labels     []string
	Taints     []string
	Registries []string
}

// Render produces the meta-data and user-data documents for a VM
// joining the cluster as a k3s agent.
func (r *Renderer) Render(g core.GroupConfig, hostname string, labels, taints []string, k3s core.K3sConfig) (meta, user []byte, err error) {
	var metaBuf bytes.Buffer
	if err := r.meta.Execute(&metaBuf, metaData{Hostname: hostname}); err != nil {
		return nil, nil, fmt.Errorf("seed: render meta-data: %w", err)
	}

	var registries []string
	if k3s.RegistriesYaml != "" {
		registries = []string{k3s.RegistriesYaml}
	}

	var userBuf bytes.Buffer
	data := userData{Hostname: hostname, K3s: k3s, Labels: labels, Taints: taints, Registries: registries}
	if err := r.user.Execute(&userBuf, data); err != nil {
		return nil, nil, fmt.Errorf("seed: render user-data: %w", err)
	}

	return metaBuf.Bytes(), userBuf.Bytes(), nil
}

// ISOName derives the content-addressed seed ISO filename, so that a
// reconcile pass never re-uploads an ISO whose rendered content hasn't
// changed for a given VM name.
func (r *Renderer) ISOName(meta, user []byte, hostname string) string {
	h := sha256.New()
	h.Write(meta)
	h.Write([]byte("\n"))
	h.Write(user)
	digest := hex.EncodeToString(h.Sum(nil))[:12]
	return fmt.Sprintf("seed-%s-%s.iso", hostname, digest)
}

func indent(spaces int, s string) string {
	pad := bytes.Repeat([]byte{' '}, spaces)
	lines := bytes.Split([]byte(s), []byte("\n"))
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		lines[i] = append(append([]byte{}, pad...), line...)
	}
	return string(bytes.Join(lines, []byte("\n")))
}
