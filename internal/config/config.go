/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the provider's settings file: the
// Proxmox endpoint and credentials, the k3s join parameters, the node
// group roster, and the ambient logging/RPC/retry/circuit-breaker
// tuning every other package pulls its defaults from.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
)

const (
	minPendingVMTimeoutSeconds = 120
	minReconcileIntervalSeconds = 5
)

// Settings is the fully resolved configuration for one provider process.
type Settings struct {
	Log            LogConfig            `yaml:"log"`
	Tracing        TracingConfig        `yaml:"tracing"`
	RPC            RPCConfig            `yaml:"rpc"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	Performance    PerformanceConfig    `yaml:"performance"`

	Proxmox ProxmoxConfig `yaml:"proxmox"`
	K3s     core.K3sConfig `yaml:"-"`
	K3sRaw  K3sRawConfig `yaml:"k3s"`

	VMTagPrefix             string                    `yaml:"vmTagPrefix"`
	PendingVMTimeoutSeconds int                       `yaml:"pendingVmTimeoutSeconds"`
	ReconcileIntervalSeconds int                      `yaml:"reconcileIntervalSeconds"`
	Groups                  map[string]core.GroupConfig `yaml:"-"`
	NodeGroups              []NodeGroupConfig         `yaml:"nodeGroups"`

	ServerAddr string `yaml:"serverAddr"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

// TracingConfig holds tracing configuration.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRatio     float64 `yaml:"samplingRatio"`
	InsecureTransport bool    `yaml:"insecureTransport"`
}

// RPCConfig holds gRPC timeout configuration per externalgrpc call kind.
type RPCConfig struct {
	TimeoutDescribe time.Duration `yaml:"timeoutDescribe"`
	TimeoutMutating time.Duration `yaml:"timeoutMutating"`
}

// RetryConfig holds retry configuration for Proxmox/Kubernetes calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      bool          `yaml:"jitter"`
}

// CircuitBreakerConfig holds circuit breaker configuration guarding the
// Proxmox client.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
	HalfOpenMaxCalls int           `yaml:"halfOpenMaxCalls"`
}

// PerformanceConfig holds profiling configuration.
type PerformanceConfig struct {
	PProfEnabled bool   `yaml:"pprofEnabled"`
	PProfAddr    string `yaml:"pprofAddr"`
}

// ProxmoxConfig holds the Proxmox VE endpoint, credentials, and the
// storage/network defaults every provisioned VM is created with.
type ProxmoxConfig struct {
	APIURL              string `yaml:"apiUrl"`
	Node                string `yaml:"node"`
	TokenID             string `yaml:"tokenId"`
	TokenSecret         string `yaml:"tokenSecret"`
	TLSInsecure         bool   `yaml:"tlsInsecure"`
	ImportStorage       string `yaml:"importStorage"`
	ISOStorage          string `yaml:"isoStorage"`
	VMStorage           string `yaml:"vmStorage"`
	Bridge              string `yaml:"bridge"`
	CloudImageURL       string `yaml:"cloudImageUrl"`
	VerifyCertificates  bool   `yaml:"verifyCertificates"`
	CABundlePath        string `yaml:"caBundlePath"`
}

// K3sRawConfig is the on-disk shape of the k3s join section, before
// registriesYamlFile indirection is resolved into core.K3sConfig.
type K3sRawConfig struct {
	Version           string `yaml:"version"`
	ServerURL         string `yaml:"serverUrl"`
	ClusterToken      string `yaml:"clusterToken"`
	SSHPublicKey      string `yaml:"sshPublicKey"`
	RegistriesYaml    string `yaml:"registriesYaml"`
	RegistriesYamlFile string `yaml:"registriesYamlFile"`
}

// NodeGroupConfig is the on-disk shape of one node group entry.
type NodeGroupConfig struct {
	ID           string   `yaml:"id"`
	VMNamePrefix string   `yaml:"vmNamePrefix"`
	MinSize      int      `yaml:"minSize"`
	MaxSize      int      `yaml:"maxSize"`
	Cores        int      `yaml:"cores"`
	MemoryMB     int64    `yaml:"memoryMb"`
	BalloonMB    int64    `yaml:"balloonMb"`
	DiskSize     string   `yaml:"diskSize"`
	Labels       []string `yaml:"labels"`
	Taints       []string `yaml:"taints"`
}

// Load reads settings from a YAML file, layers environment variable
// overrides on top, resolves the node group roster, and validates the
// result. Environment variables take precedence over file values,
// mirroring how this provider has always been configured in the field.
func Load(path string) (*Settings, error) {
	s := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(s)

	if err := resolveK3s(s); err != nil {
		return nil, err
	}

	groups, err := resolveGroups(s.NodeGroups)
	if err != nil {
		return nil, err
	}
	s.Groups = groups

	if s.PendingVMTimeoutSeconds < minPendingVMTimeoutSeconds {
		s.PendingVMTimeoutSeconds = minPendingVMTimeoutSeconds
	}
	if s.ReconcileIntervalSeconds < minReconcileIntervalSeconds {
		s.ReconcileIntervalSeconds = minReconcileIntervalSeconds
	}

	if err := validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

func defaults() *Settings {
	return &Settings{
		Log: LogConfig{
			Level:  getEnvWithDefault("LOG_LEVEL", "info"),
			Format: getEnvWithDefault("LOG_FORMAT", "json"),
		},
		Tracing: TracingConfig{
			SamplingRatio:     0.1,
			InsecureTransport: true,
		},
		RPC: RPCConfig{
			TimeoutDescribe: 10 * time.Second,
			TimeoutMutating: 4 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
			Jitter:      true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 10,
			ResetTimeout:     60 * time.Second,
			HalfOpenMaxCalls: 3,
		},
		Performance: PerformanceConfig{
			PProfAddr: ":6060",
		},
		Proxmox: ProxmoxConfig{
			ImportStorage: "local",
			ISOStorage:    "local",
			VMStorage:     "local-lvm",
			Bridge:        "vmbr0",
			TLSInsecure:   true,
		},
		K3sRaw: K3sRawConfig{
			Version: "v1.30.2+k3s1",
		},
		VMTagPrefix:              "ca-managed",
		PendingVMTimeoutSeconds:  900,
		ReconcileIntervalSeconds: 20,
		ServerAddr:               ":8086",
	}
}

func applyEnvOverrides(s *Settings) {
	s.Proxmox.APIURL = getEnvWithDefault("PM_API_URL", s.Proxmox.APIURL)
	s.Proxmox.Node = getEnvWithDefault("PM_NODE", s.Proxmox.Node)
	s.Proxmox.TokenID = getEnvWithDefault("PM_SERVICE_TOKEN_ID", s.Proxmox.TokenID)
	s.Proxmox.TokenSecret = getEnvWithDefault("PM_SERVICE_TOKEN_SECRET", s.Proxmox.TokenSecret)
	s.Proxmox.TLSInsecure = getEnvBoolWithDefault("PM_TLS_INSECURE", s.Proxmox.TLSInsecure)
	s.Proxmox.ImportStorage = getEnvWithDefault("IMPORT_STORAGE", s.Proxmox.ImportStorage)
	s.Proxmox.ISOStorage = getEnvWithDefault("ISO_STORAGE", s.Proxmox.ISOStorage)
	s.Proxmox.VMStorage = getEnvWithDefault("VM_STORAGE", s.Proxmox.VMStorage)
	s.Proxmox.Bridge = getEnvWithDefault("BRIDGE", s.Proxmox.Bridge)
	s.Proxmox.CloudImageURL = getEnvWithDefault("CLOUD_IMAGE_URL", s.Proxmox.CloudImageURL)
	s.Proxmox.VerifyCertificates = getEnvBoolWithDefault("PM_VERIFY_CERTIFICATES", s.Proxmox.VerifyCertificates)

	s.K3sRaw.Version = getEnvWithDefault("K3S_VERSION", s.K3sRaw.Version)
	s.K3sRaw.ServerURL = getEnvWithDefault("K3S_SERVER_URL", s.K3sRaw.ServerURL)
	s.K3sRaw.ClusterToken = getEnvWithDefault("K3S_CLUSTER_TOKEN", s.K3sRaw.ClusterToken)
	s.K3sRaw.SSHPublicKey = strings.TrimSpace(getEnvWithDefault("SSH_PUBLIC_KEY", s.K3sRaw.SSHPublicKey))

	s.Log.Level = getEnvWithDefault("LOG_LEVEL", s.Log.Level)
	s.Log.Format = getEnvWithDefault("LOG_FORMAT", s.Log.Format)
	s.Tracing.Enabled = getEnvBoolWithDefault("CA_TRACING_ENABLED", s.Tracing.Enabled)
	s.Tracing.Endpoint = getEnvWithDefault("CA_TRACING_ENDPOINT", s.Tracing.Endpoint)
	s.ServerAddr = getEnvWithDefault("CA_SERVER_ADDR", s.ServerAddr)

	if v, err := strconv.Atoi(os.Getenv("PENDING_VM_TIMEOUT_SECONDS")); err == nil {
		s.PendingVMTimeoutSeconds = v
	}
	if v, err := strconv.Atoi(os.Getenv("RECONCILE_INTERVAL_SECONDS")); err == nil {
		s.ReconcileIntervalSeconds = v
	}
}

func resolveK3s(s *Settings) error {
	registries := s.K3sRaw.RegistriesYaml
	if registries == "" && strings.TrimSpace(s.K3sRaw.RegistriesYamlFile) != "" {
		data, err := os.ReadFile(s.K3sRaw.RegistriesYamlFile)
		if err != nil {
			return fmt.Errorf("config: read registriesYamlFile: %w", err)
		}
		registries = string(data)
	}
	s.K3s = core.K3sConfig{
		Version:        s.K3sRaw.Version,
		ServerURL:      s.K3sRaw.ServerURL,
		ClusterToken:   s.K3sRaw.ClusterToken,
		SSHPublicKey:   s.K3sRaw.SSHPublicKey,
		RegistriesYaml: registries,
	}
	return nil
}

func resolveGroups(raw []NodeGroupConfig) (map[string]core.GroupConfig, error) {
	groups := make(map[string]core.GroupConfig, len(raw))
	for _, g := range raw {
		if g.ID == "" {
			return nil, fmt.Errorf("config: node group missing id")
		}
		diskGB, err := parseDiskSizeGB(g.DiskSize)
		if err != nil {
			return nil, fmt.Errorf("config: node group %s: %w", g.ID, err)
		}
		prefix := g.VMNamePrefix
		if prefix == "" {
			prefix = "ca-" + g.ID
		}
		cores := g.Cores
		if cores == 0 {
			cores = 2
		}
		memoryMB := g.MemoryMB
		if memoryMB == 0 {
			memoryMB = 2048
		}
		maxSize := g.MaxSize
		if maxSize == 0 {
			maxSize = 10
		}
		if g.MinSize > maxSize {
			return nil, fmt.Errorf("config: node group %s: minSize %d exceeds maxSize %d", g.ID, g.MinSize, maxSize)
		}
		groups[g.ID] = core.GroupConfig{
			ID:           g.ID,
			VMNamePrefix: prefix,
			MinSize:      g.MinSize,
			MaxSize:      maxSize,
			Cores:        cores,
			MemoryMB:     memoryMB,
			BalloonMB:    g.BalloonMB,
			DiskSizeGB:   diskGB,
			Labels:       g.Labels,
			Taints:       g.Taints,
		}
	}
	return groups, nil
}

// parseDiskSizeGB parses a Proxmox-style disk size string ("20G",
// "100") into whole gigabytes.
func parseDiskSizeGB(s string) (int, error) {
	if s == "" {
		return 20, nil
	}
	trimmed := strings.TrimSuffix(strings.TrimSuffix(s, "G"), "g")
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid disk size %q: %w", s, err)
	}
	return n, nil
}

func validate(s *Settings) error {
	required := map[string]string{
		"PM_API_URL":              s.Proxmox.APIURL,
		"PM_NODE":                 s.Proxmox.Node,
		"PM_SERVICE_TOKEN_ID":     s.Proxmox.TokenID,
		"PM_SERVICE_TOKEN_SECRET": s.Proxmox.TokenSecret,
		"CLOUD_IMAGE_URL":         s.Proxmox.CloudImageURL,
		"K3S_SERVER_URL":          s.K3s.ServerURL,
		"K3S_CLUSTER_TOKEN":       s.K3s.ClusterToken,
		"SSH_PUBLIC_KEY":          s.K3s.SSHPublicKey,
	}
	var missing []string
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	if len(s.Groups) == 0 {
		return fmt.Errorf("config: no node groups configured")
	}
	return nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
