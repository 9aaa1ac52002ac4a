// Package proxmox is the Proxmox VE REST API client: VM inventory,
// creation, deletion, storage content management, and UPID task
// polling. Every method that performs a network call takes a
// context and wraps transient failures (network errors, timeouts,
// 5xx/429 responses) with resilience.Transient so the retry helper
// in internal/resilience knows which failures are safe to retry.
package proxmox

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
	"github.com/beskarops/proxmox-ca-provider/internal/group"
	"github.com/beskarops/proxmox-ca-provider/internal/reconcile"
	"github.com/beskarops/proxmox-ca-provider/internal/resilience"
)

// Config holds the PVE API client configuration.
type Config struct {
	Endpoint           string
	TokenID            string
	TokenSecret        string
	InsecureSkipVerify bool
	CABundle           []byte
	Node               string
	VMStorage          string
	ISOStorage         string
	ImportStorage      string
	CloudImageURL      string
	Bridge             string
	VerifyCertificates bool
	RequestTimeout     time.Duration
	UploadTimeout      time.Duration
	TaskPollInterval   time.Duration
	TaskTimeout        time.Duration

	// RetryConfig and CircuitBreaker tune the resilience.Policy every
	// request runs under. Both default when left nil.
	RetryConfig    *resilience.RetryConfig
	CircuitBreaker *resilience.Config
}

// Client is a Proxmox VE REST API client for a single target node.
type Client struct {
	cfg        Config
	httpClient *http.Client
	baseURL    string
	policy     *resilience.Policy
}

// NewClient builds a Client, applying the library's documented
// defaults for anything left zero-valued.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("proxmox: endpoint is required")
	}
	if cfg.Node == "" {
		return nil, fmt.Errorf("proxmox: node is required")
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = 10 * time.Minute
	}
	if cfg.TaskPollInterval == 0 {
		cfg.TaskPollInterval = 2 * time.Second
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if len(cfg.CABundle) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cfg.CABundle) {
			return nil, fmt.Errorf("proxmox: CA bundle contains no usable certificates")
		}
		tlsConfig.RootCAs = pool
	}

	retryConfig := cfg.RetryConfig
	if retryConfig == nil {
		retryConfig = resilience.DefaultRetryConfig()
	}
	cbConfig := cfg.CircuitBreaker
	if cbConfig == nil {
		cbConfig = resilience.DefaultConfig()
	}
	cb := resilience.NewCircuitBreaker(cfg.Node, "proxmox", cfg.Node, cbConfig)

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}, Timeout: cfg.RequestTimeout},
		baseURL:    strings.TrimRight(cfg.Endpoint, "/"),
		policy:     resilience.NewPolicy("proxmox-client", retryConfig, cb),
	}, nil
}

type apiResponse struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) authHeader(req *http.Request) {
	req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.cfg.TokenID, c.cfg.TokenSecret))
}

// jsonCall issues one Proxmox API request and runs it under the
// client's resilience.Policy, so a 5xx/429 response or a network error
// is retried (with a fresh request body each attempt) before the
// circuit breaker trips and starts failing fast.
func (c *Client) jsonCall(ctx context.Context, method, path string, form url.Values) (json.RawMessage, error) {
	var out apiResponse
	var notFound bool

	err := c.policy.Execute(ctx, func(ctx context.Context) error {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api2/json"+path, body)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		c.authHeader(req)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return resilience.Transient(fmt.Errorf("proxmox request %s %s: %w", method, path, err))
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return resilience.Transient(fmt.Errorf("read response %s %s: %w", method, path, err))
		}

		if resp.StatusCode == http.StatusNotFound {
			notFound = true
			return nil
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return resilience.Transient(fmt.Errorf("proxmox %s %s: status %d: %s", method, path, resp.StatusCode, raw))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("proxmox %s %s: status %d: %s", method, path, resp.StatusCode, raw)
		}

		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decode response %s %s: %w", method, path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, errNotFound
	}
	return out.Data, nil
}

var errNotFound = fmt.Errorf("proxmox: resource not found")

// NextID returns the next unused VMID in the cluster.
func (c *Client) NextID(ctx context.Context) (int, error) {
	data, err := c.jsonCall(ctx, http.MethodGet, "/cluster/nextid", nil)
	if err != nil {
		return 0, err
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return 0, fmt.Errorf("decode nextid: %w", err)
	}
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, fmt.Errorf("parse nextid %q: %w", id, err)
	}
	return n, nil
}

type vmSummaryWire struct {
	VMID   int    `json:"vmid"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Tags   string `json:"tags"`
}

// ListVMs lists every VM on the configured node.
func (c *Client) ListVMs(ctx context.Context) ([]group.VMSummary, error) {
	data, err := c.jsonCall(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu", c.cfg.Node), nil)
	if err != nil {
		return nil, err
	}
	var wire []vmSummaryWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode vm list: %w", err)
	}
	out := make([]group.VMSummary, 0, len(wire))
	for _, vm := range wire {
		var tags []string
		if vm.Tags != "" {
			tags = core.ParseTags(vm.Tags)
		}
		out = append(out, group.VMSummary{VMID: vm.VMID, Name: vm.Name, Status: vm.Status, Tags: tags})
	}
	return out, nil
}

// VMTags returns the configured tags for vmid by reading its config.
func (c *Client) VMTags(ctx context.Context, vmid int) ([]string, error) {
	cfg, err := c.vmConfig(ctx, vmid)
	if err != nil {
		return nil, err
	}
	return core.ParseTags(cfg["tags"]), nil
}

func (c *Client) vmConfig(ctx context.Context, vmid int) (map[string]string, error) {
	data, err := c.jsonCall(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu/%d/config", c.cfg.Node, vmid), nil)
	if err != nil {
		if err == errNotFound {
			return map[string]string{}, nil
		}
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode vm config: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out, nil
}

type storageContentItem struct {
	VolID string `json:"volid"`
}

func (c *Client) storageContent(ctx context.Context, storage string) ([]storageContentItem, error) {
	data, err := c.jsonCall(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/storage/%s/content", c.cfg.Node, storage), nil)
	if err != nil {
		return nil, err
	}
	var items []storageContentItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode storage content: %w", err)
	}
	return items, nil
}

// IsoExists reports whether an ISO named name already exists in the
// configured ISO storage.
func (c *Client) IsoExists(ctx context.Context, name string) (bool, error) {
	items, err := c.storageContent(ctx, c.cfg.ISOStorage)
	if err != nil {
		return false, err
	}
	want := "iso/" + name
	for _, item := range items {
		if strings.HasSuffix(item.VolID, want) {
			return true, nil
		}
	}
	return false, nil
}

// Upload uploads filename with the given content type ("iso") to
// storage, retrying the whole multipart upload under the client's
// resilience.Policy on a transient failure.
func (c *Client) Upload(ctx context.Context, storage, filename, content string, data []byte) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("content", content); err != nil {
		return fmt.Errorf("write content field: %w", err)
	}
	part, err := writer.CreateFormFile("filename", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write file bytes: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}
	contentType := writer.FormDataContentType()
	bodyBytes := buf.Bytes()

	return c.policy.Execute(ctx, func(ctx context.Context) error {
		uploadCtx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
		defer cancel()

		url := fmt.Sprintf("%s/api2/json/nodes/%s/storage/%s/upload", c.baseURL, c.cfg.Node, storage)
		req, err := http.NewRequestWithContext(uploadCtx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return fmt.Errorf("build upload request: %w", err)
		}
		c.authHeader(req)
		req.Header.Set("Content-Type", contentType)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return resilience.Transient(fmt.Errorf("upload %s to %s: %w", filename, storage, err))
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			return resilience.Transient(fmt.Errorf("upload %s: status %d: %s", filename, resp.StatusCode, raw))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("upload %s: status %d: %s", filename, resp.StatusCode, raw)
		}
		return nil
	})
}

// EnsureImportImage ensures the configured cloud image has been
// imported into import storage, importing it if absent, and returns
// its filename.
func (c *Client) EnsureImportImage(ctx context.Context) (string, error) {
	parsed, err := url.Parse(c.cfg.CloudImageURL)
	if err != nil {
		return "", fmt.Errorf("parse cloud image url: %w", err)
	}
	filename := parsed.Path
	if idx := strings.LastIndex(filename, "/"); idx >= 0 {
		filename = filename[idx+1:]
	}
	if filename == "" {
		return "", fmt.Errorf("cloud image url %q has no filename", c.cfg.CloudImageURL)
	}
	if !strings.HasSuffix(filename, ".qcow2") {
		if idx := strings.LastIndex(filename, "."); idx >= 0 {
			filename = filename[:idx]
		}
		filename += ".qcow2"
	}

	items, err := c.storageContent(ctx, c.cfg.ImportStorage)
	if err != nil {
		return "", err
	}
	want := "import/" + filename
	for _, item := range items {
		if strings.HasSuffix(item.VolID, want) {
			return filename, nil
		}
	}

	verify := "0"
	if c.cfg.VerifyCertificates {
		verify = "1"
	}
	data, err := c.jsonCall(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/storage/%s/download-url", c.cfg.Node, c.cfg.ImportStorage), url.Values{
		"content":              {"import"},
		"filename":             {filename},
		"url":                  {c.cfg.CloudImageURL},
		"verify-certificates":  {verify},
	})
	if err != nil {
		return "", fmt.Errorf("import cloud image: %w", err)
	}
	if err := c.waitUPID(ctx, data); err != nil {
		return "", fmt.Errorf("wait for image import: %w", err)
	}
	return filename, nil
}

// CreateVMFromImage creates spec.VMID by cloning the imported cloud
// image via import-from, attaches the seed ISO, resizes the primary
// disk, and starts the VM.
func (c *Client) CreateVMFromImage(ctx context.Context, spec reconcile.VMCreateSpec) error {
	imageFilename, err := c.EnsureImportImage(ctx)
	if err != nil {
		return err
	}

	scsi0 := fmt.Sprintf("%s:0,import-from=%s:import/%s,discard=on", c.cfg.VMStorage, c.cfg.ImportStorage, imageFilename)
	form := url.Values{
		"vmid":     {strconv.Itoa(spec.VMID)},
		"name":     {spec.Name},
		"agent":    {"1"},
		"memory":   {strconv.FormatInt(spec.MemoryMB, 10)},
		"cores":    {strconv.Itoa(spec.Cores)},
		"balloon":  {strconv.FormatInt(maxInt64(0, spec.BalloonMB), 10)},
		"net0":     {fmt.Sprintf("virtio,bridge=%s", c.cfg.Bridge)},
		"ipconfig0": {"ip=dhcp"},
		"scsihw":   {"virtio-scsi-pci"},
		"serial0":  {"socket"},
		"vga":      {"serial0"},
		"ostype":   {"l26"},
		"scsi0":    {scsi0},
		"boot":     {"order=scsi0"},
		"tags":     {spec.Tags},
		"ide2":     {fmt.Sprintf("%s:iso/%s,media=cdrom", c.cfg.ISOStorage, spec.ISOName)},
	}
	data, err := c.jsonCall(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu", c.cfg.Node), form)
	if err != nil {
		return fmt.Errorf("create vm %d: %w", spec.VMID, err)
	}
	if err := c.waitUPID(ctx, data); err != nil {
		return fmt.Errorf("wait for vm %d creation: %w", spec.VMID, err)
	}

	if spec.DiskSizeGB > 0 {
		resizeData, err := c.jsonCall(ctx, http.MethodPut, fmt.Sprintf("/nodes/%s/qemu/%d/resize", c.cfg.Node, spec.VMID), url.Values{
			"disk": {"scsi0"},
			"size": {fmt.Sprintf("%dG", spec.DiskSizeGB)},
		})
		if err == nil {
			_ = c.waitUPID(ctx, resizeData)
		}
	}

	startData, err := c.jsonCall(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/status/start", c.cfg.Node, spec.VMID), nil)
	if err != nil {
		return fmt.Errorf("start vm %d: %w", spec.VMID, err)
	}
	return c.waitUPID(ctx, startData)
}

// AttachedSeedISO extracts the storage and iso/ volume path of vmid's
// ide2 device, if it looks like a seed ISO this provider created.
func (c *Client) AttachedSeedISO(ctx context.Context, vmid int) (string, string, bool, error) {
	cfg, err := c.vmConfig(ctx, vmid)
	if err != nil {
		return "", "", false, err
	}
	ide2 := strings.TrimSpace(cfg["ide2"])
	if ide2 == "" {
		return "", "", false, nil
	}
	first := strings.TrimSpace(strings.SplitN(ide2, ",", 2)[0])
	parts := strings.SplitN(first, ":", 2)
	if len(parts) != 2 {
		return "", "", false, nil
	}
	storage, volume := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if storage == "" || !strings.HasPrefix(volume, "iso/") {
		return "", "", false, nil
	}
	filename := strings.TrimPrefix(volume, "iso/")
	if !strings.HasPrefix(filename, "seed-") || !strings.HasSuffix(filename, ".iso") {
		return "", "", false, nil
	}
	return storage, volume, true, nil
}

// StopAndDeleteVM stops vmid (best-effort) then deletes it, purging
// unreferenced disks. A 404 on either call is treated as success.
func (c *Client) StopAndDeleteVM(ctx context.Context, vmid int) error {
	stopData, err := c.jsonCall(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/status/stop", c.cfg.Node, vmid), nil)
	if err == nil {
		_ = c.waitUPID(ctx, stopData)
	}

	path := fmt.Sprintf("/nodes/%s/qemu/%d?purge=1&destroy-unreferenced-disks=1", c.cfg.Node, vmid)
	data, err := c.jsonCall(ctx, http.MethodDelete, path, nil)
	if err == errNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete vm %d: %w", vmid, err)
	}
	return c.waitUPID(ctx, data)
}

// DeleteStorageVolume deletes volume from storage. A 404 is success.
func (c *Client) DeleteStorageVolume(ctx context.Context, storage, volume string) error {
	path := fmt.Sprintf("/nodes/%s/storage/%s/content/%s", c.cfg.Node, storage, url.PathEscape(volume))
	data, err := c.jsonCall(ctx, http.MethodDelete, path, nil)
	if err == errNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete storage volume %s/%s: %w", storage, volume, err)
	}
	return c.waitUPID(ctx, data)
}

func (c *Client) waitUPID(ctx context.Context, data json.RawMessage) error {
	var upid string
	if err := json.Unmarshal(data, &upid); err != nil || !strings.HasPrefix(upid, "UPID:") {
		return nil
	}
	return c.WaitForTask(ctx, upid)
}

type taskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

// WaitForTask polls upid's status every TaskPollInterval until it
// reports stopped, TaskTimeout elapses, or ctx is cancelled.
func (c *Client) WaitForTask(ctx context.Context, upid string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.TaskTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.TaskPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("task %s: %w", upid, timeoutCtx.Err())
		case <-ticker.C:
			data, err := c.jsonCall(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/tasks/%s/status", c.cfg.Node, url.QueryEscape(upid)), nil)
			if err != nil {
				return fmt.Errorf("poll task %s: %w", upid, err)
			}
			var status taskStatus
			if err := json.Unmarshal(data, &status); err != nil {
				return fmt.Errorf("decode task status %s: %w", upid, err)
			}
			if status.Status == "stopped" {
				if status.ExitStatus != "" && status.ExitStatus != "OK" {
					return fmt.Errorf("task %s failed: %s", upid, status.ExitStatus)
				}
				return nil
			}
		}
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
