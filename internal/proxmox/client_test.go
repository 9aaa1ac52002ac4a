package proxmox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beskarops/proxmox-ca-provider/internal/resilience"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		Endpoint:         srv.URL,
		TokenID:          "root@pam!ca",
		TokenSecret:      "secret",
		Node:             "pve1",
		ISOStorage:       "local",
		ImportStorage:    "local",
		VMStorage:        "local-lvm",
		Bridge:           "vmbr0",
		CloudImageURL:    "https://example.com/images/noble-server-cloudimg-amd64.img",
		TaskPollInterval: 5 * time.Millisecond,
		TaskTimeout:      time.Second,
		// No retries in the fast-path tests below; retry behavior
		// itself is covered by TestJSONCallRetriesTransientFailures.
		RetryConfig: &resilience.RetryConfig{MaxAttempts: 1},
	})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": v})
}

func TestNextIDParsesStringResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/cluster/nextid", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "PVEAPIToken=root@pam!ca=secret", r.Header.Get("Authorization"))
		writeJSON(w, "142")
	})
	c := newTestClient(t, mux)

	id, err := c.NextID(context.Background())
	require.NoError(t, err)
	require.Equal(t, 142, id)
}

func TestListVMsParsesTagsField(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/nodes/pve1/qemu", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"vmid": 101, "name": "ca-general-101", "status": "running", "tags": "ca-group-general;ca-managed"},
		})
	})
	c := newTestClient(t, mux)

	vms, err := c.ListVMs(context.Background())
	require.NoError(t, err)
	require.Len(t, vms, 1)
	require.Equal(t, 101, vms[0].VMID)
	require.ElementsMatch(t, []string{"ca-group-general", "ca-managed"}, vms[0].Tags)
}

func TestIsoExistsMatchesSuffix(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/nodes/pve1/storage/local/content", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"volid": "local:iso/seed-ca-general-101-abc123.iso"},
		})
	})
	c := newTestClient(t, mux)

	exists, err := c.IsoExists(context.Background(), "seed-ca-general-101-abc123.iso")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = c.IsoExists(context.Background(), "seed-ca-general-999-xyz.iso")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestAttachedSeedISOExtractsStorageAndVolume(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/nodes/pve1/qemu/101/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"ide2": "local:iso/seed-ca-general-101-abc123.iso,media=cdrom",
		})
	})
	c := newTestClient(t, mux)

	storage, volume, ok, err := c.AttachedSeedISO(context.Background(), 101)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "local", storage)
	require.Equal(t, "iso/seed-ca-general-101-abc123.iso", volume)
}

func TestAttachedSeedISOIgnoresNonSeedDevices(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/nodes/pve1/qemu/102/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"ide2": "local:iso/ubuntu-24.04-live-server-amd64.iso,media=cdrom",
		})
	})
	c := newTestClient(t, mux)

	_, _, ok, err := c.AttachedSeedISO(context.Background(), 102)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStopAndDeleteVMTreats404AsSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/nodes/pve1/qemu/101/status/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/api2/json/nodes/pve1/qemu/101", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.StopAndDeleteVM(context.Background(), 101))
}

func TestWaitForTaskPollsUntilStopped(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/nodes/pve1/tasks/UPID:pve1:test/status", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			writeJSON(w, map[string]interface{}{"status": "running"})
			return
		}
		writeJSON(w, map[string]interface{}{"status": "stopped", "exitstatus": "OK"})
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.WaitForTask(context.Background(), "UPID:pve1:test"))
	require.Equal(t, 3, calls)
}

func TestWaitForTaskReturnsErrorOnFailedExitStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/nodes/pve1/tasks/UPID:pve1:fail/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"status": "stopped", "exitstatus": "VM locked"})
	})
	c := newTestClient(t, mux)

	err := c.WaitForTask(context.Background(), "UPID:pve1:fail")
	require.Error(t, err)
}

func TestJSONCallWrapsServerErrorsAsTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/cluster/nextid", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(t, mux)

	_, err := c.NextID(context.Background())
	require.Error(t, err)
	require.True(t, resilience.IsRetryable(err))
}

func TestJSONCallRetriesTransientFailures(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/cluster/nextid", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, "142")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		Endpoint:    srv.URL,
		TokenID:     "root@pam!ca",
		TokenSecret: "secret",
		Node:        "pve1",
		RetryConfig: &resilience.RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, Jitter: false},
	})
	require.NoError(t, err)

	id, err := c.NextID(context.Background())
	require.NoError(t, err)
	require.Equal(t, 142, id)
	require.Equal(t, 3, calls)
}

func TestJSONCallOpensCircuitAfterRepeatedFailures(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/cluster/nextid", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		Endpoint:       srv.URL,
		TokenID:        "root@pam!ca",
		TokenSecret:    "secret",
		Node:           "pve1",
		RetryConfig:    &resilience.RetryConfig{MaxAttempts: 1},
		CircuitBreaker: &resilience.Config{FailureThreshold: 2, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.NextID(context.Background())
		require.Error(t, err)
	}
	callsBeforeOpen := calls

	_, err = c.NextID(context.Background())
	require.Error(t, err)
	require.Equal(t, callsBeforeOpen, calls) // circuit is open; request never reaches the server
}
