package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rafaelwaynne/procwatch/internal/config"
	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, ShutdownTimeoutSeconds: 2},
		Scan:    config.ScanConfig{Enabled: false, IntervalMinutes: 60},
		Fetch:   config.FetchConfig{UserAgent: "procwatch-test"},
		Digest:  config.DigestConfig{Enabled: true, InitialDelaySeconds: 120, IntervalHours: 24},
		Store:   config.StoreConfig{Backend: "memory"},
		Archive: config.ArchiveConfig{Backend: "memory", Prefix: "snapshots", ContentType: "text/html"},
		API:     config.APIConfig{MockPages: true},
	}
}

func buildTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := Build(context.Background(), cfg, Options{
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, a.Close(ctx))
	})
	return a
}

func createProcess(t *testing.T, baseURL, link string) monitor.ProcessRecord {
	t.Helper()
	body, err := json.Marshal(map[string]string{"number": "0001234-56.2024.8.26.0100", "link": link})
	require.NoError(t, err)
	resp, err := http.Post(baseURL+"/api/processes", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rec monitor.ProcessRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	return rec
}

//nolint:paralleltest // Build installs the global tracer provider.
func TestBuildScansMockPageEndToEnd(t *testing.T) {
	a := buildTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	rec := createProcess(t, srv.URL, srv.URL+"/api/test/process-page?rev=1")
	ctx := context.Background()

	first, err := a.Scanner().ScanByID(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, first.OK, first.Reason)
	require.NotNil(t, first.Entry)

	again, err := a.Scanner().ScanByID(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, again.NoChange)

	link := srv.URL + "/api/test/process-page?rev=2"
	require.NoError(t, a.Store().UpdateRecord(ctx, rec.ID, monitor.RecordUpdate{Link: &link}))
	second, err := a.Scanner().ScanByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, second.Entry)

	stored, err := a.Store().GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, stored.History, 2)

	items, err := a.Digest().Run(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, items[0].NewEntries, 2)
}

//nolint:paralleltest // Build installs the global tracer provider.
func TestBuildWithSQLiteStore(t *testing.T) {
	cfg := testConfig()
	cfg.Store = config.StoreConfig{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "procwatch.db")}
	cfg.Archive = config.ArchiveConfig{Backend: "local", LocalDir: t.TempDir(), Prefix: "snapshots"}
	a := buildTestApp(t, cfg)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	rec := createProcess(t, srv.URL, "")

	resp, err := http.Get(srv.URL + "/api/processes/" + rec.ID)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res, err := a.Scanner().ScanByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, monitor.ReasonNoLink, res.Reason)
}

//nolint:paralleltest // Build installs the global tracer provider.
func TestTasksFollowConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Scan.Enabled = true
	cfg.Scan.IntervalMinutes = 15
	cfg.Scan.InitialDelaySeconds = 5
	a := buildTestApp(t, cfg)

	tasks := a.tasks()
	require.Len(t, tasks, 2)
	require.Equal(t, TaskScan, tasks[0].Name)
	require.Equal(t, 5*time.Second, tasks[0].InitialDelay)
	require.Equal(t, 15*time.Minute, tasks[0].Interval)
	require.Equal(t, TaskDigest, tasks[1].Name)
	require.Equal(t, 120*time.Second, tasks[1].InitialDelay)
	require.Equal(t, 24*time.Hour, tasks[1].Interval)
}

//nolint:paralleltest // Build installs the global tracer provider.
func TestCloseIsIdempotentAndFlipsReadiness(t *testing.T) {
	a, err := Build(context.Background(), testConfig(), Options{
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, a.ready(context.Background()))

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))
	require.Error(t, a.ready(context.Background()))
}

//nolint:paralleltest // Build installs the global tracer provider.
func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = freePort(t)
	a, err := Build(context.Background(), cfg, Options{
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port) + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

//nolint:paralleltest // Build installs the global tracer provider.
func TestBuildRejectsDuplicateCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := Build(context.Background(), testConfig(), Options{Logger: zap.NewNop(), Registerer: reg})
	require.NoError(t, err)
	defer first.Close(context.Background()) //nolint:errcheck // test cleanup

	_, err = Build(context.Background(), testConfig(), Options{Logger: zap.NewNop(), Registerer: reg})
	require.ErrorContains(t, err, "prometheus sink init failed")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
