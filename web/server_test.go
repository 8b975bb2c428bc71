package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TelemetryHub/internal/hub"
	"TelemetryHub/internal/listener"
	"TelemetryHub/internal/portset"
	"TelemetryHub/internal/scanner"
	"TelemetryHub/internal/state"
	"TelemetryHub/internal/store"
)

type testEnv struct {
	engine   *state.Engine
	registry *listener.Registry
	store    *store.Store
	srv      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	engine := state.NewEngine(10 * time.Second)
	registry := listener.NewRegistry(30*time.Second, engine)
	t.Cleanup(registry.Shutdown)

	st, err := store.Open(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ports := portset.New(1, 65535, 65535)
	probe := scanner.NewProbe(300*time.Millisecond, 4096, 10)
	orchestrator := scanner.NewOrchestrator(ports, probe, registry)
	broadcastHub := hub.New(engine)

	server := NewServer(0, engine, broadcastHub, registry, orchestrator, st)
	srv := httptest.NewServer(server.httpSrv.Handler)
	t.Cleanup(srv.Close)

	return &testEnv{engine: engine, registry: registry, store: st, srv: srv}
}

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func doRequest(t *testing.T, method, url string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var body map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		json.NewDecoder(resp.Body).Decode(&body)
	}
	return resp, body
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, body := doRequest(t, http.MethodGet, env.srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestListDronesEmpty(t *testing.T) {
	env := newTestEnv(t)
	resp, body := doRequest(t, http.MethodGet, env.srv.URL+"/api/drones")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["drones"])
}

func TestGetDroneFromEngine(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Apply(14551, "10.0.0.5", 1, &ardupilotmega.MessageHeartbeat{})

	resp, body := doRequest(t, http.MethodGet, env.srv.URL+"/api/drones/14551")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 14551, body["port"])
	assert.Equal(t, "10.0.0.5", body["gcsIp"])
}

func TestGetDroneFallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Save(state.DroneState{Port: 14553, GcsIP: "10.0.0.9"}))

	resp, body := doRequest(t, http.MethodGet, env.srv.URL+"/api/drones/14553")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "10.0.0.9", body["gcsIp"])
}

func TestGetDroneNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, body := doRequest(t, http.MethodGet, env.srv.URL+"/api/drones/14560")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestGetDroneBadPort(t *testing.T) {
	env := newTestEnv(t)
	resp, body := doRequest(t, http.MethodGet, env.srv.URL+"/api/drones/banana")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", body["code"])
}

func TestListDronesByGcsIp(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveAll([]state.DroneState{
		{Port: 14551, GcsIP: "10.0.0.5"},
		{Port: 14552, GcsIP: "10.0.0.6"},
	}))

	resp, body := doRequest(t, http.MethodGet, env.srv.URL+"/api/drones?gcs_ip=10.0.0.5")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	drones := body["drones"].([]interface{})
	require.Len(t, drones, 1)
}

func TestDeleteDrone(t *testing.T) {
	env := newTestEnv(t)
	port := freePort(t)

	env.engine.Apply(port, "10.0.0.5", 1, &ardupilotmega.MessageHeartbeat{})
	require.NoError(t, env.store.Save(state.DroneState{Port: port}))
	require.True(t, env.registry.Start(port))

	resp, _ := doRequest(t, http.MethodDelete, fmt.Sprintf("%s/api/drones/%d", env.srv.URL, port))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Empty(t, env.registry.Active())
	_, ok := env.engine.Get(port)
	assert.False(t, ok)
	_, found, err := env.store.FindByPort(port)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestScanPortConflictWhenServed(t *testing.T) {
	env := newTestEnv(t)
	port := freePort(t)
	require.True(t, env.registry.Start(port))

	resp, body := doRequest(t, http.MethodPost, fmt.Sprintf("%s/api/ports/%d/scan", env.srv.URL, port))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "PORT_IN_USE", body["code"])
}

func TestScanPortSilent(t *testing.T) {
	env := newTestEnv(t)
	port := freePort(t)

	resp, body := doRequest(t, http.MethodPost, fmt.Sprintf("%s/api/ports/%d/scan", env.srv.URL, port))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no_data", body["result"])
}

func TestListPorts(t *testing.T) {
	env := newTestEnv(t)
	port := freePort(t)
	require.True(t, env.registry.Start(port))

	resp, body := doRequest(t, http.MethodGet, env.srv.URL+"/api/ports")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ports := body["ports"].([]interface{})
	require.Len(t, ports, 1)
	assert.EqualValues(t, port, ports[0])
}

func TestTelemetryWebsocketStream(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Apply(14551, "10.0.0.5", 1, &ardupilotmega.MessageHeartbeat{})

	// Drive the hub ourselves; the bootstrap normally runs it.
	h := hub.New(env.engine)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		h.Register(conn, 0, r.RemoteAddr)
	}))
	t.Cleanup(wsSrv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(wsSrv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"drones"`)
	assert.Contains(t, string(data), `"gcsIp":"10.0.0.5"`)
}
