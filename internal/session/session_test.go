package session

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

func (s *recordingSink) sink(u StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *recordingSink) snapshot() []StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatusUpdate, len(s.updates))
	copy(out, s.updates)
	return out
}

func newTestDevice(t *testing.T, getWorkStateFails func() bool) (*httptest.Server, string, int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/hisnet/getdeviceattr.cgi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/cgi-bin/hisnet//client.cgi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/cgi-bin/hisnet/getwifi.cgi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/cgi-bin/hisnet/workmodecmd.cgi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/cgi-bin/hisnet/getworkstate.cgi", func(w http.ResponseWriter, r *http.Request) {
		if getWorkStateFails != nil && getWorkStateFails() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	srv := httptest.NewServer(mux)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return srv, host, port
}

func testConfig(ip string, port int) Config {
	return Config{
		DeviceIP:          ip,
		DevicePort:        port,
		LocalIP:           "192.168.0.21",
		ConnectionTimeout: time.Second,
		DiscoverTimeout:   time.Second,
		ProbeInterval:     30 * time.Millisecond,
		DisconnectWait:    2 * time.Second,
		AutoReconnect:     true,
	}
}

func TestConnect_Success(t *testing.T) {
	srv, ip, port := newTestDevice(t, nil)
	defer srv.Close()

	sink := &recordingSink{}
	m := New(testConfig(ip, port), zerolog.Nop(), sink.sink)

	err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConnected, m.State())

	updates := sink.snapshot()
	require.NotEmpty(t, updates)
	assert.True(t, updates[len(updates)-1].Connected)

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
}

func TestConnect_DiscoveryFailure(t *testing.T) {
	sink := &recordingSink{}
	m := New(testConfig("127.0.0.1", 1), zerolog.Nop(), sink.sink)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestAutoReconnect_NotifiesLostThenConnected(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv, ip, port := newTestDevice(t, failing.Load)
	defer srv.Close()

	sink := &recordingSink{}
	cfg := testConfig(ip, port)
	m := New(cfg, zerolog.Nop(), sink.sink)

	require.NoError(t, m.Connect(context.Background()))

	// The probe's getWorkState goes through the client's transport retries
	// (1s then 2s back-off) before the loss is declared.
	require.Eventually(t, func() bool {
		for _, u := range sink.snapshot() {
			if !u.Connected && u.Message == "Connection lost" {
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)

	failing.Store(false)

	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	m.Disconnect()
}
