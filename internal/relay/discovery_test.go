package relay

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/tabbridge/pkg/ports"
)

// freeCandidatePorts reserves n ephemeral ports and immediately releases
// them, yielding candidates that are almost certainly still free.
func freeCandidatePorts(t *testing.T, n int) []int {
	t.Helper()
	out := make([]int, n)
	for i := range out {
		port, err := ports.Ephemeral()
		require.NoError(t, err)
		out[i] = port
	}
	return out
}

func startDiscovery(t *testing.T, s *Server, cfg DiscoveryConfig) *Discovery {
	t.Helper()
	if len(cfg.CandidatePorts) == 0 {
		cfg.CandidatePorts = freeCandidatePorts(t, 3)
	}
	d, err := StartDiscovery(s, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Stop() })
	return d
}

func TestRelayInfoWithoutPeer(t *testing.T) {
	s := startRelay(t, nil)
	d := startDiscovery(t, s, DiscoveryConfig{TabURL: "https://example.com", NewTab: true})

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/relay-info", d.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var info struct {
		WSURL  string  `json:"wsUrl"`
		TabURL *string `json:"tabUrl"`
		TabID  *int    `json:"tabId"`
		NewTab bool    `json:"newTab"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, s.WSURL(), info.WSURL)
	require.NotNil(t, info.TabURL)
	assert.Equal(t, "https://example.com", *info.TabURL)
	assert.Nil(t, info.TabID, "tabId must be null before a peer declares one")
	assert.True(t, info.NewTab)
}

func TestRelayInfoReportsActiveTab(t *testing.T) {
	s := startRelay(t, nil)
	d := startDiscovery(t, s, DiscoveryConfig{})

	conn := dialPeer(t, s, s.Token())
	sendReady(t, conn, 99)
	waitForState(t, s, StateActive)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/relay-info", d.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()

	var info struct {
		TabID *int `json:"tabId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	require.NotNil(t, info.TabID)
	assert.Equal(t, 99, *info.TabID)
}

func TestDiscoveryBindsFirstFreeCandidate(t *testing.T) {
	candidates := freeCandidatePorts(t, 3)

	// Occupy the first candidate so discovery has to fall through.
	taken, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", candidates[0]))
	require.NoError(t, err)
	defer taken.Close()

	s := startRelay(t, nil)
	d := startDiscovery(t, s, DiscoveryConfig{CandidatePorts: candidates})
	assert.Equal(t, candidates[1], d.Port())
}

func TestDiscoveryExhaustionIsSoft(t *testing.T) {
	candidates := freeCandidatePorts(t, 2)
	var held []net.Listener
	for _, p := range candidates {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		require.NoError(t, err)
		held = append(held, ln)
	}
	defer func() {
		for _, ln := range held {
			ln.Close()
		}
	}()

	s := startRelay(t, nil)
	_, err := StartDiscovery(s, DiscoveryConfig{CandidatePorts: candidates})
	assert.ErrorIs(t, err, ErrNoDiscoveryPort)
	assert.Equal(t, StateListening, s.State(), "relay keeps running without discovery")
}

func TestReloadWithoutPeerIs503(t *testing.T) {
	s := startRelay(t, nil)
	d := startDiscovery(t, s, DiscoveryConfig{})

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/reload-extension", d.Port()), "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Error)
}

func TestReloadSucceedsEvenWhenPeerDrops(t *testing.T) {
	s := startRelay(t, nil)
	d := startDiscovery(t, s, DiscoveryConfig{ReloadTimeout: 200 * time.Millisecond})

	conn := dialPeer(t, s, s.Token())
	sendReady(t, conn, 5)
	waitForState(t, s, StateActive)

	// The peer reloads itself on receipt: the socket dies instead of a
	// reply arriving. That is the expected outcome of the action.
	go func() {
		var req struct {
			Method string `json:"method"`
		}
		if err := conn.ReadJSON(&req); err == nil && req.Method == "Extension.reload" {
			conn.Close()
		}
	}()

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/reload-extension", d.Port()), "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Success bool   `json:"success"`
		Note    string `json:"note"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.NotEmpty(t, body.Note, "a dropped peer during reload is success with a note")
}
