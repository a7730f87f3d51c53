package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// ErrNoDiscoveryPort reports that every candidate discovery port was taken.
// Soft failure: the relay itself keeps running, the peer just cannot
// self-discover and must be configured with the URL directly.
var ErrNoDiscoveryPort = errors.New("no discovery port available: all candidate ports are in use")

// DefaultDiscoveryPorts is the fixed candidate list the extension probes.
// Both sides must agree on it, so it is deliberately small and static.
var DefaultDiscoveryPorts = []int{8765, 8766, 8767, 8768, 8769}

// DiscoveryConfig carries the hints served to a peer with no prior
// configuration.
type DiscoveryConfig struct {
	CandidatePorts []int
	TabURL         string // URL the extension should attach to, empty for "current tab"
	NewTab         bool   // ask the extension to open a fresh tab
	ReloadTimeout  time.Duration
}

// Discovery is the short-lived HTTP endpoint the extension probes to find
// the relay. Loopback only; CORS is wide open because the caller is an
// extension page, not a same-origin client.
type Discovery struct {
	relay  *Server
	cfg    DiscoveryConfig
	srv    *http.Server
	port   int
	closed bool
}

// StartDiscovery binds the first free candidate port and begins serving.
func StartDiscovery(relay *Server, cfg DiscoveryConfig) (*Discovery, error) {
	if len(cfg.CandidatePorts) == 0 {
		cfg.CandidatePorts = DefaultDiscoveryPorts
	}
	if cfg.ReloadTimeout <= 0 {
		cfg.ReloadTimeout = 5 * time.Second
	}

	var ln net.Listener
	for _, port := range cfg.CandidatePorts {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			ln = l
			break
		}
		debugLog("discovery port %d unavailable: %v", port, err)
	}
	if ln == nil {
		return nil, ErrNoDiscoveryPort
	}

	d := &Discovery{relay: relay, cfg: cfg, port: ln.Addr().(*net.TCPAddr).Port}

	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.HandleFunc("/relay-info", d.handleRelayInfo).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/reload-extension", d.handleReload).Methods(http.MethodPost, http.MethodOptions)

	d.srv = &http.Server{Handler: r}
	go func() {
		if err := d.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debugLog("discovery server stopped: %v", err)
		}
	}()

	debugLog("discovery serving on port %d", d.port)
	return d, nil
}

// Port returns the bound discovery port.
func (d *Discovery) Port() int { return d.port }

// Stop shuts the discovery server down. Idempotent.
func (d *Discovery) Stop() error {
	if d.closed {
		return nil
	}
	d.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return d.srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type relayInfo struct {
	WSURL  string  `json:"wsUrl"`
	TabURL *string `json:"tabUrl"`
	TabID  *int    `json:"tabId"`
	NewTab bool    `json:"newTab"`
}

func (d *Discovery) handleRelayInfo(w http.ResponseWriter, r *http.Request) {
	info := relayInfo{
		WSURL:  d.relay.WSURL(),
		NewTab: d.cfg.NewTab,
	}
	if d.cfg.TabURL != "" {
		info.TabURL = &d.cfg.TabURL
	}
	if id := d.relay.TabID(); id != 0 {
		info.TabID = &id
	}
	writeJSON(w, http.StatusOK, info)
}

// handleReload asks the active peer to reload itself. The reload tears down
// the very socket the command travels on, so a dropped connection or timeout
// after sending is the expected outcome, reported as success with a note.
func (d *Discovery) handleReload(w http.ResponseWriter, r *http.Request) {
	if d.relay.State() != StateActive {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "no extension peer connected",
		})
		return
	}

	_, err := d.relay.SendRequest(r.Context(), "Extension.reload", nil, d.cfg.ReloadTimeout)
	resp := map[string]interface{}{"success": true}
	if err != nil {
		resp["note"] = "peer connection dropped during reload; this is expected"
		debugLog("reload-extension: %v", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
