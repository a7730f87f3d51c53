package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/tabbridge/internal/browser"
	"github.com/standardbeagle/tabbridge/internal/config"
	"github.com/standardbeagle/tabbridge/internal/hostproc"
	"github.com/standardbeagle/tabbridge/internal/instance"
	"github.com/standardbeagle/tabbridge/internal/mcp"
	"github.com/standardbeagle/tabbridge/internal/relay"
	"github.com/standardbeagle/tabbridge/pkg/events"
	"github.com/standardbeagle/tabbridge/pkg/ports"
)

var (
	// Version is set at build time
	Version = "dev"

	configPath  string
	relayPort   int
	tabURL      string
	newTab      bool
	hostCommand string
	directURL   string
	mcpStdio    bool
	noDiscovery bool
	showVersion bool
	debugMode   bool
)

var rootCmd = &cobra.Command{
	Use:   "tabbridge",
	Short: "Control-channel bridge between AI tooling, a browser extension, and a host process",
	Long: `Tabbridge runs the local side of an extension-based browser bridge.

It starts a loopback WebSocket relay that a browser extension connects to,
publishes a small discovery endpoint so the extension can find the relay
without configuration, and exposes both the controlled tab and a companion
host process (terminal, files, codebase) as MCP tools over stdio.

Basic usage:
  tabbridge                         # Start relay + discovery, wait for the extension
  tabbridge --mcp                   # Also serve MCP tools on stdio (for AI clients)
  tabbridge --relay-port 9100       # Fixed relay port instead of an ephemeral one
  tabbridge --tab-url https://x.dev # Ask the extension to attach to this URL
  tabbridge --host-cmd ./hostd      # Command used to restart a dead host process`,
	Run: runApp,
}

func init() {
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version information")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (default ~/.tabbridge/config.toml)")
	rootCmd.Flags().IntVar(&relayPort, "relay-port", 0, "Relay WebSocket port (0 = ephemeral)")
	rootCmd.Flags().StringVar(&tabURL, "tab-url", "", "URL the extension should attach to")
	rootCmd.Flags().BoolVar(&newTab, "new-tab", false, "Ask the extension to open a fresh tab")
	rootCmd.Flags().StringVar(&hostCommand, "host-cmd", "", "Command to relaunch the host process when it dies")
	rootCmd.Flags().StringVar(&directURL, "direct-url", "", "Dial this DevTools WebSocket directly instead of waiting for the extension")
	rootCmd.Flags().BoolVar(&mcpStdio, "mcp", false, "Serve MCP tools on stdio")
	rootCmd.Flags().BoolVar(&noDiscovery, "no-discovery", false, "Disable the discovery HTTP endpoint")
	rootCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runApp(cmd *cobra.Command, args []string) {
	if showVersion {
		fmt.Printf("tabbridge version %s\n", Version)
		return
	}

	cfg := loadConfig()
	if debugMode || cfg.Debug {
		relay.SetDebugEnabled(true)
	}

	bus := events.NewBus()
	defer bus.Shutdown()

	// Relay + discovery: the extension-bridge transport.
	relaySrv := relay.NewServer(bus)
	relaySrv.SetKeepAliveInterval(cfg.Relay.KeepAlive())

	port := cfg.Relay.Port
	if relayPort != 0 {
		port = relayPort
	}
	if port != 0 && !ports.IsAvailable(port) {
		log.Fatalf("Relay port %d is already in use", port)
	}
	boundPort, err := relaySrv.Start(port)
	if err != nil {
		log.Fatal("Failed to start relay:", err)
	}
	defer relaySrv.Stop()
	fmt.Printf("Relay listening on ws://127.0.0.1:%d\n", boundPort)

	var discovery *relay.Discovery
	discoveryPort := 0
	if !noDiscovery {
		discovery, err = relay.StartDiscovery(relaySrv, relay.DiscoveryConfig{
			CandidatePorts: cfg.Relay.DiscoveryPorts,
			TabURL:         firstNonEmpty(tabURL, cfg.Relay.TabURL),
			NewTab:         newTab || cfg.Relay.NewTab,
			ReloadTimeout:  cfg.Relay.ReloadTimeout(),
		})
		if err != nil {
			// Soft failure: the extension just cannot self-discover.
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		} else {
			defer discovery.Stop()
			discoveryPort = discovery.Port()
			fmt.Printf("Discovery endpoint on http://127.0.0.1:%d/relay-info\n", discoveryPort)
		}
	}

	// Host process transport with single-flight recovery.
	hostClient := hostproc.NewClient(cfg.Host.SocketName, cfg.Host.CallTimeout())
	recovery := hostproc.NewRecovery(hostClient, hostHandler(), bus)
	recovery.SetDelays(cfg.Host.RecoveryDelayDurations())

	// Instance registration so sibling processes can find this bridge.
	registry, err := instance.NewRegistry(cfg.Instance.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: instance registry unavailable: %v\n", err)
		registry = nil
	}
	var inst *instance.Instance
	if registry != nil {
		inst = instance.NewInstance(boundPort, discoveryPort)
		if err := registry.Register(inst); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to register instance: %v\n", err)
		} else {
			defer registry.Unregister(inst.ID)
			go pingLoop(registry, inst.ID)
		}
	}

	logPeerEvents(bus)

	// Direct mode: dial the browser's DevTools socket ourselves and keep it
	// alive with the reconnecting manager instead of waiting for a peer.
	var mgr *browser.Manager
	if directURL != "" {
		mgr, err = startDirect(cfg, bus, directURL)
		if err != nil {
			log.Fatal("Failed to connect to browser:", err)
		}
		defer mgr.Close()
		fmt.Printf("Connected directly to %s\n", directURL)
	}

	if mcpStdio {
		srv := mcp.NewServer(Version, mcp.Deps{
			Relay:    relaySrv,
			Browser:  mgr,
			Host:     hostClient,
			Recovery: recovery,
			Registry: registry,
		})
		if err := mcp.ServeStdio(srv); err != nil {
			fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Println("Press Ctrl+C to stop.")
	sigChan := make(chan os.Signal, 1)
	setupSignalHandling(sigChan)
	<-sigChan
	fmt.Println("\nShutting down gracefully...")
}

func loadConfig() *config.Config {
	if configPath != "" {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			log.Fatal("Failed to load config:", err)
		}
		return cfg
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	return cfg
}

// hostHandler builds the recovery handler from --host-cmd, or nil when no
// restart command is configured.
func hostHandler() hostproc.Handler {
	if hostCommand == "" {
		return nil
	}
	return func(ctx context.Context) error {
		c := exec.Command(hostCommand)
		c.Stdout = os.Stderr
		c.Stderr = os.Stderr
		if err := c.Start(); err != nil {
			return fmt.Errorf("start host process %q: %w", hostCommand, err)
		}
		// Detach: the host outlives this recovery call.
		return c.Process.Release()
	}
}

// startDirect dials the browser endpoint and binds it to a manager whose
// factory redials the same URL.
func startDirect(cfg *config.Config, bus *events.Bus, url string) (*browser.Manager, error) {
	factory := func(ctx context.Context) (browser.Peer, error) {
		return browser.DialPeer(ctx, url, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	peer, err := factory(ctx)
	if err != nil {
		return nil, err
	}

	mgr := browser.NewManager(browser.Config{
		MaxAttempts: cfg.Browser.MaxReconnectAttempts,
		Backoff: browser.Backoff{
			Initial:    time.Duration(cfg.Browser.InitialBackoffMs) * time.Millisecond,
			Max:        time.Duration(cfg.Browser.MaxBackoffMs) * time.Millisecond,
			JitterFrac: cfg.Browser.JitterFraction,
		},
		OverallTimeout: time.Duration(cfg.Browser.OverallTimeoutSeconds) * time.Second,
	}, bus)
	mgr.Bind(peer, factory)
	return mgr, nil
}

func pingLoop(registry *instance.Registry, id string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := registry.Ping(id); err != nil {
			return
		}
	}
}

func logPeerEvents(bus *events.Bus) {
	bus.Subscribe(events.PeerConnected, func(e events.Event) {
		fmt.Printf("Extension attached (tab %v)\n", e.Data["tabId"])
	})
	bus.Subscribe(events.PeerDisconnected, func(e events.Event) {
		fmt.Printf("Extension detached: %v\n", e.Data["reason"])
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
