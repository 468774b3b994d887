// ABOUTME: Entry point for the swarm-manager daemon
// ABOUTME: Supervises worker processes and proxies WebSocket traffic to them

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/swarm-manager/internal/config"
	"github.com/2389/swarm-manager/internal/health"
	"github.com/2389/swarm-manager/internal/manager"
	"github.com/2389/swarm-manager/internal/proxy"
	"github.com/2389/swarm-manager/internal/registry"
	"github.com/2389/swarm-manager/internal/router"
	"github.com/2389/swarm-manager/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _____      ____ _ _ __ _ __ ___
/ __\ \ /\ / / _' | '__| '_ ' _ \ _____ _ __ ___  __ _ _ __
\__ \\ V  V / (_| | |  | | | | | |_____| '_ ' _ \/ _' | '__|
|___/ \_/\_/ \__,_|_|  |_| |_| |_|     |_| |_| |_\__, |_|
                                                 |___/
`

// getConfigPath returns the path to the manager config file.
// Priority: SWARM_CONFIG env var > XDG_CONFIG_HOME/swarm/manager.yaml > ~/.config/swarm/manager.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SWARM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "manager.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "swarm", "manager.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: swarm-manager <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the manager daemon")
		fmt.Println("  init      Write a default config file")
		fmt.Println("  health    Check manager health")
		fmt.Println("  services  List registered services")
		fmt.Println("  status    Show fleet statistics")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "services":
		err = runGet(ctx, "/services")
	case "status":
		err = runGet(ctx, "/status")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Ports:     %d-%d\n", cfg.Registry.PortRangeStart, cfg.Registry.PortRangeEnd)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting swarm-manager",
		"config", configPath,
		"listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ports := registry.NewPortAllocator(cfg.Registry.PortRangeStart, cfg.Registry.PortRangeEnd)
	reg := registry.New(st, ports, registry.NewExecSupervisor())

	var routerOpts []router.Option
	if cfg.Router.PerSetRoundRobin {
		routerOpts = append(routerOpts, router.WithPerSetRoundRobin())
	}
	rt := router.New(st, routerOpts...)

	mon := health.New(st, reg)
	mgr := manager.New(st, reg, rt, mon, manager.Options{
		HealthInterval:  cfg.Health.IntervalDur,
		RestartInterval: cfg.Manager.RestartIntervalDur,
	})

	srv := proxy.New(mgr)
	ln, err := srv.SetupListener(ctx, cfg)
	if err != nil {
		return err
	}
	defer ln.Close()

	mgr.Start(ctx)
	err = srv.Run(ctx, ln)

	shutdownCtx := context.Background()
	mgr.Stop(shutdownCtx)

	return err
}

// runInit writes a default config file if one does not already exist.
func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	content := `server:
  host: 0.0.0.0
  port: 8080

database:
  path: swarm-manager.db

registry:
  port_range_start: 8100
  port_range_end: 8199

router:
  per_set_round_robin: false

health:
  interval: 30s

manager:
  restart_interval: 10s

logging:
  level: info
  format: text

# tailscale:
#   enabled: true
#   hostname: swarm-manager
#   auth_key: ${TS_AUTHKEY}
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Created %s\n", configPath)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runGet fetches a manager endpoint and prints the JSON body.
func runGet(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d%s", cfg.Server.Host, cfg.Server.Port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
