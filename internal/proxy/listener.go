// ABOUTME: Listener setup for the proxy server
// ABOUTME: Serves on plain TCP or joins a tailnet via tsnet

package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/2389/swarm-manager/internal/config"
)

// Listener bundles a net.Listener with the optional tsnet node backing it.
type Listener struct {
	net.Listener
	tsnetServer *tsnet.Server
}

// Close closes the listener and shuts down the tailscale node if one was
// started.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	if l.tsnetServer != nil {
		if cerr := l.tsnetServer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// SetupListener creates the listener the proxy serves on, either plain TCP
// or a tailnet node depending on configuration.
func (s *Server) SetupListener(ctx context.Context, cfg *config.Config) (*Listener, error) {
	if cfg.Tailscale.Enabled {
		return s.setupTailscaleListener(ctx, cfg)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &Listener{Listener: ln}, nil
}

func (s *Server) setupTailscaleListener(ctx context.Context, cfg *config.Config) (*Listener, error) {
	tsCfg := cfg.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	tsServer := &tsnet.Server{
		Hostname: tsCfg.Hostname,
		Dir:      stateDir,
		AuthKey:  authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir)
	status, err := tsServer.Up(ctx)
	if err != nil {
		_ = tsServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var tsAddr string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	s.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", tsAddr)

	ln, err := tsServer.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		_ = tsServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}

	return &Listener{Listener: ln, tsnetServer: tsServer}, nil
}

// resolveTailscaleStateDir returns the state directory, using a default
// under the home directory when unconfigured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "swarm-manager", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}
