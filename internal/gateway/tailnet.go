// ABOUTME: Tailnet listeners for running mcpgate as a tsnet node instead of on TCP
// ABOUTME: Health gRPC listens on :50051; the API on :80, :443 with tailnet certs, or a public funnel

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/assessor-labs/mcpgate/internal/config"
)

const tailnetHealthPort = ":50051"

var errNoAuthKey = errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")

type tailnet struct {
	cfg    config.TailscaleConfig
	logger *slog.Logger
	node   *tsnet.Server
}

func newTailnet(cfg config.TailscaleConfig, logger *slog.Logger) *tailnet {
	return &tailnet{cfg: cfg, logger: logger}
}

// stateDir is where tsnet keeps node identity between restarts.
func (t *tailnet) stateDir() (string, error) {
	if t.cfg.StateDir != "" {
		return t.cfg.StateDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no tailscale.state_dir and no home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "mcpgate", "tailscale"), nil
}

func (t *tailnet) authKey() (string, error) {
	for _, k := range []string{t.cfg.AuthKey, os.Getenv("TS_AUTHKEY")} {
		if k != "" {
			return k, nil
		}
	}
	return "", errNoAuthKey
}

// listen brings the node up and opens both listeners. On error nothing is
// left open.
func (t *tailnet) listen(ctx context.Context) (healthLn, apiLn net.Listener, err error) {
	dir, err := t.stateDir()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	key, err := t.authKey()
	if err != nil {
		return nil, nil, err
	}

	t.node = &tsnet.Server{
		Hostname:  t.cfg.Hostname,
		Dir:       dir,
		Ephemeral: t.cfg.Ephemeral,
		AuthKey:   key,
	}
	t.logger.Info("joining tailnet", "hostname", t.cfg.Hostname, "state_dir", dir, "ephemeral", t.cfg.Ephemeral)

	status, err := t.node.Up(ctx)
	if err != nil {
		t.abort()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	attrs := []any{"hostname", t.cfg.Hostname}
	if len(status.TailscaleIPs) > 0 {
		attrs = append(attrs, "ip", status.TailscaleIPs[0].String())
	}
	if status.Self != nil {
		attrs = append(attrs, "dns_name", status.Self.DNSName)
	}
	t.logger.Info("tailnet node up", attrs...)

	healthLn, err = t.node.Listen("tcp", tailnetHealthPort)
	if err != nil {
		t.abort()
		return nil, nil, fmt.Errorf("tailnet health listener: %w", err)
	}
	apiLn, err = t.apiListener()
	if err != nil {
		_ = healthLn.Close()
		t.abort()
		return nil, nil, fmt.Errorf("tailnet API listener: %w", err)
	}
	return healthLn, apiLn, nil
}

func (t *tailnet) apiListener() (net.Listener, error) {
	if t.cfg.Funnel {
		t.logger.Info("API exposed publicly through tailscale funnel", "port", 443)
		return t.node.ListenFunnel("tcp", ":443")
	}
	if !t.cfg.HTTPS {
		return t.node.Listen("tcp", ":80")
	}

	ln, err := t.node.Listen("tcp", ":443")
	if err != nil {
		return nil, err
	}
	lc, err := t.node.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("tailscale local client: %w", err)
	}
	t.logger.Info("API served over HTTPS with tailnet certificates", "port", 443)
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

func (t *tailnet) abort() {
	_ = t.node.Close()
	t.node = nil
}

// Close leaves the tailnet. It is a no-op if the node never came up.
func (t *tailnet) Close() error {
	if t == nil || t.node == nil {
		return nil
	}
	return t.node.Close()
}
