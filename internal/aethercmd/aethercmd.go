// Package aethercmd builds the cobra CLI surface documented in spec.md §6:
// the default run command plus the setup-wizard and OS-service-control
// subcommands, whose bodies are documented stubs per SPEC_FULL.md §4.M
// (spec.md §1 places their actual implementation out of scope). Flag
// wiring follows the teacher's Flags/CommandFunc idiom in cmd/cobra.go,
// adapted to cobra's own RunE signature.
package aethercmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aethernet/aether-proxy/internal/config"
	"github.com/aethernet/aether-proxy/internal/lifecycle"
)

// Exit codes per spec.md §6.
const (
	ExitSuccess           = 0
	ExitRuntimeError      = 1
	ExitInvalidConfig     = 2
	ExitInterrupted       = 130
	defaultConfigFileName = "aether-proxy.toml"
)

// exitError carries a specific exit code up to Execute, mirroring the
// teacher's own exitError in cmd/cobra.go.
type exitError struct {
	Code int
	Err  error
}

func (e *exitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exiting with status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *exitError) Unwrap() error { return e.Err }

// Execute builds and runs the root command, returning the process exit
// code the caller (cmd/aether-proxy/main.go) should use.
func Execute() int {
	loadConfigFileIntoEnv()

	root := newRootCommand()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if ok := asExitError(err, &ee); ok {
			return ee.Code
		}
		return ExitRuntimeError
	}
	return ExitSuccess
}

func asExitError(err error, target **exitError) bool {
	for err != nil {
		if ee, ok := err.(*exitError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// loadConfigFileIntoEnv finds the TOML config file (from AETHER_PROXY_CONFIG
// or the default name) and, if present, injects its values as environment
// variables before any flag is parsed — the precedence trick documented in
// SPEC_FULL.md §6: lower-precedence sources become env vars first, so
// pflag's own "default sourced from env" pattern resolves the rest.
func loadConfigFileIntoEnv() {
	path := os.Getenv("AETHER_PROXY_CONFIG")
	if path == "" {
		path = defaultConfigFileName
	}
	cf, err := config.LoadConfigFile(path)
	if err != nil {
		return // absent or unreadable config file is not an error at this stage
	}
	cf.InjectEnv()
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "aether-proxy",
		Short: "Authenticating forward HTTP proxy node",
		Long: `aether-proxy is a forward HTTP proxy node that authenticates every
request with a shared HMAC secret, enforces a destination allowlist, and
reports its health back to an Aether management backend on a heartbeat
loop.

Run it with no subcommand to serve traffic using the current
configuration (flags > environment variables > ./aether-proxy.toml >
built-in defaults).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCmd,
	}

	addStaticConfigFlags(root.Flags())

	root.AddCommand(
		newSetupCommand(),
		newServiceCommand("start", "Start aether-proxy as a background OS service"),
		newServiceCommand("stop", "Stop the background aether-proxy OS service"),
		newServiceCommand("restart", "Restart the background aether-proxy OS service"),
		newServiceCommand("status", "Report the status of the background aether-proxy OS service"),
		newServiceCommand("logs", "Print logs from the background aether-proxy OS service"),
		newServiceCommand("uninstall", "Remove the installed aether-proxy OS service"),
	)

	return root
}

// addStaticConfigFlags defines every StaticConfig field as a flag, each
// default sourced from its AETHER_PROXY_* environment variable (already
// injected from the TOML file by loadConfigFileIntoEnv, or set directly by
// the caller's shell) when present, otherwise config.Default().
func addStaticConfigFlags(fs *pflag.FlagSet) {
	d := config.Default()

	fs.String("aether-url", envOr("AETHER_URL", d.AetherURL), "Base URL of the Aether management backend")
	fs.String("management-token", envOr("MANAGEMENT_TOKEN", d.ManagementToken), "Bearer token for the Controller API")
	fs.String("hmac-key", envOr("HMAC_KEY", d.HMACKey), "Shared HMAC secret clients sign requests with")
	fs.Uint16("listen-port", envOrUint16("LISTEN_PORT", d.ListenPort), "Port to accept proxy connections on")
	fs.String("public-ip", envOr("PUBLIC_IP", d.PublicIP), "Override public IP instead of auto-detecting it")
	fs.String("node-name", envOr("NODE_NAME", d.NodeName), "This node's name")
	fs.String("node-region", envOr("NODE_REGION", d.NodeRegion), "Override region instead of auto-detecting it")
	fs.Uint64("heartbeat-interval", envOrUint64("HEARTBEAT_INTERVAL", d.HeartbeatInterval), "Heartbeat interval in seconds")
	fs.String("allowed-ports", envOr("ALLOWED_PORTS", joinPorts(d.AllowedPorts)), "Comma-separated destination ports to allow")
	fs.Uint64("timestamp-tolerance", envOrUint64("TIMESTAMP_TOLERANCE", d.TimestampTolerance), "Auth replay window in seconds")
	fs.String("log-level", envOr("LOG_LEVEL", d.LogLevel), "Log level (debug, info, warn, error)")
	fs.Bool("log-json", envOrBool("LOG_JSON", d.LogJSON), "Emit JSON-encoded logs instead of console-encoded")
	fs.Bool("enable-tls", envOrBool("ENABLE_TLS", d.EnableTLS), "Accept TLS connections on the listen socket (dual-stack)")
	fs.String("tls-cert", envOr("TLS_CERT", d.TLSCert), "TLS certificate PEM path")
	fs.String("tls-key", envOr("TLS_KEY", d.TLSKey), "TLS private key PEM path")
	fs.String("debug-metrics-addr", envOr("DEBUG_METRICS_ADDR", d.DebugMetricsAddr), "Loopback address to expose /debug/metrics on (empty disables it)")
}

func envOr(suffix, fallback string) string {
	if v, ok := os.LookupEnv(config.EnvPrefix + suffix); ok {
		return v
	}
	return fallback
}

func envOrBool(suffix string, fallback bool) bool {
	if v, ok := os.LookupEnv(config.EnvPrefix + suffix); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrUint16(suffix string, fallback uint16) uint16 {
	if v, ok := os.LookupEnv(config.EnvPrefix + suffix); ok {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			return uint16(n)
		}
	}
	return fallback
}

func envOrUint64(suffix string, fallback uint64) uint64 {
	if v, ok := os.LookupEnv(config.EnvPrefix + suffix); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func joinPorts(ports []uint16) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(int(p))
	}
	return strings.Join(parts, ",")
}

func parsePorts(s string) ([]uint16, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	ports := make([]uint16, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(strings.TrimSpace(f), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", f, err)
		}
		ports = append(ports, uint16(n))
	}
	return ports, nil
}

// runCmd is the default (no subcommand) action: build StaticConfig from
// flags and hand off to the composition root until SIGINT/SIGTERM.
func runCmd(cmd *cobra.Command, _ []string) error {
	sc, err := staticConfigFromFlags(cmd.Flags())
	if err != nil {
		return &exitError{Code: ExitInvalidConfig, Err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := lifecycle.Run(ctx, sc); err != nil {
		if ctx.Err() != nil {
			return &exitError{Code: ExitInterrupted, Err: err}
		}
		return &exitError{Code: ExitRuntimeError, Err: err}
	}
	return nil
}

func staticConfigFromFlags(fs *pflag.FlagSet) (config.StaticConfig, error) {
	var sc config.StaticConfig
	var err error

	sc.AetherURL, _ = fs.GetString("aether-url")
	sc.ManagementToken, _ = fs.GetString("management-token")
	sc.HMACKey, _ = fs.GetString("hmac-key")
	sc.ListenPort, _ = fs.GetUint16("listen-port")
	sc.PublicIP, _ = fs.GetString("public-ip")
	sc.NodeName, _ = fs.GetString("node-name")
	sc.NodeRegion, _ = fs.GetString("node-region")
	sc.HeartbeatInterval, _ = fs.GetUint64("heartbeat-interval")
	sc.TimestampTolerance, _ = fs.GetUint64("timestamp-tolerance")
	sc.LogLevel, _ = fs.GetString("log-level")
	sc.LogJSON, _ = fs.GetBool("log-json")
	sc.EnableTLS, _ = fs.GetBool("enable-tls")
	sc.TLSCert, _ = fs.GetString("tls-cert")
	sc.TLSKey, _ = fs.GetString("tls-key")
	sc.DebugMetricsAddr, _ = fs.GetString("debug-metrics-addr")

	portsStr, _ := fs.GetString("allowed-ports")
	sc.AllowedPorts, err = parsePorts(portsStr)
	if err != nil {
		return sc, err
	}

	if sc.AetherURL == "" {
		return sc, fmt.Errorf("aether-url is required")
	}
	if sc.HMACKey == "" {
		return sc, fmt.Errorf("hmac-key is required")
	}
	return sc, nil
}
