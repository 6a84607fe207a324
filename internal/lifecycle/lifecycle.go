// Package lifecycle is the composition root (4.L): it wires every other
// package together in the fixed startup order spec.md names, runs the
// server and reconciler as two errgroup tasks bound to one cancellation
// context, and drains both on SIGINT/SIGTERM.
package lifecycle

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aethernet/aether-proxy/internal/config"
	"github.com/aethernet/aether-proxy/internal/controller"
	"github.com/aethernet/aether-proxy/internal/hardware"
	"github.com/aethernet/aether-proxy/internal/identity"
	"github.com/aethernet/aether-proxy/internal/logging"
	"github.com/aethernet/aether-proxy/internal/metrics"
	"github.com/aethernet/aether-proxy/internal/netdiscover"
	"github.com/aethernet/aether-proxy/internal/policy"
	"github.com/aethernet/aether-proxy/internal/proxyhandler"
	"github.com/aethernet/aether-proxy/internal/reconciler"
	"github.com/aethernet/aether-proxy/internal/server"
	"github.com/aethernet/aether-proxy/internal/tlsutil"
)

// App holds everything Run needs to drain cleanly on shutdown.
type App struct {
	logger       *logging.Logger
	ctl          *controller.Client
	identity     *identity.Identity
	server       *server.Server
	reconciler   *reconciler.Reconciler
	debugMetrics *http.Server
}

// Run executes the fixed startup order from 4.L, then blocks serving
// traffic and heartbeats until ctx is cancelled, then drains. All failures
// before register() abort startup immediately; failures after register()
// are logged and do not prevent the server from starting, except a
// listener bind failure.
func Run(ctx context.Context, sc config.StaticConfig) error {
	logger := logging.New(sc.LogLevel, sc.LogJSON)
	defer logger.Sync() //nolint:errcheck

	publicIP := sc.PublicIP
	if publicIP == "" {
		ip, err := netdiscover.DetectPublicIP(ctx, logger.Logger)
		if err != nil {
			return fmt.Errorf("detect public ip: %w", err)
		}
		publicIP = ip
	}

	region := sc.NodeRegion
	if region == "" {
		region = netdiscover.DetectRegion(ctx, publicIP, logger.Logger)
	}

	var tlsCfg *tls.Config
	var fingerprint string
	if sc.EnableTLS {
		tlsCtx, err := tlsutil.Load(sc.TLSCert, sc.TLSKey, sc.NodeName)
		if err != nil {
			return fmt.Errorf("init tls context: %w", err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{tlsCtx.Certificate}}
		fingerprint = tlsCtx.Fingerprint
	}

	hw := hardware.Collect(logger.Logger)

	ctl := controller.New(sc.AetherURL, sc.ManagementToken)
	registerParams := controller.RegisterParams{
		NodeName:           sc.NodeName,
		PublicIP:           publicIP,
		Port:               sc.ListenPort,
		Region:             region,
		HeartbeatInterval:  sc.HeartbeatInterval,
		TLSEnabled:         sc.EnableTLS,
		TLSCertFingerprint: fingerprint,
		Hardware:           &hw,
	}

	nodeID, err := ctl.Register(ctx, registerParams)
	if err != nil {
		return fmt.Errorf("register with controller: %w", err)
	}
	logger.Info("registered", zap.String("node_id", nodeID))

	id := identity.New(nodeID, publicIP, fingerprint)
	dyn := config.NewDynamic(sc)

	dispatcher := &proxyhandler.Dispatcher{
		HMACKey:        []byte(sc.HMACKey),
		Identity:       id,
		Dynamic:        dyn,
		Filter:         policy.New(),
		Logger:         logger.Logger,
		DelegateClient: proxyhandler.NewDelegateClient(),
	}

	srv, err := server.New(fmt.Sprintf(":%d", sc.ListenPort), dispatcher, tlsCfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}

	// active_connections (§3/§5) has exactly one source of truth: the
	// Connection Server's own counter. The dispatcher decrements it for
	// hijacked CONNECT tunnels; the metrics gauge only ever reads it.
	dispatcher.ActiveConns = &srv.ActiveConns
	registry := metrics.NewRegistry(&srv.ActiveConns)
	dispatcher.Metrics = registry

	rec := &reconciler.Reconciler{
		Controller:   ctl,
		Identity:     id,
		Dynamic:      dyn,
		ActiveConns:  &srv.ActiveConns,
		RegisterBase: registerParams,
		Hardware:     hw,
		LogReloader:  logger,
		Logger:       logger.Logger,
	}

	app := &App{logger: logger, ctl: ctl, identity: id, server: srv, reconciler: rec}
	if sc.DebugMetricsAddr != "" {
		// /debug/metrics is only ever bound to a loopback address.
		host, _, splitErr := net.SplitHostPort(sc.DebugMetricsAddr)
		ip := net.ParseIP(host)
		if splitErr == nil && (host == "localhost" || (ip != nil && ip.IsLoopback())) {
			app.debugMetrics = &http.Server{Addr: sc.DebugMetricsAddr, Handler: registry.Handler()}
		} else {
			logger.Warn("debug metrics address is not a loopback address; /debug/metrics disabled", zap.String("addr", sc.DebugMetricsAddr))
		}
	}
	return app.run(ctx)
}

func (a *App) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Serve()
	})
	g.Go(func() error {
		return a.reconciler.Run(gctx)
	})

	if a.debugMetrics != nil {
		g.Go(func() error {
			err := a.debugMetrics.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown error", zap.Error(err))
		}

		if a.debugMetrics != nil {
			if err := a.debugMetrics.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("debug metrics server shutdown error", zap.Error(err))
			}
		}

		unregCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		if err := a.ctl.Unregister(unregCtx, a.identity.NodeID()); err != nil {
			a.logger.Warn("unregister failed, abandoning", zap.Error(err))
		}
		return nil
	})

	// Cancelling ctx (SIGINT/SIGTERM, handled by the caller) unblocks the
	// drain goroutine above; Wait returns once everything has exited.
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}
