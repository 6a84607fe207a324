// Package reconciler implements the Heartbeat Reconciler (4.J): one task
// that ticks on the live heartbeat_interval, reports active_connections,
// applies any newer remote config it gets back, and re-registers on
// NodeNotFound with the exponential backoff spec.md's literal example
// names (1s, 2s, 4s, … capped at 60s).
package reconciler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/aethernet/aether-proxy/internal/config"
	"github.com/aethernet/aether-proxy/internal/controller"
	"github.com/aethernet/aether-proxy/internal/hardware"
	"github.com/aethernet/aether-proxy/internal/identity"
)

// LevelReloader is the one method internal/logging.Logger needs to expose
// so a reloaded log_level takes effect without restarting the process.
type LevelReloader interface {
	SetLevel(level string)
}

// Reconciler owns the heartbeat loop described in 4.J.
type Reconciler struct {
	Controller   *controller.Client
	Identity     *identity.Identity
	Dynamic      *config.Dynamic
	ActiveConns  *atomic.Int64
	RegisterBase controller.RegisterParams
	Hardware     hardware.Info
	LogReloader  LevelReloader
	Logger       *zap.Logger
}

// Run blocks, ticking on the live heartbeat interval, until ctx is
// cancelled. It returns nil on cancellation — the caller (internal/lifecycle)
// treats that as the normal shutdown path, per 4.L/5(d).
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.intervalNow()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx)

			if next := r.intervalNow(); next != interval && next > 0 {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (r *Reconciler) intervalNow() time.Duration {
	secs := r.Dynamic.Load().HeartbeatInterval
	if secs == 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

func (r *Reconciler) tick(ctx context.Context) {
	active := r.ActiveConns.Load()
	nodeID := r.Identity.NodeID()

	result, err := r.Controller.Heartbeat(ctx, nodeID, &active, nil, nil)
	if err != nil {
		if errors.Is(err, controller.ErrNodeNotFound) {
			if r.Logger != nil {
				r.Logger.Warn("heartbeat reports node not found, re-registering", zap.String("node_id", nodeID))
			}
			r.reregister(ctx)
			return
		}
		if r.Logger != nil {
			r.Logger.Warn("heartbeat failed", zap.Error(err))
		}
		return
	}

	r.applyRemoteConfig(result)
}

// applyRemoteConfig installs result's remote config if its config_version
// is newer than what DynamicConfig currently holds — the comparison and
// swap both live in config.Dynamic.ReplaceIfNewer, so this never races
// against a concurrent request reading the old snapshot.
func (r *Reconciler) applyRemoteConfig(result controller.HeartbeatResult) {
	if result.RemoteConfig == nil || result.ConfigVersion == 0 {
		return
	}

	cur := r.Dynamic.Load()
	if result.ConfigVersion <= cur.ConfigVersion {
		return
	}

	next := *cur
	next.ConfigVersion = result.ConfigVersion
	rc := result.RemoteConfig

	if len(rc.AllowedPorts) > 0 {
		next.AllowedPorts = toPortSet(rc.AllowedPorts)
	}
	if rc.TimestampTolerance != nil {
		next.TimestampTolerance = *rc.TimestampTolerance
	}
	if rc.HeartbeatInterval != nil {
		next.HeartbeatInterval = *rc.HeartbeatInterval
	}
	if rc.LogLevel != nil {
		next.LogLevel = *rc.LogLevel
	}
	if rc.NodeName != nil {
		next.NodeName = *rc.NodeName
	}

	if !r.Dynamic.ReplaceIfNewer(&next) {
		return
	}

	if rc.LogLevel != nil && r.LogReloader != nil {
		r.LogReloader.SetLevel(*rc.LogLevel)
	}
	if r.Logger != nil {
		r.Logger.Info("applied remote config", zap.Uint64("config_version", next.ConfigVersion))
	}
}

// reregister marks the identity as reconciling (rejecting new auths with
// 503 per the NodeNotFound open-question resolution in DESIGN.md), then
// retries register with the 1s/2s/4s/…/60s backoff spec.md names, until it
// succeeds or ctx is cancelled.
func (r *Reconciler) reregister(ctx context.Context) {
	r.Identity.SetReconciling(true)
	defer r.Identity.SetReconciling(false)

	b := newRegisterBackoff()

	for {
		params := r.RegisterBase
		params.TLSCertFingerprint = r.Identity.TLSFingerprint()

		nodeID, err := r.Controller.Register(ctx, params)
		if err == nil {
			r.Identity.SetNodeID(nodeID)
			if r.Logger != nil {
				r.Logger.Info("re-registered successfully", zap.String("node_id", nodeID))
			}
			return
		}

		if r.Logger != nil {
			r.Logger.Warn("re-registration attempt failed", zap.Error(err))
		}

		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// newRegisterBackoff builds the exact 1s, 2s, 4s, … capped-at-60s sequence
// spec.md §4.J names literally: randomization zeroed out so the sequence is
// deterministic. v5 dropped MaxElapsedTime (it's now a Retry() option, not
// a BackOff field) — reregister already loops until ctx is cancelled, so
// there's nothing to cap here.
func newRegisterBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second
	b.RandomizationFactor = 0
	return b
}

func toPortSet(ports []uint16) map[uint16]struct{} {
	m := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		if p == 0 {
			continue
		}
		m[p] = struct{}{}
	}
	return m
}
