// Package config holds the immutable StaticConfig this process is started
// with, the on-disk/TOML ConfigFile it can be loaded from, and the hot
// reloadable DynamicConfig snapshot the Heartbeat Reconciler replaces at
// runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
)

// EnvPrefix is the prefix every config field is overridable under, per the
// "AETHER_PROXY_{UPPER_SNAKE}" environment variable contract.
const EnvPrefix = "AETHER_PROXY_"

// StaticConfig is immutable for the lifetime of the process — it is parsed
// once at startup and never mutated.
type StaticConfig struct {
	AetherURL          string
	ManagementToken    string
	HMACKey            string
	ListenPort         uint16
	PublicIP           string
	NodeName           string
	NodeRegion         string
	HeartbeatInterval  uint64 // seconds
	AllowedPorts       []uint16
	TimestampTolerance uint64 // seconds
	LogLevel           string
	LogJSON            bool
	EnableTLS          bool
	TLSCert            string
	TLSKey             string
	DebugMetricsAddr   string // empty = disabled
}

// Default returns the built-in defaults, matching the lowest rung of the
// CLI-flag > env-var > TOML-file > default precedence chain.
func Default() StaticConfig {
	return StaticConfig{
		ListenPort:         18080,
		NodeName:           "proxy-01",
		HeartbeatInterval:  30,
		AllowedPorts:       []uint16{80, 443, 8080, 8443},
		TimestampTolerance: 300,
		LogLevel:           "info",
		EnableTLS:          true,
		TLSCert:            "aether-proxy-cert.pem",
		TLSKey:             "aether-proxy-key.pem",
	}
}

// ConfigFile is the TOML-serializable subset of StaticConfig, every field
// optional so a partial file only overrides what it names.
type ConfigFile struct {
	AetherURL          *string   `toml:"aether_url,omitempty"`
	ManagementToken    *string   `toml:"management_token,omitempty"`
	HMACKey            *string   `toml:"hmac_key,omitempty"`
	ListenPort         *uint16   `toml:"listen_port,omitempty"`
	PublicIP           *string   `toml:"public_ip,omitempty"`
	NodeName           *string   `toml:"node_name,omitempty"`
	NodeRegion         *string   `toml:"node_region,omitempty"`
	HeartbeatInterval  *uint64   `toml:"heartbeat_interval,omitempty"`
	AllowedPorts       []uint16  `toml:"allowed_ports,omitempty"`
	TimestampTolerance *uint64   `toml:"timestamp_tolerance,omitempty"`
	LogLevel           *string   `toml:"log_level,omitempty"`
	LogJSON            *bool     `toml:"log_json,omitempty"`
	EnableTLS          *bool     `toml:"enable_tls,omitempty"`
	TLSCert            *string   `toml:"tls_cert,omitempty"`
	TLSKey             *string   `toml:"tls_key,omitempty"`
}

// LoadConfigFile reads and parses a TOML file at path.
func LoadConfigFile(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cf ConfigFile
	if err := toml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse TOML config %s: %w", path, err)
	}
	return &cf, nil
}

// Save writes cf to path as pretty TOML.
func (cf *ConfigFile) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := toml.NewEncoder(f)
	return enc.Encode(cf)
}

// InjectEnv sets an AETHER_PROXY_* environment variable for every field cf
// has a value for, but only when that variable isn't already set — this is
// what gives the file the lowest precedence: it runs before flag parsing,
// so a CLI flag or a pre-existing env var always wins.
func (cf *ConfigFile) InjectEnv() {
	setIfAbsent(EnvPrefix+"AETHER_URL", cf.AetherURL)
	setIfAbsent(EnvPrefix+"MANAGEMENT_TOKEN", cf.ManagementToken)
	setIfAbsent(EnvPrefix+"HMAC_KEY", cf.HMACKey)
	setIfAbsentUint16(EnvPrefix+"LISTEN_PORT", cf.ListenPort)
	setIfAbsent(EnvPrefix+"PUBLIC_IP", cf.PublicIP)
	setIfAbsent(EnvPrefix+"NODE_NAME", cf.NodeName)
	setIfAbsent(EnvPrefix+"NODE_REGION", cf.NodeRegion)
	setIfAbsentUint64(EnvPrefix+"HEARTBEAT_INTERVAL", cf.HeartbeatInterval)
	setIfAbsentUint64(EnvPrefix+"TIMESTAMP_TOLERANCE", cf.TimestampTolerance)
	setIfAbsent(EnvPrefix+"LOG_LEVEL", cf.LogLevel)
	setIfAbsentBool(EnvPrefix+"LOG_JSON", cf.LogJSON)
	setIfAbsentBool(EnvPrefix+"ENABLE_TLS", cf.EnableTLS)
	setIfAbsent(EnvPrefix+"TLS_CERT", cf.TLSCert)
	setIfAbsent(EnvPrefix+"TLS_KEY", cf.TLSKey)

	if len(cf.AllowedPorts) > 0 {
		if _, ok := os.LookupEnv(EnvPrefix + "ALLOWED_PORTS"); !ok {
			parts := make([]string, len(cf.AllowedPorts))
			for i, p := range cf.AllowedPorts {
				parts[i] = strconv.Itoa(int(p))
			}
			os.Setenv(EnvPrefix+"ALLOWED_PORTS", strings.Join(parts, ","))
		}
	}
}

func setIfAbsent(key string, v *string) {
	if v == nil {
		return
	}
	if _, ok := os.LookupEnv(key); !ok {
		os.Setenv(key, *v)
	}
}

func setIfAbsentBool(key string, v *bool) {
	if v == nil {
		return
	}
	if _, ok := os.LookupEnv(key); !ok {
		os.Setenv(key, strconv.FormatBool(*v))
	}
}

func setIfAbsentUint16(key string, v *uint16) {
	if v == nil {
		return
	}
	if _, ok := os.LookupEnv(key); !ok {
		os.Setenv(key, strconv.Itoa(int(*v)))
	}
}

func setIfAbsentUint64(key string, v *uint64) {
	if v == nil {
		return
	}
	if _, ok := os.LookupEnv(key); !ok {
		os.Setenv(key, strconv.FormatUint(*v, 10))
	}
}

// Snapshot is the hot-reloadable subset of configuration the Heartbeat
// Reconciler replaces atomically. A request handler takes one field read
// each (AllowedPorts / TimestampTolerance) directly off whatever Snapshot
// Dynamic.Load() returns at that moment — it never observes a torn mix of
// old and new fields, since the whole struct is swapped as one pointer.
type Snapshot struct {
	AllowedPorts       map[uint16]struct{}
	TimestampTolerance uint64
	HeartbeatInterval  uint64
	LogLevel           string
	NodeName           string
	ConfigVersion      uint64
}

// Dynamic is the atomically-swapped holder for the current Snapshot.
type Dynamic struct {
	ptr atomic.Pointer[Snapshot]
}

// NewDynamic builds the initial snapshot from a StaticConfig, as required
// by the fixed startup order in 4.L.
func NewDynamic(sc StaticConfig) *Dynamic {
	d := &Dynamic{}
	d.ptr.Store(&Snapshot{
		AllowedPorts:       portSet(sc.AllowedPorts),
		TimestampTolerance: sc.TimestampTolerance,
		HeartbeatInterval:  sc.HeartbeatInterval,
		LogLevel:           sc.LogLevel,
		NodeName:           sc.NodeName,
		ConfigVersion:      0,
	})
	return d
}

// Load returns the current snapshot. Never blocks.
func (d *Dynamic) Load() *Snapshot {
	return d.ptr.Load()
}

// ReplaceIfNewer installs next only if its ConfigVersion is strictly
// greater than the currently stored snapshot's, preserving invariant 7
// (config_version never observed to decrease). Returns whether it was
// applied.
func (d *Dynamic) ReplaceIfNewer(next *Snapshot) bool {
	for {
		cur := d.ptr.Load()
		if next.ConfigVersion <= cur.ConfigVersion {
			return false
		}
		if d.ptr.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func portSet(ports []uint16) map[uint16]struct{} {
	m := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		if p == 0 {
			continue
		}
		m[p] = struct{}{}
	}
	return m
}
