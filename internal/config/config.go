// Package config loads the configuration map described in spec.md §6. Keys
// are grouped by the component they affect; the struct tags match the dotted
// key names in the spec's table so the same struct doubles as the TOML
// schema. Environment-variable overrides are a separate, hand-written list of
// QEXEC_* variables (see applyEnvOverrides).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ExecutionMode selects how the worker fleet is provisioned and how the
// driver and a worker talk: Local runs both in one process over an
// in-process gRPC channel; Cluster runs them as separate processes over a
// real network listener.
type ExecutionMode string

const (
	ModeLocal   ExecutionMode = "local"
	ModeCluster ExecutionMode = "cluster"
)

// Config is the fully-resolved configuration map. Every field corresponds to
// one row of spec.md §6's key table.
type Config struct {
	Execution struct {
		Mode      ExecutionMode `toml:"mode"`
		BatchSize int           `toml:"batch_size"`
	} `toml:"execution"`

	Cluster struct {
		DriverListenHost   string        `toml:"driver_listen_host"`
		DriverListenPort   int           `toml:"driver_listen_port"`
		DriverExternalHost string        `toml:"driver_external_host"`
		DriverExternalPort int           `toml:"driver_external_port"`
		WorkerInitialCount int           `toml:"worker_initial_count"`
		WorkerMaxCount     int           `toml:"worker_max_count"`
		WorkerTaskSlots    int           `toml:"worker_task_slots"`
		HeartbeatInterval  time.Duration `toml:"worker_heartbeat_interval"`
		LossThreshold      time.Duration `toml:"worker_loss_threshold"`
		IdleThreshold      time.Duration `toml:"worker_idle_threshold"`
	} `toml:"cluster"`

	Session struct {
		IdleTimeout time.Duration `toml:"idle_timeout"`
	} `toml:"session"`

	Reattach struct {
		BufferCapacity   int           `toml:"buffer_capacity"`
		HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	} `toml:"reattach"`

	RPC struct {
		MaxRecvMsgSize int `toml:"max_recv_msg_size"`
	} `toml:"rpc"`

	Retry struct {
		MaxAttempts int `toml:"max_attempts"`
	} `toml:"retry"`
}

// Default returns the configuration the system runs with absent any file or
// environment overrides. Values are chosen conservatively per spec.md's
// stated defaults ("tens of seconds", "order of 1 hour", "128 MiB", "small,
// tens of batches").
func Default() Config {
	var c Config
	c.Execution.Mode = ModeLocal
	c.Execution.BatchSize = 4096
	c.Cluster.DriverListenHost = "0.0.0.0"
	c.Cluster.DriverListenPort = 17077
	c.Cluster.DriverExternalHost = "127.0.0.1"
	c.Cluster.DriverExternalPort = 17077
	c.Cluster.WorkerInitialCount = 1
	c.Cluster.WorkerMaxCount = 8
	c.Cluster.WorkerTaskSlots = 4
	c.Cluster.HeartbeatInterval = 10 * time.Second
	c.Cluster.LossThreshold = 45 * time.Second
	c.Cluster.IdleThreshold = 2 * time.Minute
	c.Session.IdleTimeout = time.Hour
	c.Reattach.BufferCapacity = 64
	c.Reattach.HeartbeatInterval = 20 * time.Second
	c.RPC.MaxRecvMsgSize = 128 << 20
	c.Retry.MaxAttempts = 3
	return c
}

// Load reads a TOML file at path (if non-empty) over the defaults, then
// applies QEXEC_-prefixed environment variable overrides, mirroring the
// BurntSushi/toml decode-over-defaults usage the teacher's now-deleted
// prompt module relied on.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &c); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	applyEnvOverrides(&c)
	return c, nil
}

// applyEnvOverrides supports a narrow set of operationally-critical
// overrides without reflection, matching the explicit-field style the rest
// of this struct uses rather than a generic env-to-struct mapper (no pack
// library targets this narrow a concern).
func applyEnvOverrides(c *Config) {
	if v, ok := lookupEnv("QEXEC_EXECUTION_MODE"); ok {
		c.Execution.Mode = ExecutionMode(v)
	}
	if v, ok := lookupEnvInt("QEXEC_CLUSTER_DRIVER_LISTEN_PORT"); ok {
		c.Cluster.DriverListenPort = v
	}
	if v, ok := lookupEnvInt("QEXEC_CLUSTER_WORKER_TASK_SLOTS"); ok {
		c.Cluster.WorkerTaskSlots = v
	}
	if v, ok := lookupEnvInt("QEXEC_CLUSTER_WORKER_MAX_COUNT"); ok {
		c.Cluster.WorkerMaxCount = v
	}
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func lookupEnvInt(key string) (int, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
