package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinytxn/txn/isolation"
)

// Config carries the engine tunables. DefaultConf fills in anything a toml
// file leaves out.
type Config struct {
	HttpAddr string `toml:"http-addr"` // Status/metrics listen address.
	LogLevel string `toml:"log-level"`

	LockTableShards int `toml:"lock-table-shards"` // Number of lock table shards.
	// Number of row/page locks one transaction may hold under a table
	// before escalation is attempted. Set 0 to disable escalation.
	LockEscalationThreshold int `toml:"lock-escalation-threshold"`
	// How long a lock request may block before it fails with a timeout.
	LockWaitMillis int `toml:"lock-wait-millis"`
	// Level used when a caller does not pick one.
	DefaultIsolation string `toml:"default-isolation"`
}

var DefaultConf = Config{
	HttpAddr:                "127.0.0.1:9291",
	LogLevel:                getLogLevel(),
	LockTableShards:         16,
	LockEscalationThreshold: 5000,
	LockWaitMillis:          10000,
	DefaultIsolation:        "read-committed",
}

// NewTestConfig returns a config with short waits and a low escalation
// threshold, suitable for tests that provoke timeouts and escalations.
func NewTestConfig() *Config {
	c := DefaultConf
	c.LockWaitMillis = 200
	c.LockEscalationThreshold = 8
	return &c
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

// Load reads a toml file over DefaultConf and validates the result.
func Load(path string) (*Config, error) {
	c := DefaultConf
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.LockTableShards <= 0 {
		return fmt.Errorf("lock-table-shards must be greater than 0")
	}
	if c.LockWaitMillis <= 0 {
		return fmt.Errorf("lock-wait-millis must be greater than 0")
	}
	if c.LockEscalationThreshold < 0 {
		return fmt.Errorf("lock-escalation-threshold must not be negative")
	}
	if _, err := ParseIsolation(c.DefaultIsolation); err != nil {
		return err
	}
	return nil
}

// LockWaitTimeout returns the lock wait bound as a duration.
func (c *Config) LockWaitTimeout() time.Duration {
	return time.Duration(c.LockWaitMillis) * time.Millisecond
}

// ParseIsolation maps a config string to an isolation level.
func ParseIsolation(name string) (isolation.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "read-uncommitted":
		return isolation.ReadUncommitted, nil
	case "read-committed":
		return isolation.ReadCommitted, nil
	case "read-committed-snapshot":
		return isolation.ReadCommittedSnapshot, nil
	case "repeatable-read":
		return isolation.RepeatableRead, nil
	case "serializable":
		return isolation.Serializable, nil
	case "snapshot":
		return isolation.Snapshot, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", name)
	}
}
