// Package gwconfig loads the gateway's YAML configuration file: the ICAP
// listener settings, the upstream keyless-signing backend pool, and the
// idle-detection thresholds the bidirectional REQMOD engine is supervised
// by.
package gwconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultICAPAddr         = "0.0.0.0:1344"
	defaultUpstreamTimeout  = 10 * time.Second
	defaultIdleInterval     = time.Second
	defaultMaxIdleIntervals = 30
	defaultHeaderMaxSize    = 64 * 1024
	defaultCopyBufferSize   = 32 * 1024
)

// Config is the root gateway configuration, unmarshaled from YAML.
type Config struct {
	ICAP     ICAPConfig     `yaml:"icap"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Idle     IdleConfig     `yaml:"idle"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ICAPConfig configures the ICAP-facing listener and the gateway's
// connection to the ICAP adaptation service.
type ICAPConfig struct {
	Addr           string        `yaml:"addr" desc:"address the gateway listens for plain HTTP connections on"`
	DialTimeout    time.Duration `yaml:"dial_timeout" desc:"bound on dialing the ICAP adaptation service"`
	HeaderMaxSize  int           `yaml:"header_max_size" desc:"cap, in bytes, on an adapted request's header block"`
	CopyBufferSize int           `yaml:"copy_buffer_size" desc:"buffer size used when streaming body bytes between client, gateway, and upstream"`
	AddNoViaHeader bool          `yaml:"strip_via_header" desc:"when true, the Via header is removed from the adapted request before forwarding upstream"`
}

// UpstreamConfig configures the keyless-signing backend pool.
type UpstreamConfig struct {
	Addresses        []string      `yaml:"addresses" desc:"host:port pool of upstream peers, one chosen at random per dial"`
	TLS              *TLSConfig    `yaml:"tls" desc:"TLS settings; omit to dial plaintext TCP"`
	DialTimeout      time.Duration `yaml:"dial_timeout" desc:"bound on a single TCP connect attempt"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" desc:"bound on the TLS handshake, when TLS is configured"`
	MaxElapsedTime   time.Duration `yaml:"max_elapsed_time" desc:"total time budget across retried dial attempts; 0 disables the limit"`
}

// TLSConfig configures the upstream TLS client.
type TLSConfig struct {
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
}

// IdleConfig configures the idle supervisor shared by both the client- and
// upstream-facing transfers.
type IdleConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" desc:"how often idle progress is sampled"`
	MaxIdleTicks uint64        `yaml:"max_idle_ticks" desc:"consecutive idle ticks at which the transfer is aborted"`
}

// LoggingConfig configures the process-wide zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" desc:"zerolog level name: trace, debug, info, warn, error"`
	Pretty bool   `yaml:"pretty" desc:"use zerolog's human-readable console writer instead of JSON"`
}

// Load reads and parses the YAML file at path, filling in defaults for any
// zero-valued field that has one.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gwconfig: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("gwconfig: parsing %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("gwconfig: %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ICAP.Addr == "" {
		c.ICAP.Addr = defaultICAPAddr
	}
	if c.ICAP.HeaderMaxSize == 0 {
		c.ICAP.HeaderMaxSize = defaultHeaderMaxSize
	}
	if c.ICAP.CopyBufferSize == 0 {
		c.ICAP.CopyBufferSize = defaultCopyBufferSize
	}
	if c.ICAP.DialTimeout == 0 {
		c.ICAP.DialTimeout = defaultUpstreamTimeout
	}
	if c.Upstream.DialTimeout == 0 {
		c.Upstream.DialTimeout = defaultUpstreamTimeout
	}
	if c.Idle.TickInterval == 0 {
		c.Idle.TickInterval = defaultIdleInterval
	}
	if c.Idle.MaxIdleTicks == 0 {
		c.Idle.MaxIdleTicks = defaultMaxIdleIntervals
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if len(c.Upstream.Addresses) == 0 {
		return fmt.Errorf("upstream.addresses must list at least one peer")
	}
	return nil
}
