// Package config loads miner settings from defaults, a config file, the
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bardlex/qminer/pkg/errors"
)

// Submission backends.
const (
	BackendRPC   = "rpc"
	BackendKafka = "kafka"
)

// EnvPrefix is prepended to the upper-cased key to form an environment variable name.
const EnvPrefix = "QMINER_"

// Config holds every miner setting.
type Config struct {
	// Node connection
	RPCHost     string
	RPCPort     int
	RPCUser     string
	RPCPassword string

	// Mining
	NumThreads      int
	RandomQRounds   uint64
	EnableAVX2      bool
	EnableSSE4      bool
	EnableOptimized bool
	SubmitWork      bool

	// Logging and stats
	LogLevel      int
	LogFormat     string
	ShowStats     bool
	StatsInterval time.Duration

	// Job source
	PollInterval time.Duration
	ZMQEndpoint  string

	// Submission
	SubmitBackend string
	KafkaBrokers  []string
	WorkerName    string
	PayAddress    string

	// Telemetry
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	MetricsAddr  string
}

// Default returns the built-in configuration.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "qminer"
	}
	return &Config{
		RPCHost:         "localhost",
		RPCPort:         8332,
		NumThreads:      runtime.NumCPU(),
		RandomQRounds:   8192,
		EnableAVX2:      true,
		EnableSSE4:      true,
		EnableOptimized: true,
		SubmitWork:      true,
		LogLevel:        2,
		LogFormat:       "text",
		ShowStats:       true,
		StatsInterval:   10 * time.Second,
		PollInterval:    30 * time.Second,
		SubmitBackend:   BackendRPC,
		WorkerName:      host,
		InfluxOrg:       "qminer",
		InfluxBucket:    "mining",
	}
}

// Keys lists every recognised key in canonical order.
var Keys = []string{
	"rpc_host", "rpc_port", "rpc_user", "rpc_password",
	"num_threads", "randomq_rounds",
	"enable_avx2", "enable_sse4", "enable_optimized", "submit_work",
	"log_level", "log_format", "show_stats", "stats_interval",
	"poll_interval", "zmq_endpoint",
	"submit_backend", "kafka_brokers", "worker_name", "pay_address",
	"redis_url", "influx_url", "influx_token", "influx_org", "influx_bucket",
	"metrics_addr",
}

// Load builds a configuration from defaults, the optional file at path and
// QMINER_* environment variables. The result is not validated; callers apply
// flag overrides first and then call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges settings from path. Files ending in .yaml or .yml are
// parsed as YAML; anything else as key=value lines with # comments.
// Unknown keys are ignored.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "load_file", "cannot read config file").
			WithContext("path", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return c.parseYAML(data)
	default:
		return c.parseKeyValue(string(data))
	}
}

func (c *Config) parseKeyValue(text string) error {
	sc := bufio.NewScanner(strings.NewReader(text))
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || s[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(s, "=")
		if !ok {
			continue
		}
		if _, err := c.Set(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "load_file", "invalid config line").
				WithContext("line", line)
		}
	}
	return sc.Err()
}

func (c *Config) parseYAML(data []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "load_file", "invalid YAML")
	}
	for key, v := range raw {
		var value string
		switch t := v.(type) {
		case []interface{}:
			parts := make([]string, len(t))
			for i, p := range t {
				parts[i] = fmt.Sprint(p)
			}
			value = strings.Join(parts, ",")
		case nil:
			continue
		default:
			value = fmt.Sprint(t)
		}
		if _, err := c.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) loadEnv() error {
	for _, key := range Keys {
		if value := getEnv(EnvName(key), ""); value != "" {
			if _, err := c.Set(key, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// EnvName returns the environment variable consulted for key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(key)
}

// Set assigns one setting from its string form. It reports whether key was
// recognised; unknown keys are not an error.
func (c *Config) Set(key, value string) (bool, error) {
	var err error
	switch key {
	case "rpc_host":
		c.RPCHost = value
	case "rpc_port":
		c.RPCPort, err = strconv.Atoi(value)
	case "rpc_user":
		c.RPCUser = value
	case "rpc_password":
		c.RPCPassword = value
	case "num_threads":
		c.NumThreads, err = strconv.Atoi(value)
	case "randomq_rounds":
		c.RandomQRounds, err = strconv.ParseUint(value, 10, 64)
	case "enable_avx2":
		c.EnableAVX2 = parseBool(value)
	case "enable_sse4":
		c.EnableSSE4 = parseBool(value)
	case "enable_optimized":
		c.EnableOptimized = parseBool(value)
	case "submit_work":
		c.SubmitWork = parseBool(value)
	case "log_level":
		c.LogLevel, err = parseLogLevel(value)
	case "log_format":
		c.LogFormat = strings.ToLower(value)
	case "show_stats":
		c.ShowStats = parseBool(value)
	case "stats_interval":
		c.StatsInterval, err = parseInterval(value)
	case "poll_interval":
		c.PollInterval, err = parseInterval(value)
	case "zmq_endpoint":
		c.ZMQEndpoint = value
	case "submit_backend":
		c.SubmitBackend = strings.ToLower(value)
	case "kafka_brokers":
		c.KafkaBrokers = splitList(value)
	case "worker_name":
		c.WorkerName = value
	case "pay_address":
		c.PayAddress = value
	case "redis_url":
		c.RedisURL = value
	case "influx_url":
		c.InfluxURL = value
	case "influx_token":
		c.InfluxToken = value
	case "influx_org":
		c.InfluxOrg = value
	case "influx_bucket":
		c.InfluxBucket = value
	case "metrics_addr":
		c.MetricsAddr = value
	default:
		return false, nil
	}
	if err != nil {
		return true, errors.Config("set", "invalid value %q for %s: %v", value, key, err)
	}
	return true, nil
}

// Get returns the string form of key, as written by Save.
func (c *Config) Get(key string) string {
	switch key {
	case "rpc_host":
		return c.RPCHost
	case "rpc_port":
		return strconv.Itoa(c.RPCPort)
	case "rpc_user":
		return c.RPCUser
	case "rpc_password":
		return c.RPCPassword
	case "num_threads":
		return strconv.Itoa(c.NumThreads)
	case "randomq_rounds":
		return strconv.FormatUint(c.RandomQRounds, 10)
	case "enable_avx2":
		return strconv.FormatBool(c.EnableAVX2)
	case "enable_sse4":
		return strconv.FormatBool(c.EnableSSE4)
	case "enable_optimized":
		return strconv.FormatBool(c.EnableOptimized)
	case "submit_work":
		return strconv.FormatBool(c.SubmitWork)
	case "log_level":
		return strconv.Itoa(c.LogLevel)
	case "log_format":
		return c.LogFormat
	case "show_stats":
		return strconv.FormatBool(c.ShowStats)
	case "stats_interval":
		return strconv.Itoa(int(c.StatsInterval / time.Second))
	case "poll_interval":
		return strconv.Itoa(int(c.PollInterval / time.Second))
	case "zmq_endpoint":
		return c.ZMQEndpoint
	case "submit_backend":
		return c.SubmitBackend
	case "kafka_brokers":
		return strings.Join(c.KafkaBrokers, ",")
	case "worker_name":
		return c.WorkerName
	case "pay_address":
		return c.PayAddress
	case "redis_url":
		return c.RedisURL
	case "influx_url":
		return c.InfluxURL
	case "influx_token":
		return c.InfluxToken
	case "influx_org":
		return c.InfluxOrg
	case "influx_bucket":
		return c.InfluxBucket
	case "metrics_addr":
		return c.MetricsAddr
	}
	return ""
}

// Save writes the configuration to path, as YAML for .yaml/.yml and as
// key=value lines otherwise.
func (c *Config) Save(path string) error {
	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var node yaml.Node
		node.Kind = yaml.MappingNode
		for _, key := range Keys {
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: key},
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: c.Get(key)},
			)
		}
		out, err := yaml.Marshal(&node)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "save", "cannot encode YAML")
		}
		data = out
	default:
		data = []byte(c.String())
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "save", "cannot write config file").
			WithContext("path", path)
	}
	return nil
}

// String renders the key=value form.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("# Bitquantum RandomQ CPU Miner configuration\n")
	for _, key := range Keys {
		fmt.Fprintf(&b, "%s=%s\n", key, c.Get(key))
	}
	return b.String()
}

// Validate rejects unusable or contradictory settings with a config error.
func (c *Config) Validate() error {
	switch {
	case c.NumThreads <= 0:
		return errors.Config("validate", "num_threads must be positive, got %d", c.NumThreads)
	case c.RandomQRounds == 0:
		return errors.Config("validate", "randomq_rounds must be at least 1")
	case c.RPCPort <= 0 || c.RPCPort > 65535:
		return errors.Config("validate", "rpc_port must be between 1 and 65535, got %d", c.RPCPort)
	case c.StatsInterval <= 0:
		return errors.Config("validate", "stats_interval must be positive")
	case c.PollInterval <= 0:
		return errors.Config("validate", "poll_interval must be positive")
	case c.LogLevel < 0 || c.LogLevel > 3:
		return errors.Config("validate", "log_level must be between 0 and 3, got %d", c.LogLevel)
	}

	if !c.SubmitWork {
		return nil
	}
	switch c.SubmitBackend {
	case BackendRPC:
		if c.RPCHost == "" {
			return errors.Config("validate", "rpc_host is required when submit_work is enabled")
		}
	case BackendKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.Config("validate", "kafka_brokers is required for the kafka backend")
		}
	default:
		return errors.Config("validate", "unknown submit_backend %q", c.SubmitBackend)
	}
	return nil
}

// LogLevelName maps the numeric level to a pkg/log level name.
func (c *Config) LogLevelName() string {
	switch c.LogLevel {
	case 0:
		return "error"
	case 1:
		return "warn"
	case 3:
		return "debug"
	default:
		return "info"
	}
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func parseLogLevel(value string) (int, error) {
	switch strings.ToLower(value) {
	case "error":
		return 0, nil
	case "warn", "warning":
		return 1, nil
	case "info":
		return 2, nil
	case "debug":
		return 3, nil
	}
	return strconv.Atoi(value)
}

// parseInterval accepts whole seconds or a Go duration string.
func parseInterval(value string) (time.Duration, error) {
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(value)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
