package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bardlex/qminer/internal/config"
	"github.com/bardlex/qminer/pkg/errors"
)

const banner = "CPUMiner v%s - Bitquantum RandomQ CPU Miner\n" +
	"Copyright (c) 2024-present The Bitquantum Core developers\n\n"

// flagBinding maps a command-line flag onto a config key. Inverted flags
// are switches that turn a setting off.
type flagBinding struct {
	flag   string
	key    string
	invert bool
}

var flagBindings = []flagBinding{
	{flag: "rpc-host", key: "rpc_host"},
	{flag: "rpc-port", key: "rpc_port"},
	{flag: "rpc-user", key: "rpc_user"},
	{flag: "rpc-password", key: "rpc_password"},
	{flag: "threads", key: "num_threads"},
	{flag: "randomq-rounds", key: "randomq_rounds"},
	{flag: "enable-avx2", key: "enable_avx2"},
	{flag: "enable-sse4", key: "enable_sse4"},
	{flag: "enable-optimized", key: "enable_optimized"},
	{flag: "no-submit", key: "submit_work", invert: true},
	{flag: "log-level", key: "log_level"},
	{flag: "log-format", key: "log_format"},
	{flag: "no-stats", key: "show_stats", invert: true},
	{flag: "stats-interval", key: "stats_interval"},
	{flag: "poll-interval", key: "poll_interval"},
	{flag: "zmq-endpoint", key: "zmq_endpoint"},
	{flag: "submit-backend", key: "submit_backend"},
	{flag: "kafka-brokers", key: "kafka_brokers"},
	{flag: "worker", key: "worker_name"},
	{flag: "pay-address", key: "pay_address"},
	{flag: "metrics-addr", key: "metrics_addr"},
}

// NewRootCommand builds the qminer command tree. Running it without a
// subcommand starts mining.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qminer",
		Short: "Bitquantum RandomQ CPU Miner",
		Long: `Bitquantum RandomQ CPU Miner

Mines RandomQ proof-of-work against a node's getblocktemplate RPC.
Settings come from built-in defaults, an optional config file, QMINER_*
environment variables and flags, with flags taking precedence.`,
		Example: `  qminer --rpc-host localhost --rpc-port 8332 --threads 4
  qminer --config miner.conf
  qminer benchmark --rounds 1024`,
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			printBanner(cmd.OutOrStdout())
			return runMiner(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	f := cmd.PersistentFlags()
	f.String("config", "", "Load configuration from file (key=value or .yaml)")
	f.String("rpc-host", "", "RPC server host (default: localhost)")
	f.Int("rpc-port", 0, "RPC server port (default: 8332)")
	f.String("rpc-user", "", "RPC username")
	f.String("rpc-password", "", "RPC password")
	f.Int("threads", 0, "Number of mining threads (default: all CPUs)")
	f.Uint64("randomq-rounds", 0, "RandomQ rounds (default: 8192)")
	f.Bool("enable-avx2", false, "Enable AVX2 optimizations")
	f.Bool("enable-sse4", false, "Enable SSE4 optimizations")
	f.Bool("enable-optimized", false, "Enable optimized algorithms")
	f.Bool("no-submit", false, "Don't submit work")
	f.String("log-level", "", "Log level 0-3 or error|warn|info|debug (default: 2)")
	f.String("log-format", "", "Log format: text or json")
	f.Bool("no-stats", false, "Don't show statistics")
	f.String("stats-interval", "", "Statistics update interval in seconds (default: 10)")
	f.String("poll-interval", "", "Block template poll interval in seconds (default: 30)")
	f.String("zmq-endpoint", "", "Node ZMQ endpoint for hashblock notifications")
	f.String("submit-backend", "", "Where shares go: rpc or kafka")
	f.String("kafka-brokers", "", "Comma-separated Kafka brokers for the kafka backend")
	f.String("worker", "", "Worker name reported with shares and stats")
	f.String("pay-address", "", "Coinbase payout address")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	cmd.AddCommand(NewBenchmarkCommand())
	cmd.AddCommand(NewConfigCommand())
	return cmd
}

func printBanner(w io.Writer) {
	fmt.Fprintf(w, banner, version)
}

// loadConfig reads the config file named by --config, then applies every
// flag the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	for _, b := range flagBindings {
		if !flags.Changed(b.flag) {
			continue
		}
		value := flags.Lookup(b.flag).Value.String()
		if b.invert {
			on, err := strconv.ParseBool(value)
			if err != nil {
				return nil, errors.Config("flags", "invalid value %q for --%s", value, b.flag)
			}
			value = strconv.FormatBool(!on)
		}
		if _, err := cfg.Set(b.key, value); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
