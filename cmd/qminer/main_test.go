package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bardlex/qminer/internal/config"
	"github.com/bardlex/qminer/internal/stats"
	"github.com/bardlex/qminer/pkg/errors"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootHelp(t *testing.T) {
	out, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, want := range []string{
		"Bitquantum RandomQ CPU Miner",
		"--rpc-host",
		"--randomq-rounds",
		"--no-submit",
		"--config",
		"benchmark",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("help output missing %q", want)
		}
	}
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, version) {
		t.Errorf("version output %q does not contain %q", out, version)
	}
}

func TestConfigCommandAppliesFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"threads", []string{"--threads", "4"}, "num_threads=4"},
		{"rpc port", []string{"--rpc-port", "18443"}, "rpc_port=18443"},
		{"rounds", []string{"--randomq-rounds", "2048"}, "randomq_rounds=2048"},
		{"no submit", []string{"--no-submit"}, "submit_work=false"},
		{"no stats", []string{"--no-stats"}, "show_stats=false"},
		{"disable avx2", []string{"--enable-avx2=false"}, "enable_avx2=false"},
		{"named log level", []string{"--log-level", "debug"}, "log_level=3"},
		{"stats interval", []string{"--stats-interval", "30"}, "stats_interval=30"},
		{"kafka brokers", []string{"--kafka-brokers", "a:9092, b:9092"}, "kafka_brokers=a:9092,b:9092"},
		{"worker", []string{"--worker", "rig-7"}, "worker_name=rig-7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"config"}, tt.args...)...)
			if err != nil {
				t.Fatalf("config failed: %v\n%s", err, out)
			}
			if !strings.Contains(out, tt.want+"\n") {
				t.Errorf("output missing %q:\n%s", tt.want, out)
			}
		})
	}
}

func TestConfigCommandDefaults(t *testing.T) {
	out, err := execute(t, "config")
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}
	for _, want := range []string{
		"rpc_host=localhost\n",
		"rpc_port=8332\n",
		"randomq_rounds=8192\n",
		"submit_work=true\n",
		"stats_interval=10\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestConfigAVX2WithoutSSE4IsValid(t *testing.T) {
	out, err := execute(t, "config", "--enable-avx2", "--enable-sse4=false")
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}
	if strings.Contains(out, "warning:") {
		t.Errorf("unexpected validation warning:\n%s", out)
	}
	if !strings.Contains(out, "enable_avx2=true\n") || !strings.Contains(out, "enable_sse4=false\n") {
		t.Errorf("flags not applied:\n%s", out)
	}
}

func TestConfigCommandInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"non numeric port", []string{"--rpc-port", "abc"}},
		{"bad interval", []string{"--stats-interval", "soon"}},
		{"bad log level", []string{"--log-level", "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, append([]string{"config"}, tt.args...)...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "miner.conf")
	data := "# test\nnum_threads=2\nrpc_host=node.local\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "config", "--config", path)
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}
	if !strings.Contains(out, "num_threads=2\n") || !strings.Contains(out, "rpc_host=node.local\n") {
		t.Errorf("file values not applied:\n%s", out)
	}

	out, err = execute(t, "config", "--config", path, "--threads", "5")
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}
	if !strings.Contains(out, "num_threads=5\n") {
		t.Errorf("flag did not override file:\n%s", out)
	}
	if !strings.Contains(out, "rpc_host=node.local\n") {
		t.Errorf("unrelated file value lost:\n%s", out)
	}
}

func TestConfigOutRoundTrip(t *testing.T) {
	for _, name := range []string{"miner.conf", "miner.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			out, err := execute(t, "config", "--threads", "3", "--no-submit", "--rpc-user", "alice", "--out", path)
			if err != nil {
				t.Fatalf("config --out failed: %v\n%s", err, out)
			}

			cfg, err := config.Load(path)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.NumThreads != 3 {
				t.Errorf("NumThreads = %d, want 3", cfg.NumThreads)
			}
			if cfg.SubmitWork {
				t.Error("SubmitWork = true, want false")
			}
			if cfg.RPCUser != "alice" {
				t.Errorf("RPCUser = %q, want alice", cfg.RPCUser)
			}
		})
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"zero threads", []string{"--threads", "0"}},
		{"zero rounds", []string{"--randomq-rounds", "0"}},
		{"kafka without brokers", []string{"--submit-backend", "kafka"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if err == nil {
				t.Fatal("expected a configuration error")
			}
			if !errors.IsType(err, errors.ErrorTypeConfig) {
				t.Errorf("error %v is not a config error", err)
			}
			if !strings.Contains(out, "Bitquantum RandomQ CPU Miner") {
				t.Errorf("banner not printed:\n%s", out)
			}
		})
	}
}

func TestBenchmarkKernelsAgree(t *testing.T) {
	out, err := execute(t, "benchmark", "--rounds", "8", "--count", "32", "--all")
	if err != nil {
		t.Fatalf("benchmark failed: %v\n%s", err, out)
	}
	for _, want := range []string{"baseline", "sse4", "avx2", "checksum"} {
		if !strings.Contains(out, want) {
			t.Errorf("benchmark output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "MISMATCH") {
		t.Errorf("kernels disagree:\n%s", out)
	}
}

func TestBenchmarkRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"zero count", []string{"--count", "0"}},
		{"negative difficulty", []string{"--difficulty", "-1"}},
		{"nan difficulty", []string{"--difficulty", "NaN"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"benchmark"}, tt.args...)...)
			if !errors.IsType(err, errors.ErrorTypeConfig) {
				t.Errorf("benchmark %v error = %v, want a config error", tt.args, err)
			}
		})
	}
}

func TestBenchmarkCountsSharesAtDifficulty(t *testing.T) {
	tests := []struct {
		difficulty string
		want       string
	}{
		{"1e-12", "shares 16/16 at difficulty 1e-12"},
		{"1e300", "shares 0/16 at difficulty 1e+300"},
	}

	for _, tt := range tests {
		t.Run(tt.difficulty, func(t *testing.T) {
			out, err := execute(t, "benchmark", "--rounds", "4", "--count", "16", "--difficulty", tt.difficulty)
			if err != nil {
				t.Fatalf("benchmark failed: %v\n%s", err, out)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("benchmark output missing %q:\n%s", tt.want, out)
			}
		})
	}

	out, err := execute(t, "benchmark", "--rounds", "4", "--count", "16")
	if err != nil {
		t.Fatalf("benchmark failed: %v", err)
	}
	if strings.Contains(out, "shares ") {
		t.Errorf("share count printed without --difficulty:\n%s", out)
	}
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, stats.Snapshot{
		Uptime:          90*time.Second + 400*time.Millisecond,
		Hashes:          1234567,
		AverageHashRate: 1500,
		SharesFound:     3,
		Accepted:        2,
		Rejected:        1,
		Variant:         "avx2",
	})
	out := buf.String()
	for _, want := range []string{"1m30s", "1,234,567", "avx2", "Shares accepted:   2"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Lost shares") {
		t.Error("lost line printed with no lost shares")
	}
}
