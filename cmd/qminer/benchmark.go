package main

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bardlex/qminer/internal/difficulty"
	"github.com/bardlex/qminer/internal/randomq"
	"github.com/bardlex/qminer/internal/stats"
	"github.com/bardlex/qminer/pkg/errors"
)

var benchmarkHeader = []byte("qminer benchmark header: a fixed 80-byte block-header-sized input for hashing...")

type benchmarkResult struct {
	variant  randomq.Variant
	elapsed  time.Duration
	checksum randomq.Digest
	shares   uint64
}

func (r benchmarkResult) rate(count uint64) float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(count) / r.elapsed.Seconds()
}

// NewBenchmarkCommand hashes a fixed header on each kernel the CPU supports
// and checks that every kernel produces the same digests.
func NewBenchmarkCommand() *cobra.Command {
	var (
		rounds    uint64
		count     uint64
		optimized bool
		all       bool
		diff      float64
	)

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Measure hash rate per RandomQ kernel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rounds == 0 || count == 0 {
				return errors.Config("benchmark", "rounds and count must be positive")
			}
			if math.IsNaN(diff) || diff < 0 {
				return errors.Config("benchmark", "difficulty must be zero or positive")
			}
			var target *difficulty.Target
			if diff > 0 {
				t := difficulty.FromDifficulty(diff)
				target = &t
			}

			features := randomq.DetectFeatures()
			var variants []randomq.Variant
			for _, v := range randomq.Variants {
				if all || features.Supports(v) {
					variants = append(variants, v)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "CPU: %s (%d logical cores)\n", features.Brand, features.LogicalCores)
			fmt.Fprintf(out, "Hashing %s nonces at %s rounds\n\n",
				humanize.Comma(int64(count)), humanize.Comma(int64(rounds)))

			results := make([]benchmarkResult, 0, len(variants))
			for _, v := range variants {
				r, err := benchmarkVariant(v, optimized, rounds, count, target)
				if err != nil {
					return err
				}
				results = append(results, r)
			}
			if err := reportBenchmark(out, results, count); err != nil {
				return err
			}
			if target != nil && len(results) > 0 {
				fmt.Fprintf(out, "shares %d/%d at difficulty %g\n", results[0].shares, count, diff)
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&rounds, "rounds", 1024, "RandomQ rounds per hash")
	cmd.Flags().Uint64Var(&count, "count", 2000, "Nonces hashed per kernel")
	cmd.Flags().BoolVar(&optimized, "optimized", true, "Use the midstate-cached seed path")
	cmd.Flags().BoolVar(&all, "all", false, "Run every kernel, including ones the CPU does not advertise")
	cmd.Flags().Float64Var(&diff, "difficulty", 0, "Also count digests meeting this share difficulty (0 disables)")
	return cmd
}

// benchmarkVariant hashes nonces 0..count-1 and folds the digests into a
// checksum so kernels can be compared without keeping every digest. With a
// non-nil target it also counts the digests that meet it.
func benchmarkVariant(v randomq.Variant, optimized bool, rounds, count uint64, target *difficulty.Target) (benchmarkResult, error) {
	h := randomq.NewHasher(v, optimized)
	if err := h.Reset(benchmarkHeader); err != nil {
		return benchmarkResult{}, err
	}

	res := benchmarkResult{variant: v}
	start := time.Now()
	for nonce := uint64(0); nonce < count; nonce++ {
		d, err := h.Sum(nonce, rounds)
		if err != nil {
			return benchmarkResult{}, errors.Wrap(err, errors.ErrorTypePrimitive, "benchmark", "hash failed").
				WithContext("variant", v.String())
		}
		for i := range res.checksum {
			res.checksum[i] ^= d[i]
		}
		if target != nil && target.MetBy((*[32]byte)(&d)) {
			res.shares++
		}
	}
	res.elapsed = time.Since(start)
	return res, nil
}

func reportBenchmark(w io.Writer, results []benchmarkResult, count uint64) error {
	if len(results) == 0 {
		return nil
	}
	ref := results[0]
	var mismatch []string
	for _, r := range results {
		status := "ok"
		if r.checksum != ref.checksum {
			status = "MISMATCH"
			mismatch = append(mismatch, r.variant.String())
		}
		fmt.Fprintf(w, "  %-9s %14s  %10s  %s\n",
			r.variant, stats.FormatHashRate(r.rate(count)), r.elapsed.Round(time.Millisecond), status)
	}
	fmt.Fprintf(w, "\nchecksum %s\n", ref.checksum)

	if len(mismatch) > 0 {
		return errors.Newf(errors.ErrorTypePrimitive, "benchmark",
			"kernels %v disagree with %s", mismatch, ref.variant)
	}
	return nil
}
