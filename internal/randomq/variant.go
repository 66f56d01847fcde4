package randomq

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Variant identifies a round-function kernel.
type Variant int

const (
	// Baseline is the portable scalar kernel.
	Baseline Variant = iota
	// SSE4 is the 2-lane kernel.
	SSE4
	// AVX2 is the 4-lane kernel.
	AVX2
)

// Variants lists every kernel, slowest first.
var Variants = []Variant{Baseline, SSE4, AVX2}

func (v Variant) String() string {
	switch v {
	case Baseline:
		return "baseline"
	case SSE4:
		return "sse4"
	case AVX2:
		return "avx2"
	default:
		return "unknown"
	}
}

// ParseVariant is the inverse of String.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "baseline", "scalar":
		return Baseline, nil
	case "sse4", "sse4.1":
		return SSE4, nil
	case "avx2":
		return AVX2, nil
	}
	return Baseline, fmt.Errorf("randomq: unknown variant %q", s)
}

func (v Variant) kernel() permuteFunc {
	switch v {
	case AVX2:
		return permuteAVX2
	case SSE4:
		return permuteSSE4
	default:
		return permuteBaseline
	}
}

// Features is the subset of CPU capabilities kernel selection depends on.
type Features struct {
	Brand        string
	LogicalCores int
	SSE4         bool
	AVX2         bool
}

// DetectFeatures probes the host CPU.
func DetectFeatures() Features {
	return Features{
		Brand:        cpuid.CPU.BrandName,
		LogicalCores: cpuid.CPU.LogicalCores,
		SSE4:         cpuid.CPU.Supports(cpuid.SSE4),
		AVX2:         cpuid.CPU.Supports(cpuid.AVX2),
	}
}

// Supports reports whether the host can run v.
func (f Features) Supports(v Variant) bool {
	switch v {
	case AVX2:
		return f.AVX2
	case SSE4:
		return f.SSE4
	default:
		return true
	}
}

// Selection is the outcome of choosing a kernel. Warnings describe requested
// accelerations that were unavailable.
type Selection struct {
	Variant  Variant
	Warnings []string
}

// Select picks the fastest kernel that is both enabled and supported.
// Unsupported requests downgrade with a warning instead of failing.
func Select(f Features, enableAVX2, enableSSE4 bool) Selection {
	var sel Selection

	if enableAVX2 {
		if f.AVX2 {
			sel.Variant = AVX2
			return sel
		}
		sel.Warnings = append(sel.Warnings, "AVX2 requested but not supported by this CPU")
	}
	if enableSSE4 {
		if f.SSE4 {
			sel.Variant = SSE4
			return sel
		}
		sel.Warnings = append(sel.Warnings, "SSE4.1 requested but not supported by this CPU")
	}

	sel.Variant = Baseline
	return sel
}

var selfTestHeader = []byte("RandomQ known-answer self test header, 80 bytes long for a block-header shape..")

// SelfTest checks v against the baseline kernel on a handful of nonces.
func SelfTest(v Variant) error {
	if v == Baseline {
		return nil
	}
	ref := NewHasher(Baseline, false)
	got := NewHasher(v, true)
	if err := ref.Reset(selfTestHeader); err != nil {
		return err
	}
	if err := got.Reset(selfTestHeader); err != nil {
		return err
	}

	for _, nonce := range []uint64{0, 1, 0xFFFFFFFF, 1 << 63} {
		want, err := ref.Sum(nonce, 64)
		if err != nil {
			return err
		}
		have, err := got.Sum(nonce, 64)
		if err != nil {
			return err
		}
		if !bytes.Equal(want[:], have[:]) {
			return fmt.Errorf("randomq: %s kernel disagrees with baseline at nonce %d", v, nonce)
		}
	}
	return nil
}
