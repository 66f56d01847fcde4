package miner

import (
	"bytes"
	"context"
	stderrors "errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/qminer/internal/config"
	"github.com/bardlex/qminer/internal/difficulty"
	"github.com/bardlex/qminer/internal/job"
	"github.com/bardlex/qminer/internal/randomq"
	"github.com/bardlex/qminer/internal/submit"
	"github.com/bardlex/qminer/pkg/errors"
)

// MockSink records every share it is asked to submit.
type MockSink struct {
	mu     sync.Mutex
	shares []*job.Share
}

func (m *MockSink) Name() string { return "mock" }

func (m *MockSink) Submit(_ context.Context, s *job.Share) (submit.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares = append(m.shares, s)
	return submit.OutcomeAccepted, nil
}

func (m *MockSink) Shares() []*job.Share {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*job.Share, len(m.shares))
	copy(out, m.shares)
	return out
}

// gatedHasher returns an all-zero digest, which meets any non-zero target,
// or with miss set an all-ones digest, which meets none. While hashing the
// gated header it blocks until gate is closed.
type gatedHasher struct {
	header []byte
	gated  []byte
	gate   <-chan struct{}
	once   *sync.Once
	inside chan<- struct{}
	miss   bool
}

func (h *gatedHasher) Reset(header []byte) error {
	h.header = append(h.header[:0], header...)
	return nil
}

func (h *gatedHasher) Sum(uint64, uint64) (randomq.Digest, error) {
	if h.gated != nil && bytes.Equal(h.header, h.gated) {
		h.once.Do(func() { close(h.inside) })
		<-h.gate
	}
	var d randomq.Digest
	if h.miss {
		for i := range d {
			d[i] = 0xff
		}
	}
	return d, nil
}

// failingHasher fails or panics on every attempt.
type failingHasher struct{ panics bool }

func (failingHasher) Reset([]byte) error { return nil }

func (h failingHasher) Sum(uint64, uint64) (randomq.Digest, error) {
	if h.panics {
		panic("corrupted state")
	}
	return randomq.Digest{}, errors.New(errors.ErrorTypePrimitive, "hash", "checksum mismatch")
}

func testConfig(threads int) *config.Config {
	cfg := config.Default()
	cfg.NumThreads = threads
	cfg.RandomQRounds = 1024
	cfg.SubmitWork = false
	cfg.ShowStats = false
	cfg.StatsInterval = time.Hour
	return cfg
}

func easyTemplate(header string, rounds uint64) job.Template {
	return job.Template{
		Header: []byte(header),
		Target: difficulty.FromDifficulty(0),
		Rounds: rounds,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineFindsShareWithoutSubmitting(t *testing.T) {
	sink := &MockSink{}
	e := New(WithSink(sink), WithBatchSize(16))

	var mu sync.Mutex
	var found []*job.Share
	e.onShare = func(s *job.Share) {
		mu.Lock()
		found = append(found, s)
		mu.Unlock()
	}

	cfg := testConfig(1)
	if err := e.Initialize(cfg); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if e.State() != StateReady {
		t.Fatalf("State() = %v, want ready", e.State())
	}

	j, err := e.Jobs().Publish(easyTemplate("end-to-end header", cfg.RandomQRounds))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "a share", func() bool { return e.SnapshotStats().SharesFound > 0 })

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	mu.Lock()
	share := found[0]
	mu.Unlock()

	want, err := randomq.Hash(randomq.Baseline, j.Header, share.Nonce, cfg.RandomQRounds)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if share.Digest != want {
		t.Errorf("share digest = %s, want %s", share.Digest, want)
	}
	if !difficulty.MeetsTarget(share.Digest[:], j.Target[:]) {
		t.Error("share digest does not meet the job target")
	}
	if n := len(sink.Shares()); n != 0 {
		t.Errorf("sink calls = %d, want 0 with submission disabled", n)
	}
	if e.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", e.State())
	}
}

func TestEngineNeverSubmitsSupersededShares(t *testing.T) {
	gate := make(chan struct{})
	inside := make(chan struct{})
	once := &sync.Once{}
	v1Header := "job one"

	sink := &MockSink{}
	e := New(
		WithSink(sink),
		WithBatchSize(4),
		WithHasherFactory(func(randomq.Variant, bool) Hasher {
			return &gatedHasher{gated: []byte(v1Header), gate: gate, once: once, inside: inside}
		}),
	)

	cfg := testConfig(1)
	cfg.SubmitWork = true
	if err := e.Initialize(cfg); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	v1, err := e.Jobs().Publish(easyTemplate(v1Header, 1))
	if err != nil {
		t.Fatalf("Publish(v1) error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The worker is now hashing v1 and holds a qualifying digest.
	<-inside
	v2, err := e.Jobs().Publish(easyTemplate("job two", 1))
	if err != nil {
		t.Fatalf("Publish(v2) error = %v", err)
	}
	close(gate)

	waitFor(t, "a v2 submission", func() bool { return len(sink.Shares()) > 0 })
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	for _, s := range sink.Shares() {
		if s.JobVersion == v1.Version {
			t.Fatalf("submitted share for superseded version %d", v1.Version)
		}
		if s.JobVersion != v2.Version {
			t.Errorf("submitted share version = %d, want %d", s.JobVersion, v2.Version)
		}
	}
	if got := e.SnapshotStats().WastedHashes; got == 0 {
		t.Error("WastedHashes = 0, want the discarded v1 work counted")
	}
}

func TestEngineCountsSupersededRangeAsWasted(t *testing.T) {
	gate := make(chan struct{})
	inside := make(chan struct{})
	once := &sync.Once{}
	v1Header := "wasted range"

	e := New(
		WithBatchSize(4),
		WithHasherFactory(func(randomq.Variant, bool) Hasher {
			return &gatedHasher{gated: []byte(v1Header), gate: gate, once: once, inside: inside, miss: true}
		}),
	)
	if err := e.Initialize(testConfig(1)); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	hard := difficulty.Target{0x00, 0x01}
	if _, err := e.Jobs().Publish(job.Template{Header: []byte(v1Header), Target: hard, Rounds: 1}); err != nil {
		t.Fatalf("Publish(v1) error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	<-inside
	if _, err := e.Jobs().Publish(job.Template{Header: []byte("next job"), Target: hard, Rounds: 1}); err != nil {
		t.Fatalf("Publish(v2) error = %v", err)
	}
	close(gate)

	waitFor(t, "wasted hashes", func() bool { return e.SnapshotStats().WastedHashes > 0 })
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	final := e.SnapshotStats()
	if final.WastedHashes != 4 {
		t.Errorf("WastedHashes = %d, want the 4 hashes of the superseded range", final.WastedHashes)
	}
	if final.SharesFound != 0 {
		t.Errorf("SharesFound = %d, want 0", final.SharesFound)
	}
	if final.Hashes <= final.WastedHashes {
		t.Errorf("Hashes = %d, want more than the wasted %d", final.Hashes, final.WastedHashes)
	}
}

func TestEngineStopIsBoundedAndStable(t *testing.T) {
	e := New(WithBatchSize(8))
	cfg := testConfig(2)
	if err := e.Initialize(cfg); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := e.Jobs().Publish(job.Template{
		Header: []byte("stop test"),
		Target: difficulty.Target{0x00, 0x00, 0x01},
		Rounds: 64,
	}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "hashing", func() bool { return e.SnapshotStats().Hashes > 0 })

	done := make(chan error, 1)
	go func() { done <- e.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}

	first := e.SnapshotStats()
	time.Sleep(20 * time.Millisecond)
	second := e.SnapshotStats()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("SnapshotStats() changed after Stop: %+v then %+v", first, second)
	}
	if first.Hashes == 0 {
		t.Error("SnapshotStats().Hashes = 0 after mining")
	}

	// Stopping again is a no-op.
	if err := e.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestEngineContextCancelStops(t *testing.T) {
	e := New(WithBatchSize(8))
	if err := e.Initialize(testConfig(1)); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after context cancel")
	}
	if e.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", e.State())
	}
}

func TestEngineConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero threads", func(c *config.Config) { c.NumThreads = 0 }},
		{"zero rounds", func(c *config.Config) { c.RandomQRounds = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New()
			cfg := testConfig(1)
			tt.mutate(cfg)

			err := e.Initialize(cfg)
			if !errors.IsType(err, errors.ErrorTypeConfig) {
				t.Fatalf("Initialize() error = %v, want config error", err)
			}
			if e.State() != StateStopped {
				t.Errorf("State() = %v, want stopped", e.State())
			}
			if e.StopReason() != err {
				t.Errorf("StopReason() = %v, want %v", e.StopReason(), err)
			}
			if err := e.Start(context.Background()); err == nil {
				t.Error("Start() after config error should fail")
			}
			if got := e.Stop(); got != err {
				t.Errorf("Stop() = %v, want %v", got, err)
			}
		})
	}
}

func TestEngineSelectsAVX2WithSSE4Disabled(t *testing.T) {
	e := New(WithFeatures(randomq.Features{SSE4: true, AVX2: true}))
	cfg := testConfig(1)
	cfg.EnableAVX2, cfg.EnableSSE4 = true, false

	if err := e.Initialize(cfg); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if e.Variant() != randomq.AVX2 {
		t.Errorf("Variant() = %v, want avx2", e.Variant())
	}
	if err := e.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestEngineLifecycleOrder(t *testing.T) {
	e := New()
	if e.State() != StateIdle {
		t.Fatalf("State() = %v, want idle", e.State())
	}
	if err := e.Start(context.Background()); err == nil {
		t.Error("Start() before Initialize should fail")
	}
	if err := e.Initialize(testConfig(1)); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := e.Initialize(testConfig(1)); err == nil {
		t.Error("second Initialize() should fail")
	}
	if err := e.Stop(); err != nil {
		t.Errorf("Stop() before Start error = %v", err)
	}
	if e.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", e.State())
	}
}

func TestEngineStopFromReadyIsStable(t *testing.T) {
	e := New()
	if err := e.Initialize(testConfig(1)); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case <-e.Done():
	default:
		t.Error("Done() not closed after Stop from ready")
	}

	first := e.SnapshotStats()
	time.Sleep(20 * time.Millisecond)
	second := e.SnapshotStats()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("SnapshotStats() changed after Stop:\n%+v\n%+v", first, second)
	}

	if err := e.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if err := e.Start(context.Background()); err == nil {
		t.Error("Start() after Stop should fail")
	}
}

func TestEngineDowngradesOnPersistentFailure(t *testing.T) {
	e := New(
		WithBatchSize(PrimitiveFailureThreshold*2),
		WithFeatures(randomq.Features{SSE4: true, AVX2: true}),
		WithHasherFactory(func(v randomq.Variant, optimized bool) Hasher {
			if v == randomq.AVX2 {
				return failingHasher{}
			}
			return randomq.NewHasher(v, optimized)
		}),
	)

	cfg := testConfig(1)
	cfg.EnableAVX2, cfg.EnableSSE4 = true, true
	if err := e.Initialize(cfg); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if e.Variant() != randomq.AVX2 {
		t.Fatalf("Variant() = %v, want avx2", e.Variant())
	}
	if _, err := e.Jobs().Publish(job.Template{
		Header: []byte("downgrade"),
		Target: difficulty.Target{0x00, 0x01},
		Rounds: 16,
	}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "downgrade", func() bool { return e.Variant() == randomq.Baseline })
	waitFor(t, "baseline hashing", func() bool {
		s := e.SnapshotStats()
		return s.Hashes > s.Failures
	})

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v, want nil after a recovered downgrade", err)
	}
	if got := e.SnapshotStats().Failures; got != PrimitiveFailureThreshold {
		t.Errorf("Failures = %d, want %d", got, PrimitiveFailureThreshold)
	}
}

func TestEngineFatalOnPersistentBaselineFailure(t *testing.T) {
	tests := []struct {
		name   string
		panics bool
	}{
		{"errors", false},
		{"panics", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(
				WithBatchSize(PrimitiveFailureThreshold*2),
				WithFeatures(randomq.Features{SSE4: true}),
				WithHasherFactory(func(randomq.Variant, bool) Hasher {
					return failingHasher{panics: tt.panics}
				}),
			)

			cfg := testConfig(1)
			cfg.EnableAVX2 = false
			if err := e.Initialize(cfg); err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}
			if _, err := e.Jobs().Publish(easyTemplate("fatal", 16)); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
			if err := e.Start(context.Background()); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			select {
			case <-e.Done():
			case <-time.After(10 * time.Second):
				t.Fatal("engine did not stop on persistent failure")
			}

			reason := e.StopReason()
			if !errors.IsType(reason, errors.ErrorTypePrimitive) {
				t.Fatalf("StopReason() = %v, want primitive failure", reason)
			}
			if got := e.Stop(); !stderrors.Is(got, reason) {
				t.Errorf("Stop() = %v, want %v", got, reason)
			}
			if e.Variant() != randomq.Baseline {
				t.Errorf("Variant() = %v, want baseline after degrade", e.Variant())
			}
			if got := e.SnapshotStats().Failures; got != 2*PrimitiveFailureThreshold {
				t.Errorf("Failures = %d, want %d", got, 2*PrimitiveFailureThreshold)
			}
		})
	}
}

func TestEngineRefreshOnExhaustion(t *testing.T) {
	e := New(WithBatchSize(4), WithHasherFactory(func(randomq.Variant, bool) Hasher {
		return &gatedHasher{}
	}))
	if err := e.Initialize(testConfig(1)); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := e.Jobs().Publish(job.Template{
		Header:     []byte("tiny"),
		Target:     difficulty.Target{0x00, 0x01},
		Rounds:     1,
		NonceLimit: 10,
	}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Stop()

	select {
	case <-e.RefreshRequests():
	case <-time.After(5 * time.Second):
		t.Fatal("no refresh request after exhausting the nonce space")
	}

	waitFor(t, "all nonces hashed", func() bool { return e.SnapshotStats().Hashes == 10 })
}
