package validator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"proxy-pool/pkg/models"
)

// stubProber scripts outcomes per address and counts probe calls.
type stubProber struct {
	mu    sync.Mutex
	calls int
	probe func(address string, call int) (models.Outcome, error)
}

func (s *stubProber) Probe(ctx context.Context, address string) (models.Outcome, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.probe(address, call)
}

func (s *stubProber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func alwaysFail(address string, call int) (models.Outcome, error) {
	return models.Failure(), nil
}

func TestValidateOneFirstWaveSuccessSkipsSecondWave(t *testing.T) {
	stub := &stubProber{probe: func(address string, call int) (models.Outcome, error) {
		return models.Success(100*time.Millisecond, "http"), nil
	}}
	v := New(stub, Options{Attempts: 10, InterWavePause: time.Second}, discardLogger())

	start := time.Now()
	outcome := v.ValidateOne(context.Background(), "http://1.2.3.4:80", ModeRevalidation)
	elapsed := time.Since(start)

	if !outcome.Working {
		t.Fatal("outcome not working, want working")
	}
	if got := stub.callCount(); got != 5 {
		t.Errorf("probe calls = %d, want 5 (first wave only)", got)
	}
	if elapsed >= time.Second {
		t.Errorf("elapsed = %v, the inter-wave pause should not have run", elapsed)
	}
}

func TestValidateOneExhaustsAllAttempts(t *testing.T) {
	stub := &stubProber{probe: alwaysFail}
	v := New(stub, Options{Attempts: 8, InterWavePause: time.Millisecond}, discardLogger())

	outcome := v.ValidateOne(context.Background(), "http://1.2.3.4:80", ModeInitial)

	if outcome.Working {
		t.Fatal("outcome working, want failure")
	}
	if got := stub.callCount(); got != 8 {
		t.Errorf("probe calls = %d, want 8", got)
	}
}

func TestValidateOneRevalidationPausesBetweenWaves(t *testing.T) {
	const pause = 200 * time.Millisecond

	stub := &stubProber{probe: alwaysFail}
	v := New(stub, Options{Attempts: 8, InterWavePause: pause}, discardLogger())

	start := time.Now()
	v.ValidateOne(context.Background(), "http://1.2.3.4:80", ModeRevalidation)

	if elapsed := time.Since(start); elapsed < pause {
		t.Errorf("elapsed = %v, want at least the %v inter-wave pause", elapsed, pause)
	}
}

func TestValidateOneInitialModeDoesNotPause(t *testing.T) {
	const pause = 500 * time.Millisecond

	stub := &stubProber{probe: alwaysFail}
	v := New(stub, Options{Attempts: 8, InterWavePause: pause}, discardLogger())

	start := time.Now()
	v.ValidateOne(context.Background(), "http://1.2.3.4:80", ModeInitial)

	if elapsed := time.Since(start); elapsed >= pause {
		t.Errorf("elapsed = %v, initial mode must not pause", elapsed)
	}
	if got := stub.callCount(); got != 8 {
		t.Errorf("probe calls = %d, want 8", got)
	}
}

func TestValidateOneReturnsLowestLatencySuccess(t *testing.T) {
	latencies := []time.Duration{
		900 * time.Millisecond,
		300 * time.Millisecond,
		700 * time.Millisecond,
		300 * time.Millisecond,
		500 * time.Millisecond,
	}

	stub := &stubProber{probe: func(address string, call int) (models.Outcome, error) {
		return models.Success(latencies[(call-1)%len(latencies)], "http"), nil
	}}
	v := New(stub, Options{Attempts: 5, InterWavePause: time.Millisecond}, discardLogger())

	outcome := v.ValidateOne(context.Background(), "http://1.2.3.4:80", ModeInitial)

	if !outcome.Working {
		t.Fatal("outcome not working, want working")
	}
	if outcome.Latency != 300*time.Millisecond {
		t.Errorf("latency = %v, want 300ms (minimum among successes)", outcome.Latency)
	}
}

func TestValidateManyReturnsCompleteMap(t *testing.T) {
	stub := &stubProber{probe: func(address string, call int) (models.Outcome, error) {
		if address == "http://good:80" {
			return models.Success(50*time.Millisecond, "http"), nil
		}
		return models.Failure(), nil
	}}
	v := New(stub, Options{Attempts: 5, InterWavePause: time.Millisecond}, discardLogger())

	addresses := []string{"http://good:80", "http://bad:80", "http://worse:80"}
	results := v.ValidateMany(context.Background(), addresses, ModeInitial)

	if len(results) != len(addresses) {
		t.Fatalf("result count = %d, want %d", len(results), len(addresses))
	}
	for _, addr := range addresses {
		if _, ok := results[addr]; !ok {
			t.Errorf("missing outcome for %s", addr)
		}
	}
	if !results["http://good:80"].Working {
		t.Error("good proxy not marked working")
	}
	if results["http://bad:80"].Working || results["http://worse:80"].Working {
		t.Error("failing proxies marked working")
	}
}

func TestValidateManyInfraErrorBecomesFailure(t *testing.T) {
	stub := &stubProber{probe: func(address string, call int) (models.Outcome, error) {
		return models.Outcome{}, context.Canceled
	}}
	v := New(stub, Options{Attempts: 5, InterWavePause: time.Millisecond}, discardLogger())

	results := v.ValidateMany(context.Background(), []string{"http://1.2.3.4:80"}, ModeInitial)

	outcome, ok := results["http://1.2.3.4:80"]
	if !ok {
		t.Fatal("address missing from result map")
	}
	if outcome.Working {
		t.Fatal("infra error produced a working outcome")
	}
}

func TestValidateManyEmptyInput(t *testing.T) {
	v := New(&stubProber{probe: alwaysFail}, Options{Attempts: 5}, discardLogger())

	if results := v.ValidateMany(context.Background(), nil, ModeInitial); len(results) != 0 {
		t.Fatalf("results = %v, want empty", results)
	}
}
