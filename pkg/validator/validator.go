// Package validator turns single probes into multi-attempt, batched
// validation decisions.
package validator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"proxy-pool/pkg/models"

	"github.com/google/uuid"
)

// firstWaveSize caps the concurrent attempts of the first wave.
const firstWaveSize = 5

// Mode selects the pacing policy for a validation pass.
type Mode int

const (
	// ModeInitial tests new or failed addresses with no pacing.
	ModeInitial Mode = iota
	// ModeRevalidation re-tests addresses already believed working and
	// pauses between attempt waves to avoid tripping upstream rate
	// limits.
	ModeRevalidation
)

// Prober runs one test request through one proxy.
type Prober interface {
	Probe(ctx context.Context, address string) (models.Outcome, error)
}

// Options contains the configuration for a Validator.
type Options struct {
	// Attempts is the total number of probes per address across both
	// waves.
	Attempts int
	// InterWavePause is the delay before the second wave in
	// revalidation mode.
	InterWavePause time.Duration
}

type Validator struct {
	prober Prober
	opts   Options
	logger *slog.Logger
}

func New(prober Prober, opts Options, logger *slog.Logger) *Validator {
	if opts.Attempts <= 0 {
		opts.Attempts = firstWaveSize
	}
	if opts.InterWavePause <= 0 {
		opts.InterWavePause = time.Second
	}
	return &Validator{
		prober: prober,
		opts:   opts,
		logger: logger,
	}
}

// ValidateOne tests one address with up to Attempts probes, run in two
// waves. The address is working iff at least one attempt succeeded;
// latency is the minimum among successes. The second wave only runs
// when the first produced no success.
func (v *Validator) ValidateOne(ctx context.Context, address string, mode Mode) models.Outcome {
	first := v.opts.Attempts
	if first > firstWaveSize {
		first = firstWaveSize
	}

	if best := v.runWave(ctx, address, first); best.Working {
		return best
	}

	remaining := v.opts.Attempts - first
	if remaining <= 0 {
		return models.Failure()
	}

	if mode == ModeRevalidation {
		select {
		case <-time.After(v.opts.InterWavePause):
		case <-ctx.Done():
			return models.Failure()
		}
	}

	return v.runWave(ctx, address, remaining)
}

// runWave launches n concurrent probes and waits for all of them,
// returning the lowest-latency success or a negative outcome.
func (v *Validator) runWave(ctx context.Context, address string, n int) models.Outcome {
	results := make(chan models.Outcome, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := v.prober.Probe(ctx, address)
			if err != nil {
				v.logger.Debug("Probe did not run", "address", address, "error", err)
				outcome = models.Failure()
			}
			results <- outcome
		}()
	}
	wg.Wait()
	close(results)

	best := models.Failure()
	for outcome := range results {
		if outcome.Working && (!best.Working || outcome.Latency < best.Latency) {
			best = outcome
		}
	}
	return best
}

// ValidateMany runs ValidateOne concurrently for every address and
// returns a complete outcome map: an address whose validation could
// not run maps to a negative outcome, never to a missing key. Fan-out
// here is unbounded; the prober's global limiter bounds the sockets.
func (v *Validator) ValidateMany(ctx context.Context, addresses []string, mode Mode) map[string]models.Outcome {
	results := make(map[string]models.Outcome, len(addresses))
	if len(addresses) == 0 {
		return results
	}

	batchID := uuid.New().String()
	v.logger.Info("Validating batch",
		"batch", batchID,
		"count", len(addresses),
		"revalidation", mode == ModeRevalidation)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, address := range addresses {
		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			outcome := v.ValidateOne(ctx, address, mode)
			mu.Lock()
			results[address] = outcome
			mu.Unlock()
		}(address)
	}
	wg.Wait()

	working := 0
	for _, outcome := range results {
		if outcome.Working {
			working++
		}
	}
	v.logger.Info("Batch complete",
		"batch", batchID,
		"working", working,
		"total", len(addresses))

	return results
}
