package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"proxy-pool/pkg/models"

	"github.com/uptrace/bun"
)

// deleteChunkSize bounds the IN (...) placeholder count per statement.
const deleteChunkSize = 500

var (
	upsertMutex sync.Mutex
	removeMutex sync.Mutex
)

// UpsertProxy records one test outcome for address. A success resets
// the failure counter and keeps the best latency seen since the last
// failure; a failure increments the counter and clears the latency.
// Calls for the same address are serialized so causally later outcomes
// are never overwritten by earlier ones.
func (db *DB) UpsertProxy(ctx context.Context, address string, outcome models.Outcome) error {
	upsertMutex.Lock()
	defer upsertMutex.Unlock()

	var existing models.Proxy
	err := db.NewSelect().
		Model(&existing).
		Where("address = ?", address).
		Scan(ctx)

	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("error reading proxy %s: %v", address, err)
	}

	now := time.Now().UTC()
	row := models.Proxy{
		Address:     address,
		Working:     outcome.Working,
		BestLatency: outcome.LatencySeconds(),
		Protocol:    outcome.Protocol,
		LastTested:  &now,
	}

	if outcome.Working {
		// Only min against the previous best while the success run is
		// unbroken; a failure in between resets the baseline.
		if found && existing.Working && existing.BestLatency != nil &&
			row.BestLatency != nil && *existing.BestLatency < *row.BestLatency {
			row.BestLatency = existing.BestLatency
		}
	} else if found {
		row.FailedCount = existing.FailedCount + 1
	} else {
		row.FailedCount = 1
	}

	_, err = db.NewInsert().
		Model(&row).
		On("CONFLICT (address) DO UPDATE").
		Set("working = EXCLUDED.working").
		Set("best_latency = EXCLUDED.best_latency").
		Set("protocol = COALESCE(NULLIF(EXCLUDED.protocol, ''), protocol)").
		Set("failed_count = EXCLUDED.failed_count").
		Set("last_tested = EXCLUDED.last_tested").
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error upserting proxy %s: %v", address, err)
	}

	return nil
}

// WorkingProxies returns working addresses ordered by best latency
// ascending, addresses without a recorded latency last. limit <= 0
// returns the whole working set.
func (db *DB) WorkingProxies(ctx context.Context, limit int) ([]string, error) {
	var addrs []string
	q := db.NewSelect().
		Model((*models.Proxy)(nil)).
		Column("address").
		Where("working = ?", true).
		OrderExpr("CASE WHEN best_latency IS NOT NULL THEN 0 ELSE 1 END").
		OrderExpr("best_latency ASC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx, &addrs); err != nil {
		return nil, fmt.Errorf("error getting working proxies: %v", err)
	}

	return addrs, nil
}

// ProxiesToValidate returns records due for testing: non-working,
// never tested, or not tested within staleness. Never-tested and
// low-failure records sort first so new candidates are probed before
// long-failing ones.
func (db *DB) ProxiesToValidate(ctx context.Context, staleness time.Duration, limit int) ([]models.Proxy, error) {
	var proxies []models.Proxy
	q := db.NewSelect().
		Model(&proxies).
		Where("working = ? OR last_tested IS NULL OR last_tested < ?",
			false, time.Now().UTC().Add(-staleness)).
		OrderExpr("working ASC").
		OrderExpr("failed_count ASC").
		OrderExpr("last_tested ASC NULLS FIRST")

	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("error getting proxies to validate: %v", err)
	}

	return proxies, nil
}

// CleanupFailed deletes every record whose consecutive failure count
// reached maxFailures.
func (db *DB) CleanupFailed(ctx context.Context, maxFailures int) error {
	_, err := db.NewDelete().
		Model((*models.Proxy)(nil)).
		Where("failed_count >= ?", maxFailures).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error cleaning up failed proxies: %v", err)
	}

	return nil
}

// RemoveMissing deletes non-working records that no longer appear in
// the upstream list. Working records always survive, whether or not
// they are still listed upstream.
func (db *DB) RemoveMissing(ctx context.Context, current []string) error {
	removeMutex.Lock()
	defer removeMutex.Unlock()

	var stale []string
	err := db.NewSelect().
		Model((*models.Proxy)(nil)).
		Column("address").
		Where("working = ?", false).
		Scan(ctx, &stale)

	if err != nil {
		return fmt.Errorf("error listing non-working proxies: %v", err)
	}

	keep := make(map[string]struct{}, len(current))
	for _, addr := range current {
		keep[addr] = struct{}{}
	}

	var doomed []string
	for _, addr := range stale {
		if _, ok := keep[addr]; !ok {
			doomed = append(doomed, addr)
		}
	}

	for start := 0; start < len(doomed); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(doomed) {
			end = len(doomed)
		}

		_, err := db.NewDelete().
			Model((*models.Proxy)(nil)).
			Where("address IN (?)", bun.In(doomed[start:end])).
			Where("working = ?", false).
			Exec(ctx)

		if err != nil {
			return fmt.Errorf("error removing missing proxies: %v", err)
		}
	}

	return nil
}

type Stats struct {
	Total   int `bun:"total"`
	Working int `bun:"working"`
	Failed  int `bun:"failed"`
}

// GetStats returns pool counts.
func (db *DB) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := db.NewSelect().
		Model((*models.Proxy)(nil)).
		ColumnExpr("count(*) AS total").
		ColumnExpr("coalesce(sum(working), 0) AS working").
		ColumnExpr("count(*) - coalesce(sum(working), 0) AS failed").
		Scan(ctx, &stats)

	if err != nil {
		return Stats{}, fmt.Errorf("error getting stats: %v", err)
	}

	return stats, nil
}

// RandomWorking returns one working address, biased toward fast ones:
// 70% of picks come from the fastest 70% of the pool by latency.
// Returns sql.ErrNoRows when the pool is empty.
func (db *DB) RandomWorking(ctx context.Context) (string, error) {
	addrs, err := db.WorkingProxies(ctx, 0)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", sql.ErrNoRows
	}

	return pickBiased(addrs), nil
}

// pickBiased assumes addrs is sorted fastest first.
func pickBiased(addrs []string) string {
	if rand.Float64() < 0.7 && len(addrs) > 1 {
		fastest := int(float64(len(addrs)) * 0.7)
		if fastest < 1 {
			fastest = 1
		}
		return addrs[rand.Intn(fastest)]
	}
	return addrs[rand.Intn(len(addrs))]
}
