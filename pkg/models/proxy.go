package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Proxy is one row in the pool: a distinct proxy address and the
// outcome of its most recent validation cycle.
type Proxy struct {
	bun.BaseModel `bun:"table:proxies,alias:p"`

	Address     string     `bun:",pk"`
	Working     bool       `bun:",notnull,default:false"`
	BestLatency *float64   `bun:"best_latency"`
	Protocol    string     `bun:"protocol"`
	FailedCount int        `bun:",notnull,default:0"`
	LastTested  *time.Time `bun:"last_tested"`
	CreatedAt   time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
}

// ListVersion records one upstream list token. Tokens are opaque and
// inserted at most once; only the newest matters.
type ListVersion struct {
	bun.BaseModel `bun:"table:list_versions,alias:lv"`

	ID         int64     `bun:",pk,autoincrement"`
	Token      string    `bun:",unique,notnull"`
	RecordedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
