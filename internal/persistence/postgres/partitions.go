package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ddlExecer is the subset of pgx needed to run partition DDL.
type ddlExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// partitioner creates daily range partitions on demand and remembers which
// ones it has already ensured, so the DDL runs at most once per partition
// per process. The DDL itself is idempotent; a restart just re-runs it.
type partitioner struct {
	ensured sync.Map // "<table>_<YYYY_MM_DD>" -> struct{}
}

func newPartitioner() *partitioner {
	return &partitioner{}
}

// partitionTables is the closed set of partitioned parents; partition names
// are interpolated into DDL, so only these identifiers are accepted.
var partitionTables = map[string]struct{}{
	"level_one_quotes": {},
	"level_two_quotes": {},
	"charts":           {},
}

// partitionName returns "<table>_YYYY_MM_DD" for the UTC day holding ts.
func partitionName(table string, ts time.Time) string {
	day := ts.UTC()
	return fmt.Sprintf("%s_%04d_%02d_%02d", table, day.Year(), day.Month(), day.Day())
}

// EnsureDaily guarantees the daily partition covering ts and the table's
// default partition both exist.
func (p *partitioner) EnsureDaily(ctx context.Context, exec ddlExecer, table string, ts time.Time) error {
	if _, ok := partitionTables[table]; !ok {
		return fmt.Errorf("partitioner: unknown table %q", table)
	}
	name := partitionName(table, ts)
	if _, seen := p.ensured.Load(name); seen {
		return nil
	}

	dayStart := ts.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	// The default partition catches rows that race partition creation.
	defaultDDL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s_default PARTITION OF %s DEFAULT;`,
		table, table,
	)
	if _, err := exec.Exec(ctx, defaultDDL); err != nil {
		return fmt.Errorf("partitioner: ensure %s_default: %w", table, err)
	}

	dailyDDL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s');`,
		name, table,
		dayStart.Format("2006-01-02 15:04:05+00"),
		dayEnd.Format("2006-01-02 15:04:05+00"),
	)
	if _, err := exec.Exec(ctx, dailyDDL); err != nil {
		return fmt.Errorf("partitioner: ensure %s: %w", name, err)
	}

	p.ensured.Store(name, struct{}{})
	return nil
}

// ensureDays runs EnsureDaily once per distinct UTC day in the batch.
func (p *partitioner) ensureDays(ctx context.Context, exec ddlExecer, table string, stamps []time.Time) error {
	seen := make(map[string]struct{}, 2)
	for _, ts := range stamps {
		name := partitionName(table, ts)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if err := p.EnsureDaily(ctx, exec, table, ts); err != nil {
			return err
		}
	}
	return nil
}
