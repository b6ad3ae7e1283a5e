package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	recordUsageSQL = `UPDATE gateway_keys SET
		usage_count = usage_count + $2,
		budget_used = budget_used + $3,
		last_used_at = GREATEST(last_used_at, $4)
		WHERE id = $1`

	claimExportSQL = `INSERT INTO usage_exports (digest, file_name) VALUES ($1, $2)
		ON CONFLICT (digest) DO NOTHING`

	ingestedExportsSQL = `SELECT digest FROM usage_exports WHERE digest = ANY($1)`

	usageBatchSize = 1000
)

// ErrExportIngested is returned by RecordIngest when one of the exports was
// already folded into the counters.
var ErrExportIngested = errors.New("export already ingested")

// UsageDelta is aggregated gateway traffic for one key. A zero LastUsed
// leaves last_used_at untouched.
type UsageDelta struct {
	KeyID    string
	Requests int64
	Spend    decimal.Decimal
	LastUsed time.Time
}

// Export identifies a spend-log export by the digest of its content.
type Export struct {
	Digest string
	Name   string
}

// RecordUsage adds the deltas to the usage counters in a single
// transaction. It returns how many deltas matched an existing key.
func (s *KeyStore) RecordUsage(ctx context.Context, deltas []UsageDelta) (int, error) {
	return s.RecordIngest(ctx, nil, deltas)
}

// RecordIngest claims the exports and adds the deltas derived from them in
// one transaction, so an export is counted at most once. If any export is
// already claimed nothing is written and ErrExportIngested is returned.
func (s *KeyStore) RecordIngest(ctx context.Context, exports []Export, deltas []UsageDelta) (int, error) {
	if len(exports) == 0 && len(deltas) == 0 {
		return 0, nil
	}

	var matched int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, e := range exports {
			tag, err := tx.Exec(ctx, claimExportSQL, e.Digest, e.Name)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return errors.Wrap(ErrExportIngested, e.Name)
			}
		}
		for start := 0; start < len(deltas); start += usageBatchSize {
			n, err := applyUsage(ctx, tx, deltas[start:min(start+usageBatchSize, len(deltas))])
			if err != nil {
				return err
			}
			matched += n
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrExportIngested) {
			return 0, err
		}
		return 0, fmt.Errorf("recording usage: %w", err)
	}
	return matched, nil
}

func applyUsage(ctx context.Context, tx pgx.Tx, deltas []UsageDelta) (int, error) {
	b := &pgx.Batch{}
	for _, d := range deltas {
		var last *time.Time
		if !d.LastUsed.IsZero() {
			t := d.LastUsed.UTC()
			last = &t
		}
		b.Queue(recordUsageSQL, d.KeyID, d.Requests, d.Spend, last)
	}

	var matched int
	br := tx.SendBatch(ctx, b)
	for range deltas {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, err
		}
		if tag.RowsAffected() > 0 {
			matched++
		}
	}
	return matched, br.Close()
}

// IngestedExports returns the subset of digests already claimed.
func (s *KeyStore) IngestedExports(ctx context.Context, digests []string) (map[string]bool, error) {
	done := make(map[string]bool)
	if len(digests) == 0 {
		return done, nil
	}
	rows, err := s.pool.Query(ctx, ingestedExportsSQL, digests)
	if err != nil {
		return nil, fmt.Errorf("querying ingested exports: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("querying ingested exports: %w", err)
	}
	for _, d := range found {
		done[d] = true
	}
	return done, nil
}
