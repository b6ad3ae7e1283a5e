// Command usage-ingest folds gateway spend-log exports into the usage
// counters of the local key store.
//
// Every *.gz file in the data directory is read as gzip-compressed JSON
// lines. Files are scanned concurrently; records are de-duplicated by
// request id across all files with a shared bloom filter. Each export is
// identified by the SHA-256 of its content and recorded together with the
// usage it produced, so re-running over the same exports skips them.
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/gatekeys/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
	maxLineSize   = 1 << 20
)

func main() {
	var (
		dataDir     string
		databaseURL string
		expected    uint
		workers     int
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing gzipped spend-log exports")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&expected, "expected-requests", 10_000_000, "expected number of distinct requests, sizes the dedup filter")
	flag.IntVar(&workers, "workers", 4, "files scanned concurrently")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, expected, workers); err != nil {
		slog.Error("usage ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("usage ingest completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL string, expected uint, workers int) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.gz"))
	if err != nil {
		return errors.Wrap(err, "list data files")
	}
	if len(files) == 0 {
		slog.Info("no spend logs found", slog.String("dir", dataDir))
		return nil
	}
	sort.Strings(files)

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()
	store := postgres.NewKeyStore(pool, nil)

	exports, err := digestFiles(ctx, files, workers)
	if err != nil {
		return errors.Wrap(err, "digest spend logs")
	}
	files, exports, err = pendingExports(ctx, store, files, exports)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		slog.Info("all spend logs already ingested")
		return nil
	}

	slog.Info("scanning spend logs", slog.Int("files", len(files)))
	total, err := scanFiles(ctx, files, newDedup(expected), workers)
	if err != nil {
		return errors.Wrap(err, "scan spend logs")
	}

	return writeUsage(ctx, store, exports, total.deltas())
}

// digestFiles returns the content digest of every file, in order.
func digestFiles(ctx context.Context, files []string, workers int) ([]postgres.Export, error) {
	out := make([]postgres.Export, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return errors.Wrapf(err, "open %s", path)
			}
			defer func() { _ = f.Close() }()

			h := sha256.New()
			if _, err := io.Copy(h, f); err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			out[i] = postgres.Export{Digest: hex.EncodeToString(h.Sum(nil)), Name: filepath.Base(path)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// pendingExports drops files whose export was ingested by an earlier run,
// and files repeating the content of another file in this run.
func pendingExports(ctx context.Context, store usageRecorder, files []string, exports []postgres.Export) ([]string, []postgres.Export, error) {
	digests := make([]string, len(exports))
	for i, e := range exports {
		digests[i] = e.Digest
	}
	done, err := store.IngestedExports(ctx, digests)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load ingested exports")
	}

	var (
		keepFiles   []string
		keepExports []postgres.Export
	)
	for i, e := range exports {
		if done[e.Digest] {
			slog.Info("skipping ingested export", slog.String("file", e.Name))
			continue
		}
		done[e.Digest] = true
		keepFiles = append(keepFiles, files[i])
		keepExports = append(keepExports, e)
	}
	return keepFiles, keepExports, nil
}

// dedup remembers request ids across files. The filter is not safe for
// concurrent use on its own.
type dedup struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

func newDedup(expected uint) *dedup {
	return &dedup{filter: bloom.NewWithEstimates(max(expected, 1), bloomFPR)}
}

// first reports whether id has not been seen before. A false positive
// drops a genuinely new record with probability bloomFPR.
func (d *dedup) first(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.filter.TestAndAddString(id)
}

// scanFiles aggregates every file concurrently and merges the results.
func scanFiles(ctx context.Context, files []string, seen *dedup, workers int) (usage, error) {
	results := make([]usage, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, f := range files {
		g.Go(func() error {
			u, err := scanFile(ctx, i, f, seen)
			if err != nil {
				return err
			}
			results[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := usage{}
	for _, u := range results {
		total.merge(u)
	}
	return total, nil
}

func scanFile(ctx context.Context, idx int, path string, seen *dedup) (usage, error) {
	u := usage{}
	var lines, dups, skipped uint64

	err := streamGzFile(ctx, path, func(line []byte) {
		lines++
		if lines%progressEvery == 0 {
			slog.Info("scan progress", slog.Int("file", idx+1), slog.Uint64("lines", lines))
		}
		if len(line) == 0 {
			return
		}
		r, err := parseRecord(line)
		if err != nil {
			skipped++
			return
		}
		if !seen.first(r.RequestID) {
			dups++
			return
		}
		u.add(r)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan file %d", idx+1)
	}

	slog.Info("scan complete",
		slog.String("file", filepath.Base(path)),
		slog.Uint64("lines", lines),
		slog.Uint64("duplicates", dups),
		slog.Uint64("skipped", skipped),
		slog.Int("keys", len(u)),
	)
	return u, nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each line. The
// slice passed to fn is only valid until fn returns.
func streamGzFile(ctx context.Context, path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(scanner.Bytes())
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

type usageRecorder interface {
	IngestedExports(ctx context.Context, digests []string) (map[string]bool, error)
	RecordIngest(ctx context.Context, exports []postgres.Export, deltas []postgres.UsageDelta) (int, error)
}

// writeUsage records deltas and claims exports in one call. Deltas for
// unknown keys are counted and otherwise ignored.
func writeUsage(ctx context.Context, store usageRecorder, exports []postgres.Export, deltas []postgres.UsageDelta) error {
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].KeyID < deltas[j].KeyID })
	slog.Info("recording usage", slog.Int("keys", len(deltas)), slog.Int("exports", len(exports)))

	matched, err := store.RecordIngest(ctx, exports, deltas)
	if err != nil {
		return errors.Wrap(err, "record usage")
	}

	if unknown := len(deltas) - matched; unknown > 0 {
		slog.Warn("usage for unknown keys ignored", slog.Int("keys", unknown))
	}
	return nil
}
