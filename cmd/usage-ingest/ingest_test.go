package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/gatekeys/internal/storage/postgres"
)

func TestParseRecord(t *testing.T) {
	r, err := parseRecord([]byte(`{"request_id":"r1","api_key":"hashed","key_id":"k1","spend":0.0125,` +
		`"startTime":"2026-03-01T10:00:00Z","endTime":"2026-03-01T10:00:02Z","model":"gpt","metadata":{"x":[1,2]}}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", r.RequestID)
	assert.Equal(t, "k1", r.KeyID, "key_id wins over api_key")
	assert.True(t, decimal.RequireFromString("0.0125").Equal(r.Spend))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 2, 0, time.UTC), r.At)

	r, err = parseRecord([]byte(`{"request_id":"r2","api_key":"hashed","spend":"1.5","start_time":1767225600}`))
	require.NoError(t, err)
	assert.Equal(t, "hashed", r.KeyID)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), r.At)

	r, err = parseRecord([]byte(`{"request_id":"r3","key_id":"k1","spend":null}`))
	require.NoError(t, err)
	assert.True(t, r.Spend.IsZero())
	assert.True(t, r.At.IsZero())

	_, err = parseRecord([]byte(`{"request_id":"r4"}`))
	assert.ErrorIs(t, err, errSkip)
	_, err = parseRecord([]byte(`{"request_id":`))
	assert.Error(t, err)

	_, err = parseRecord([]byte(`{"request_id":42,"key_id":"k1"}`))
	assert.ErrorContains(t, err, "request_id")
}

func TestUsage_AddMerge(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	a := usage{}
	a.add(record{RequestID: "1", KeyID: "k1", Spend: decimal.RequireFromString("0.10"), At: t2})
	a.add(record{RequestID: "2", KeyID: "k1", Spend: decimal.RequireFromString("0.05"), At: t1})

	b := usage{}
	b.add(record{RequestID: "3", KeyID: "k1", Spend: decimal.RequireFromString("1"), At: t1})
	b.add(record{RequestID: "4", KeyID: "k2", Spend: decimal.Zero})

	a.merge(b)
	require.Len(t, a, 2)
	assert.Equal(t, int64(3), a["k1"].Requests)
	assert.True(t, decimal.RequireFromString("1.15").Equal(a["k1"].Spend))
	assert.Equal(t, t2, a["k1"].LastUsed)
	assert.Equal(t, int64(1), a["k2"].Requests)
	assert.True(t, a["k2"].LastUsed.IsZero())
}

func writeGz(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func TestScanFiles_DedupAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeGz(t, dir, "a.gz",
			`{"request_id":"r1","key_id":"k1","spend":"0.5"}`,
			`{"request_id":"r2","key_id":"k1","spend":"0.25"}`,
			``,
			`not json`,
		),
		writeGz(t, dir, "b.gz",
			`{"request_id":"r2","key_id":"k1","spend":"0.25"}`,
			`{"request_id":"r3","key_id":"k2","spend":"2"}`,
			`{"key_id":"k2","spend":"9"}`,
		),
	}

	total, err := scanFiles(context.Background(), files, newDedup(1000), 2)
	require.NoError(t, err)
	require.Len(t, total, 2)
	assert.Equal(t, int64(2), total["k1"].Requests)
	assert.True(t, decimal.RequireFromString("0.75").Equal(total["k1"].Spend))
	assert.Equal(t, int64(1), total["k2"].Requests)
	assert.True(t, decimal.RequireFromString("2").Equal(total["k2"].Spend))
}

func TestScanFiles_MissingFile(t *testing.T) {
	_, err := scanFiles(context.Background(), []string{filepath.Join(t.TempDir(), "nope.gz")}, newDedup(10), 1)
	assert.Error(t, err)
}

type mockRecorder struct {
	ingested map[string]bool
	exports  []postgres.Export
	deltas   []postgres.UsageDelta
	known    map[string]bool
	err      error
}

func (m *mockRecorder) IngestedExports(_ context.Context, digests []string) (map[string]bool, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := map[string]bool{}
	for _, d := range digests {
		if m.ingested[d] {
			out[d] = true
		}
	}
	return out, nil
}

func (m *mockRecorder) RecordIngest(_ context.Context, exports []postgres.Export, deltas []postgres.UsageDelta) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.exports = append(m.exports, exports...)
	m.deltas = append(m.deltas, deltas...)
	var n int
	for _, d := range deltas {
		if m.known[d.KeyID] {
			n++
		}
	}
	return n, nil
}

func TestDigestFiles(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeGz(t, dir, "a.gz", `{"request_id":"r1","key_id":"k1"}`),
		writeGz(t, dir, "b.gz", `{"request_id":"r2","key_id":"k1"}`),
	}
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	copied := filepath.Join(dir, "a-copy.gz")
	require.NoError(t, os.WriteFile(copied, data, 0o600))
	files = append(files, copied)

	exports, err := digestFiles(context.Background(), files, 2)
	require.NoError(t, err)
	require.Len(t, exports, 3)
	assert.Equal(t, "a.gz", exports[0].Name)
	assert.Len(t, exports[0].Digest, 64)
	assert.NotEqual(t, exports[0].Digest, exports[1].Digest)
	assert.Equal(t, exports[0].Digest, exports[2].Digest)

	_, err = digestFiles(context.Background(), []string{filepath.Join(dir, "nope.gz")}, 1)
	assert.Error(t, err)
}

func TestPendingExports(t *testing.T) {
	files := []string{"a.gz", "b.gz", "c.gz", "d.gz"}
	exports := []postgres.Export{
		{Digest: "da", Name: "a.gz"},
		{Digest: "db", Name: "b.gz"},
		{Digest: "dc", Name: "c.gz"},
		{Digest: "da", Name: "d.gz"},
	}
	rec := &mockRecorder{ingested: map[string]bool{"db": true}}

	keepFiles, keepExports, err := pendingExports(context.Background(), rec, files, exports)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.gz", "c.gz"}, keepFiles)
	assert.Equal(t, []postgres.Export{exports[0], exports[2]}, keepExports)

	rec = &mockRecorder{err: errors.New("connection refused")}
	_, _, err = pendingExports(context.Background(), rec, files, exports)
	assert.ErrorContains(t, err, "connection refused")
}

func TestWriteUsage(t *testing.T) {
	deltas := []postgres.UsageDelta{
		{KeyID: "k2", Requests: 1},
		{KeyID: "k1", Requests: 3},
		{KeyID: "gone", Requests: 1},
	}
	exports := []postgres.Export{{Digest: "da", Name: "a.gz"}}

	rec := &mockRecorder{known: map[string]bool{"k1": true, "k2": true}}
	require.NoError(t, writeUsage(context.Background(), rec, exports, deltas))
	assert.Equal(t, exports, rec.exports)
	require.Len(t, rec.deltas, 3)
	assert.Equal(t, "gone", rec.deltas[0].KeyID)
	assert.Equal(t, "k1", rec.deltas[1].KeyID)

	rec = &mockRecorder{err: postgres.ErrExportIngested}
	err := writeUsage(context.Background(), rec, exports, deltas)
	assert.ErrorIs(t, err, postgres.ErrExportIngested)
}
