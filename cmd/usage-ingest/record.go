package main

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/gatekeys/internal/jsonx"
	"github.com/xenking/gatekeys/internal/storage/postgres"
)

// record is one line of a gateway spend-log export.
type record struct {
	RequestID string
	KeyID     string
	Spend     decimal.Decimal
	At        time.Time
}

var errSkip = errors.New("record has no request id or key")

// parseRecord decodes a spend-log line. The key is read from key_id or,
// for raw gateway exports, api_key. The timestamp is the end of the request
// when present, otherwise its start.
func parseRecord(line []byte) (record, error) {
	var (
		r          record
		start, end *time.Time
	)
	err := jx.DecodeBytes(line).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "request_id":
			r.RequestID, err = optString(d)
		case "key_id":
			r.KeyID, err = optString(d)
		case "api_key":
			var v string
			if v, err = optString(d); err == nil && r.KeyID == "" {
				r.KeyID = v
			}
		case "spend":
			var n decimal.NullDecimal
			if n, err = jsonx.DecodeDecimal(d); err == nil && n.Valid {
				r.Spend = n.Decimal
			}
		case "startTime", "start_time":
			start, err = jsonx.DecodeTime(d)
		case "endTime", "end_time":
			end, err = jsonx.DecodeTime(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return record{}, errors.Wrap(err, "decode spend record")
	}

	switch {
	case end != nil:
		r.At = end.UTC()
	case start != nil:
		r.At = start.UTC()
	}
	if r.RequestID == "" || r.KeyID == "" {
		return record{}, errSkip
	}
	return r, nil
}

func optString(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

// usage aggregates records per key.
type usage map[string]*postgres.UsageDelta

func (u usage) add(r record) {
	d, ok := u[r.KeyID]
	if !ok {
		d = &postgres.UsageDelta{KeyID: r.KeyID}
		u[r.KeyID] = d
	}
	d.Requests++
	d.Spend = d.Spend.Add(r.Spend)
	if r.At.After(d.LastUsed) {
		d.LastUsed = r.At
	}
}

func (u usage) merge(other usage) {
	for id, o := range other {
		d, ok := u[id]
		if !ok {
			u[id] = o
			continue
		}
		d.Requests += o.Requests
		d.Spend = d.Spend.Add(o.Spend)
		if o.LastUsed.After(d.LastUsed) {
			d.LastUsed = o.LastUsed
		}
	}
}

func (u usage) deltas() []postgres.UsageDelta {
	out := make([]postgres.UsageDelta, 0, len(u))
	for _, d := range u {
		out = append(out, *d)
	}
	return out
}
