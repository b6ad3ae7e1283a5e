package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/gatekeys/internal/domain/keys"
	"github.com/xenking/gatekeys/internal/jsonx"
)

const maxBodySize = 1 << 20

var errBadBody = errors.New("invalid request body")

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	fn(e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeErrorBody(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}

func encodeUnix(e *jx.Encoder, t *time.Time) {
	if t == nil || t.IsZero() {
		e.Null()
		return
	}
	e.Int64(t.Unix())
}

func encodeKey(e *jx.Encoder, k keys.Key) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(k.ID) })
		e.Field("user_id", func(e *jx.Encoder) { e.Str(k.OwnerID) })
		e.Field("key_name", func(e *jx.Encoder) { e.Str(k.Name) })
		e.Field("api_key", func(e *jx.Encoder) { e.Str(k.Secret) })
		e.Field("key_type", func(e *jx.Encoder) { e.Str(k.Kind) })
		e.Field("group_ids", func(e *jx.Encoder) {
			if k.Groups == nil {
				k.Groups = []string{}
			}
			jsonx.EncodeAny(e, k.Groups)
		})
		e.Field("is_active", func(e *jx.Encoder) { e.Bool(k.Active) })
		e.Field("description", func(e *jx.Encoder) { e.Str(k.Description) })
		e.Field("metadata", func(e *jx.Encoder) { jsonx.EncodeObject(e, k.Metadata) })
		e.Field("created_at", func(e *jx.Encoder) { encodeUnix(e, &k.CreatedAt) })
		e.Field("updated_at", func(e *jx.Encoder) { encodeUnix(e, &k.UpdatedAt) })
		e.Field("last_used_at", func(e *jx.Encoder) { encodeUnix(e, k.LastUsedAt) })
		e.Field("is_shared", func(e *jx.Encoder) { e.Bool(k.Shared) })
	})
}

func encodeKeyList(e *jx.Encoder, list []keys.Key, total int) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("keys", func(e *jx.Encoder) {
			e.ArrStart()
			for _, k := range list {
				encodeKey(e, k)
			}
			e.ArrEnd()
		})
		e.Field("total", func(e *jx.Encoder) { e.Int(total) })
	})
}

func encodeStatus(e *jx.Encoder, st keys.Status) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(st.ID) })
		e.Field("is_active", func(e *jx.Encoder) { e.Bool(st.Active) })
		if st.Error != "" {
			e.Field("error", func(e *jx.Encoder) { e.Str(st.Error) })
			return
		}
		e.Field("usage_count", func(e *jx.Encoder) { e.Int64(st.UsageCount) })
		e.Field("last_used", func(e *jx.Encoder) { encodeUnix(e, st.LastUsed) })
		e.Field("expires_at", func(e *jx.Encoder) { encodeUnix(e, st.ExpiresAt) })
		e.Field("budget_used", func(e *jx.Encoder) { jsonx.EncodeAny(e, st.BudgetUsed) })
		e.Field("budget_limit", func(e *jx.Encoder) {
			if st.BudgetLimit == nil {
				e.Null()
				return
			}
			jsonx.EncodeAny(e, *st.BudgetLimit)
		})
	})
}

func encodeReport(e *jx.Encoder, r keys.ConnectionReport) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("connected", func(e *jx.Encoder) { e.Bool(r.Connected) })
		e.Field("base_url", func(e *jx.Encoder) { e.Str(r.BaseURL) })
		e.Field("enabled", func(e *jx.Encoder) { e.Bool(r.Enabled) })
		e.Field("master_key_configured", func(e *jx.Encoder) { e.Bool(r.MasterKeyConfigured) })
	})
}

func readBody(r *http.Request) (*jx.Decoder, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, errors.Wrap(errBadBody, err.Error())
	}
	d := jx.DecodeBytes(data)
	if d.Next() != jx.Object {
		return nil, errBadBody
	}
	return d, nil
}

// optStr decodes a string that may be null.
func optStr(d *jx.Decoder) (*string, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeCreateForm(r *http.Request) (keys.CreateForm, error) {
	var form keys.CreateForm
	d, err := readBody(r)
	if err != nil {
		return form, err
	}
	err = d.Obj(func(d *jx.Decoder, key string) error {
		var (
			s   *string
			err error
		)
		switch key {
		case "key_name":
			if s, err = optStr(d); s != nil {
				form.Name = *s
			}
		case "api_key":
			if s, err = optStr(d); s != nil {
				form.Secret = *s
			}
		case "key_type":
			if s, err = optStr(d); s != nil {
				form.Kind = *s
			}
		case "group_ids":
			form.Groups, err = jsonx.DecodeStrings(d)
		case "description":
			if s, err = optStr(d); s != nil {
				form.Description = *s
			}
		case "metadata":
			form.Metadata, err = jsonx.DecodeObject(d)
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		return form, errors.Wrap(errBadBody, err.Error())
	}
	return form, nil
}

// decodeUpdateForm treats null and absent fields alike: both leave the
// stored value untouched.
func decodeUpdateForm(r *http.Request) (keys.UpdateForm, error) {
	var upd keys.UpdateForm
	d, err := readBody(r)
	if err != nil {
		return upd, err
	}
	err = d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "key_name":
			upd.Name, err = optStr(d)
		case "api_key":
			upd.Secret, err = optStr(d)
		case "key_type":
			upd.Kind, err = optStr(d)
		case "group_ids":
			upd.Groups, err = jsonx.DecodeStrings(d)
		case "is_active":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Bool()
			if err != nil {
				return err
			}
			upd.Active = &v
		case "description":
			upd.Description, err = optStr(d)
		case "metadata":
			upd.Metadata, err = jsonx.DecodeObject(d)
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		return upd, errors.Wrap(errBadBody, err.Error())
	}
	return upd, nil
}
