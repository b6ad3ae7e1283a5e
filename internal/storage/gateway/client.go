// Package gateway talks to the remote model gateway that owns the key
// material when the service runs in proxy mode.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/gatekeys/internal/domain/keys"
	"github.com/xenking/gatekeys/internal/jsonx"
)

const (
	instrumentationName = "github.com/xenking/gatekeys/internal/storage/gateway"

	// DefaultTimeout bounds every remote call.
	DefaultTimeout = 30 * time.Second

	createdBy = "gatekeys"
)

// Config describes how to reach the gateway.
type Config struct {
	Enabled   bool
	BaseURL   string
	MasterKey string
	Timeout   time.Duration
}

// RemoteError is a non-success answer from the gateway.
type RemoteError struct {
	Status int
	Detail string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway: %d: %s", e.Status, e.Detail)
}

// Is makes errors.Is(err, keys.ErrRemoteUnavailable) hold.
func (e *RemoteError) Is(target error) bool {
	return target == keys.ErrRemoteUnavailable
}

// Client is a thin JSON client for the gateway key management API. All calls
// authenticate with the master key.
type Client struct {
	cfg      Config
	http     *http.Client
	tracer   trace.Tracer
	failures metric.Int64Counter
}

// NewClient creates a Client. The providers are used both for the outgoing
// transport instrumentation and for the per-call spans.
func NewClient(cfg Config, tp trace.TracerProvider, mp metric.MeterProvider) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	failures, err := mp.Meter(instrumentationName).Int64Counter("gateway.client.failures",
		metric.WithDescription("Failed calls to the key gateway"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create failures counter")
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithTracerProvider(tp),
				otelhttp.WithMeterProvider(mp),
			),
		},
		tracer:   tp.Tracer(instrumentationName),
		failures: failures,
	}, nil
}

// BaseURL returns the configured gateway address.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

func (c *Client) usable() error {
	switch {
	case !c.cfg.Enabled:
		return errors.Wrap(keys.ErrRemoteUnavailable, "gateway integration is disabled")
	case c.cfg.MasterKey == "":
		return errors.Wrap(keys.ErrRemoteUnavailable, "gateway master key is not configured")
	default:
		return nil
	}
}

// do performs one call and hands the successful response body to decode.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, decode func(d *jx.Decoder) error) (rerr error) {
	if err := c.usable(); err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "gateway."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
			c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.MasterKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(fmt.Errorf("%w: %w", keys.ErrRemoteUnavailable, err), op)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errors.Wrap(fmt.Errorf("%w: %w", keys.ErrRemoteUnavailable, err), "read response")
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		return &RemoteError{Status: resp.StatusCode, Detail: errorDetail(resp.StatusCode, data)}
	}
	if decode == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := decode(jx.DecodeBytes(data)); err != nil {
		return errors.Wrap(fmt.Errorf("%w: %w", keys.ErrRemoteUnavailable, err), "decode response")
	}
	return nil
}

// errorDetail extracts the "detail" message of an error body.
func errorDetail(status int, body []byte) string {
	detail := ""
	d := jx.DecodeBytes(body)
	if d.Next() == jx.Object {
		_ = d.Obj(func(d *jx.Decoder, key string) error {
			if key == "detail" && d.Next() == jx.String {
				s, err := d.Str()
				detail = s
				return err
			}
			return d.Skip()
		})
	}
	if detail == "" {
		detail = fmt.Sprintf("HTTP %d", status)
	}
	return detail
}

// ListKeys fetches the whole key collection.
func (c *Client) ListKeys(ctx context.Context) ([]keys.Key, error) {
	var out []keys.Key
	err := c.do(ctx, "list_keys", http.MethodGet, "/key/info", nil, func(d *jx.Decoder) error {
		return d.Obj(func(d *jx.Decoder, key string) error {
			if key != "data" || d.Next() == jx.Null {
				return d.Skip()
			}
			return d.Arr(func(d *jx.Decoder) error {
				k, err := decodeKey(d)
				if err != nil {
					return err
				}
				out = append(out, k)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateRequest is the body of a key generation call.
type GenerateRequest struct {
	OwnerID   string
	Name      string
	Groups    []string
	CreatedAt time.Time
}

// Generated is the gateway's answer to a generation call.
type Generated struct {
	ID     string
	Secret string
}

// Generate asks the gateway to mint a new key. The returned secret is raw.
func (c *Client) Generate(ctx context.Context, r GenerateRequest) (*Generated, error) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("user_id", func(e *jx.Encoder) { e.Str(r.OwnerID) })
		e.Field("key_name", func(e *jx.Encoder) { e.Str(r.Name) })
		e.Field("groups", func(e *jx.Encoder) { jsonx.EncodeAny(e, nonNil(r.Groups)) })
		e.Field("duration", func(e *jx.Encoder) { e.Null() })
		e.Field("models", func(e *jx.Encoder) {
			e.ArrStart()
			e.ArrEnd()
		})
		e.Field("max_budget", func(e *jx.Encoder) { e.Null() })
		e.Field("metadata", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("created_by", func(e *jx.Encoder) { e.Str(createdBy) })
				e.Field("created_at", func(e *jx.Encoder) { e.Str(r.CreatedAt.UTC().Format(time.RFC3339)) })
			})
		})
	})

	var g Generated
	err := c.do(ctx, "generate", http.MethodPost, "/key/generate", e.Bytes(), func(d *jx.Decoder) error {
		return d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "key_id", "token_id":
				if g.ID == "" {
					g.ID, err = optString(d)
					return err
				}
			case "key":
				g.Secret, err = optString(d)
				return err
			}
			return d.Skip()
		})
	})
	if err != nil {
		return nil, err
	}
	if g.ID == "" || g.Secret == "" {
		return nil, errors.Wrap(keys.ErrRemoteUnavailable, "gateway did not return a key")
	}
	return &g, nil
}

// Update sends the full new state of a key.
func (c *Client) Update(ctx context.Context, k keys.Key) error {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("key_id", func(e *jx.Encoder) { e.Str(k.ID) })
		e.Field("user_id", func(e *jx.Encoder) { e.Str(k.OwnerID) })
		e.Field("key_name", func(e *jx.Encoder) { e.Str(k.Name) })
		e.Field("key_type", func(e *jx.Encoder) { e.Str(k.Kind) })
		e.Field("groups", func(e *jx.Encoder) { jsonx.EncodeAny(e, nonNil(k.Groups)) })
		e.Field("is_active", func(e *jx.Encoder) { e.Bool(k.Active) })
		e.Field("description", func(e *jx.Encoder) { e.Str(k.Description) })
		if k.Metadata != nil {
			e.Field("metadata", func(e *jx.Encoder) { jsonx.EncodeObject(e, k.Metadata) })
		}
	})
	return c.do(ctx, "update", http.MethodPut, "/key/update", e.Bytes(), nil)
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, id, ownerID string) error {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("key_id", func(e *jx.Encoder) { e.Str(id) })
		e.Field("user_id", func(e *jx.Encoder) { e.Str(ownerID) })
	})
	return c.do(ctx, "delete", http.MethodDelete, "/key/delete", e.Bytes(), nil)
}

// Info fetches usage telemetry for one key.
func (c *Client) Info(ctx context.Context, id string) (*keys.Status, error) {
	st := keys.Status{ID: id, Active: true}
	err := c.do(ctx, "info", http.MethodGet, "/key/info/"+url.PathEscape(id), nil, func(d *jx.Decoder) error {
		return d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "is_active":
				if d.Next() == jx.Bool {
					st.Active, err = d.Bool()
					return err
				}
			case "usage_count":
				if d.Next() == jx.Number {
					st.UsageCount, err = d.Int64()
					return err
				}
			case "last_used":
				st.LastUsed, err = jsonx.DecodeTime(d)
				return err
			case "expires_at":
				st.ExpiresAt, err = jsonx.DecodeTime(d)
				return err
			case "budget_used":
				v, err := jsonx.DecodeDecimal(d)
				if err != nil {
					return err
				}
				st.BudgetUsed = v.Decimal
				return nil
			case "budget_limit":
				v, err := jsonx.DecodeDecimal(d)
				if err != nil {
					return err
				}
				if v.Valid {
					st.BudgetLimit = &v.Decimal
				}
				return nil
			}
			return d.Skip()
		})
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Health checks that the gateway answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health", nil, nil)
}

// Probe reports reachability. It never fails.
func (c *Client) Probe(ctx context.Context) keys.ConnectionReport {
	return keys.ConnectionReport{
		Connected:           c.Health(ctx) == nil,
		BaseURL:             c.cfg.BaseURL,
		Enabled:             c.cfg.Enabled,
		MasterKeyConfigured: c.cfg.MasterKey != "",
	}
}

// decodeKey reads one record of the key collection. Unknown fields are
// skipped and missing ones keep their zero value, except is_active which
// defaults to true. The secret is masked as soon as it is read.
func decodeKey(d *jx.Decoder) (keys.Key, error) {
	k := keys.Key{Active: true}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id", "key_id", "token":
			var s string
			if s, err = optString(d); k.ID == "" {
				k.ID = s
			}
		case "user_id":
			k.OwnerID, err = optString(d)
		case "key_name", "key_alias":
			var s string
			if s, err = optString(d); k.Name == "" {
				k.Name = s
			}
		case "api_key":
			var s string
			if s, err = optString(d); err == nil {
				k.Secret = keys.Mask(s)
			}
		case "key_type":
			k.Kind, err = optString(d)
		case "groups":
			k.Groups, err = jsonx.DecodeStrings(d)
		case "is_active":
			if d.Next() == jx.Bool {
				k.Active, err = d.Bool()
			} else {
				err = d.Skip()
			}
		case "description":
			k.Description, err = optString(d)
		case "metadata":
			k.Metadata, err = jsonx.DecodeObject(d)
		case "created_at":
			var t *time.Time
			if t, err = jsonx.DecodeTime(d); t != nil {
				k.CreatedAt = *t
			}
		case "updated_at":
			var t *time.Time
			if t, err = jsonx.DecodeTime(d); t != nil {
				k.UpdatedAt = *t
			}
		case "last_used_at", "last_used":
			k.LastUsedAt, err = jsonx.DecodeTime(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "key field %q", key)
		}
		return nil
	})
	if k.Kind == "" {
		k.Kind = keys.DefaultKind
	}
	return k, err
}

func optString(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.Null:
		return "", d.Null()
	case jx.String:
		return d.Str()
	default:
		return "", d.Skip()
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
