package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/auth-platform/traffic-guard/internal/guard"
)

// Analytics runs read-only aggregation queries over the ledger bucket for
// the admin API. Rollups are computed here, never on the request path.
type Analytics struct {
	query  api.QueryAPI
	bucket string
}

// NewAnalytics creates the analytics reader.
func NewAnalytics(query api.QueryAPI, bucket string) *Analytics {
	return &Analytics{query: query, bucket: bucket}
}

// PathStats aggregates request and denial counts per path over the range.
func (a *Analytics) PathStats(ctx context.Context, since time.Duration) ([]guard.AggregatedStat, error) {
	flux := fmt.Sprintf(`
		from(bucket: %q)
		  |> range(start: -%s)
		  |> filter(fn: (r) => r._measurement == "activity" and r._field == "path")
		  |> group(columns: ["_value", "allowed"])
		  |> count()
	`, a.bucket, fluxDuration(since))

	result, err := a.query.Query(ctx, flux)
	if err != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "path stats query", err)
	}
	defer result.Close()

	byPath := make(map[string]*guard.AggregatedStat)
	var order []string
	for result.Next() {
		rec := result.Record()
		path, _ := rec.ValueByKey("_value").(string)
		count := asInt64(rec.Value())
		stat, ok := byPath[path]
		if !ok {
			stat = &guard.AggregatedStat{Dimension: "path", Key: path, Day: rec.Time()}
			byPath[path] = stat
			order = append(order, path)
		}
		stat.RequestCount += count
		if allowed, _ := rec.ValueByKey("allowed").(string); allowed == "false" {
			stat.DeniedCount += count
		}
	}
	if result.Err() != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "path stats result", result.Err())
	}

	out := make([]guard.AggregatedStat, 0, len(order))
	for _, p := range order {
		out = append(out, *byPath[p])
	}
	return out, nil
}

// TopOffenders returns the identities with the most violations in the range.
func (a *Analytics) TopOffenders(ctx context.Context, since time.Duration, limit int) ([]guard.AggregatedStat, error) {
	if limit <= 0 {
		limit = 20
	}
	flux := fmt.Sprintf(`
		from(bucket: %q)
		  |> range(start: -%s)
		  |> filter(fn: (r) => r._measurement == "rate_limit_violations" and r._field == "identity_key")
		  |> group(columns: ["_value"])
		  |> count()
		  |> sort(columns: ["_value"], desc: true)
		  |> limit(n: %d)
	`, a.bucket, fluxDuration(since), limit)

	result, err := a.query.Query(ctx, flux)
	if err != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "top offenders query", err)
	}
	defer result.Close()

	var out []guard.AggregatedStat
	for result.Next() {
		rec := result.Record()
		identity, _ := rec.ValueByKey("_value").(string)
		out = append(out, guard.AggregatedStat{
			Dimension:   "identity",
			Key:         identity,
			Day:         rec.Time(),
			DeniedCount: asInt64(rec.Value()),
		})
	}
	if result.Err() != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "top offenders result", result.Err())
	}
	return out, nil
}

// ErrorStats aggregates 4xx/5xx responses per status class over the range.
func (a *Analytics) ErrorStats(ctx context.Context, since time.Duration) ([]guard.AggregatedStat, error) {
	flux := fmt.Sprintf(`
		from(bucket: %q)
		  |> range(start: -%s)
		  |> filter(fn: (r) => r._measurement == "activity" and r._field == "status_code")
		  |> filter(fn: (r) => r._value >= 400)
		  |> map(fn: (r) => ({r with error_class: if r._value >= 500 then "5xx" else "4xx"}))
		  |> group(columns: ["error_class"])
		  |> count()
	`, a.bucket, fluxDuration(since))

	result, err := a.query.Query(ctx, flux)
	if err != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "error stats query", err)
	}
	defer result.Close()

	var out []guard.AggregatedStat
	for result.Next() {
		rec := result.Record()
		class, _ := rec.ValueByKey("error_class").(string)
		out = append(out, guard.AggregatedStat{
			Dimension:  "error_class",
			Key:        class,
			Day:        rec.Time(),
			ErrorCount: asInt64(rec.Value()),
		})
	}
	if result.Err() != nil {
		return nil, guard.WrapError(guard.ErrStoreUnavailable, "error stats result", result.Err())
	}
	return out, nil
}

func fluxDuration(d time.Duration) string {
	if d <= 0 {
		d = 24 * time.Hour
	}
	return fmt.Sprintf("%ds", int64(d.Seconds()))
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
