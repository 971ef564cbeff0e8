package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"

	"thorbis/internal/domain"
)

// groupUnknown buckets entities whose group-by field is absent, so grouped
// counts always sum to the total entity count.
const groupUnknown = "unknown"

// Summarize computes a read-only aggregate over the provided entities. It is
// a pure function: the caller queries the collection, the summary is never
// persisted. Entities missing the sum field or either duration timestamp are
// excluded from that metric only, not from the count. An empty collection
// yields zeros, never NaN.
func (e *Engine) Summarize(entityType string, entities []domain.Entity, groupBy ...string) (domain.Summary, error) {
	r, ok := e.types[entityType]
	if !ok {
		return domain.Summary{}, UnknownTypeError{Type: entityType}
	}
	if len(groupBy) == 0 {
		groupBy = r.summary.GroupBy
	}
	if len(groupBy) == 0 {
		groupBy = []string{"status"}
	}
	sum := domain.Summary{Count: len(entities)}
	if len(groupBy) > 0 {
		sum.Groups = make(map[string]map[string]int, len(groupBy))
		for _, g := range groupBy {
			sum.Groups[g] = map[string]int{}
		}
	}
	var durationTotal float64
	for _, ent := range entities {
		for _, g := range groupBy {
			sum.Groups[g][groupValue(ent, g)]++
		}
		if r.summary.SumField != "" {
			if v, ok := numericField(ent.Fields, r.summary.SumField); ok {
				sum.TotalValue += v
			}
		}
		if r.summary.Duration.Start != "" {
			start, okStart := timeField(ent.Fields, r.summary.Duration.Start)
			end, okEnd := timeField(ent.Fields, r.summary.Duration.End)
			if okStart && okEnd && !end.Before(start) {
				durationTotal += end.Sub(start).Seconds()
				sum.DurationSamples++
			}
		}
	}
	if sum.DurationSamples > 0 {
		sum.AvgDurationSeconds = durationTotal / float64(sum.DurationSamples)
	}
	return sum, nil
}

func groupValue(ent domain.Entity, field string) string {
	switch field {
	case "status":
		return ent.Status
	case "type":
		return ent.Type
	case "assignee_id":
		if ent.AssigneeID == nil || *ent.AssigneeID == "" {
			return groupUnknown
		}
		return *ent.AssigneeID
	}
	v, ok := ent.Fields[field]
	if !ok || v == nil {
		return groupUnknown
	}
	switch val := v.(type) {
	case string:
		if val == "" {
			return groupUnknown
		}
		return val
	case float64:
		// JSON numbers decode as float64; render integers without a fraction.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprint(val)
	}
}

func numericField(fields map[string]any, name string) (float64, bool) {
	v, ok := fields[name]
	if !ok || v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func timeField(fields map[string]any, name string) (time.Time, bool) {
	v, ok := fields[name]
	if !ok {
		return time.Time{}, false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
