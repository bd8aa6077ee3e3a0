package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agrotrace/tracecore/pkg/canonicalize"
)

// Snapshot serializes a state snapshot as canonical JSON.
// nil yields nil; strings and non-JSON byte slices are stored as JSON strings.
func Snapshot(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if t == nil {
			return nil, nil
		}
		return rawSnapshot(t)
	case []byte:
		if t == nil {
			return nil, nil
		}
		return rawSnapshot(t)
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("audit: snapshot: %w", err)
		}
		return b, nil
	default:
		b, err := canonicalize.JCS(v)
		if err != nil {
			return nil, fmt.Errorf("audit: snapshot: %w", err)
		}
		return b, nil
	}
}

func rawSnapshot(b []byte) (json.RawMessage, error) {
	if json.Valid(b) {
		out, err := canonicalize.JCS(b)
		if err != nil {
			return nil, fmt.Errorf("audit: snapshot: %w", err)
		}
		return out, nil
	}
	out, err := json.Marshal(string(b))
	if err != nil {
		return nil, fmt.Errorf("audit: snapshot: %w", err)
	}
	return out, nil
}

// ChangedFields lists the top-level keys whose values differ between two
// JSON object snapshots, sorted and comma-joined. Anything that is not a
// pair of objects yields "".
func ChangedFields(prior, next json.RawMessage) string {
	if len(prior) == 0 || len(next) == 0 {
		return ""
	}
	var before, after map[string]json.RawMessage
	if err := json.Unmarshal(prior, &before); err != nil || before == nil {
		return ""
	}
	if err := json.Unmarshal(next, &after); err != nil || after == nil {
		return ""
	}

	changed := make([]string, 0)
	for k, v := range after {
		if old, ok := before[k]; !ok || !bytes.Equal(old, v) {
			changed = append(changed, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return strings.Join(changed, ",")
}
