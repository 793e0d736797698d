package docstore

import (
	"slices"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gaspardpetit/firebridge/internal/backend"
	"github.com/gaspardpetit/firebridge/internal/codec"
)

// applyValue stores v at fp in data, interpreting field-update sentinels.
func applyValue(data map[string]any, fp backend.FieldPath, v any, now time.Time) {
	switch x := v.(type) {
	case codec.Sentinel:
		switch x {
		case codec.Delete:
			deleteField(data, fp)
		case codec.ServerTimestamp:
			setField(data, fp, codec.TimestampOf(now))
		}
	case codec.IncrementInt, codec.IncrementFloat:
		cur, _ := getField(data, fp)
		setField(data, fp, increment(cur, x))
	case codec.ArrayUnion:
		cur, _ := getField(data, fp)
		arr, _ := asArray(cur)
		arr = slices.Clone(arr)
		for _, e := range x {
			if !containsValue(arr, e) {
				arr = append(arr, cloneValue(e))
			}
		}
		setField(data, fp, arr)
	case codec.ArrayRemove:
		cur, _ := getField(data, fp)
		arr, _ := asArray(cur)
		kept := make([]any, 0, len(arr))
		for _, e := range arr {
			if !containsValue(x, e) {
				kept = append(kept, e)
			}
		}
		setField(data, fp, kept)
	case map[string]any:
		setField(data, fp, map[string]any{})
		for k, e := range x {
			applyValue(data, append(slices.Clone(fp), k), e, now)
		}
	default:
		setField(data, fp, cloneValue(v))
	}
}

// increment adds amount to cur. Integer arithmetic is kept while both sides
// are integers; a non-numeric field is replaced by the amount.
func increment(cur, amount any) any {
	var ai int64
	var af float64
	isInt := false
	switch a := amount.(type) {
	case codec.IncrementInt:
		ai, af, isInt = int64(a), float64(a), true
	case codec.IncrementFloat:
		af = float64(a)
	}
	if typeOrder(cur) != orderNumber {
		if isInt {
			return ai
		}
		return af
	}
	ci, cf, curInt := asNumber(cur)
	if isInt && curInt {
		return ci + ai
	}
	return cf + af
}

// mergeInto deep-merges data into base: nested maps are merged key by key
// rather than replaced.
func mergeInto(base map[string]any, prefix backend.FieldPath, data map[string]any, now time.Time) {
	for k, v := range data {
		fp := append(slices.Clone(prefix), k)
		if m, ok := v.(map[string]any); ok && len(m) > 0 {
			if cur, ok := getField(base, fp); !ok || !isMapValue(cur) {
				setField(base, fp, map[string]any{})
			}
			mergeInto(base, fp, m, now)
			continue
		}
		applyValue(base, fp, v, now)
	}
}

func isMapValue(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// nextData computes a document's data after w. cur is nil when the document
// does not exist.
func nextData(cur map[string]any, w backend.Write, now time.Time) (map[string]any, error) {
	switch w.Type {
	case backend.WriteDelete:
		return nil, nil
	case backend.WriteUpdate:
		if cur == nil {
			return nil, status.Errorf(codes.NotFound, "No document to update: %s", w.Path)
		}
		out := cloneMap(cur)
		for k, v := range w.Data {
			applyValue(out, backend.ParseFieldPath(k), v, now)
		}
		return out, nil
	case backend.WriteSet:
		switch {
		case len(w.Options.MergeFields) > 0:
			out := cloneMap(cur)
			if out == nil {
				out = map[string]any{}
			}
			for _, fp := range w.Options.MergeFields {
				v, ok := getField(w.Data, fp)
				if !ok {
					return nil, status.Errorf(codes.InvalidArgument, "Field '%s' is specified in your field mask but missing from your input data.", fp)
				}
				applyValue(out, fp, v, now)
			}
			return out, nil
		case w.Options.Merge:
			out := cloneMap(cur)
			if out == nil {
				out = map[string]any{}
			}
			mergeInto(out, nil, w.Data, now)
			return out, nil
		}
		out := map[string]any{}
		for k, v := range w.Data {
			if v == codec.Delete {
				return nil, status.Errorf(codes.InvalidArgument, "FieldValue.delete() cannot be used with set() unless you pass {merge:true} (found in field %s)", k)
			}
			applyValue(out, backend.FieldPath{k}, v, now)
		}
		return out, nil
	}
	return nil, status.Errorf(codes.InvalidArgument, "unknown write type %q", w.Type)
}
