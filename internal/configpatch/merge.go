// ABOUTME: Deep merge of a partial configuration object into a loaded document
// ABOUTME: Scalars win, objects recurse, arrays are replaced wholesale, null deletes a key

package configpatch

import (
	"encoding/json"
	"strings"
)

// Merge applies patch onto base and returns base. base is modified in
// place; patch is never aliased into the result.
func Merge(base, patch map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any, len(patch))
	}
	for k, pv := range patch {
		if pv == nil {
			delete(base, k)
			continue
		}
		pm, isObj := pv.(map[string]any)
		if !isObj {
			base[k] = cloneValue(pv)
			continue
		}
		bm, ok := base[k].(map[string]any)
		if !ok {
			bm = make(map[string]any, len(pm))
		}
		base[k] = Merge(bm, pm)
	}
	return base
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Merge(nil, t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// normalize converts json.Number leaves into int64 or float64 so integer
// patch values stay integers in YAML and TOML targets.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	case json.Number:
		if !strings.ContainsAny(t.String(), ".eE") {
			if n, err := t.Int64(); err == nil {
				return n
			}
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}

// lookupPath walks a dotted path ("channels.matrix.allowed_users").
func lookupPath(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// patchAt builds a nested patch object that sets path to value.
func patchAt(path string, value any) map[string]any {
	parts := strings.Split(path, ".")
	patch := map[string]any{parts[len(parts)-1]: value}
	for i := len(parts) - 2; i >= 0; i-- {
		patch = map[string]any{parts[i]: patch}
	}
	return patch
}
