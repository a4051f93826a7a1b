package statistics

import (
	"fmt"
	"sort"
	"strings"
)

// FlattenNumbers walks a collected tree and returns every numeric leaf as
// a dotted path. Non-numeric leaves are skipped.
func FlattenNumbers(tree map[string]any) map[string]float64 {
	out := make(map[string]float64)
	flattenInto(out, "", tree)
	return out
}

func flattenInto(out map[string]float64, path string, node any) {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			flattenInto(out, childPath, child)
		}
	case float64:
		out[path] = v
	case float32:
		out[path] = float64(v)
	case int:
		out[path] = float64(v)
	case int32:
		out[path] = float64(v)
	case int64:
		out[path] = float64(v)
	case uint:
		out[path] = float64(v)
	case uint64:
		out[path] = float64(v)
	}
}

// ToPrometheusFormat renders the numeric leaves of a tree in Prometheus
// text exposition format, untyped, with dots replaced by underscores.
func ToPrometheusFormat(tree map[string]any) string {
	flat := FlattenNumbers(tree)

	names := make([]string, 0, len(flat))
	for name := range flat {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		metric := strings.NewReplacer(".", "_", "-", "_").Replace(name)
		fmt.Fprintf(&b, "%s %v\n", metric, flat[name])
	}
	return b.String()
}
