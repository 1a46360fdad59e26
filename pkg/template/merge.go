package template

// deepMerge folds src onto dst and returns the result. Nested maps
// merge recursively; on key collision src wins; slices and scalars are
// replaced wholesale, never concatenated. dst is not modified.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		sv, srcIsMap := v.(map[string]any)
		dv, dstIsMap := out[k].(map[string]any)
		if srcIsMap && dstIsMap {
			out[k] = deepMerge(dv, sv)
			continue
		}
		out[k] = v
	}
	return out
}
