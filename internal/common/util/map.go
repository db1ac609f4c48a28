package util

// MergeMaps returns a new map holding every entry of a, overwritten by the entries of b.
func MergeMaps[K comparable, V any](a map[K]V, b map[K]V) map[K]V {
	result := make(map[K]V, len(a)+len(b))
	for _, m := range []map[K]V{a, b} {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
