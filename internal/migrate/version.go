package migrate

import (
	"strconv"
	"strings"
)

// CompareVersions compares two dotted numeric versions component by
// component. Missing components count as 0, so "1.2" equals "1.2.0". A
// component is read up to its first non-digit ("3-beta" reads as 3).
// It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	pa, pb := splitVersion(a), splitVersion(b)
	n := max(len(pa), len(pb))
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func splitVersion(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		out[i], _ = strconv.Atoi(p[:end])
	}
	return out
}
