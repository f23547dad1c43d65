package ota

import (
	"strconv"
	"strings"
)

// ParseVersion parses a dotted numeric version string into its integer
// components. Non-numeric components parse as zero.
func ParseVersion(version string) []int {
	if version == "" {
		return nil
	}
	segments := strings.Split(version, ".")
	parts := make([]int, 0, len(segments))
	for _, seg := range segments {
		n, err := strconv.Atoi(strings.TrimSpace(seg))
		if err != nil {
			n = 0
		}
		parts = append(parts, n)
	}
	return parts
}

// IsNewer reports whether candidate is a newer version than current.
// Components are compared left to right; missing trailing components are
// treated as zero, so "1.0" and "1.0.0" are the same version.
func IsNewer(current, candidate string) bool {
	cur := ParseVersion(current)
	cand := ParseVersion(candidate)

	n := max(len(cur), len(cand))
	for i := range n {
		a, b := 0, 0
		if i < len(cur) {
			a = cur[i]
		}
		if i < len(cand) {
			b = cand[i]
		}
		if b > a {
			return true
		}
		if b < a {
			return false
		}
	}
	return false
}
