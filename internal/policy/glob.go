package policy

import "strings"

// MatchGlob reports whether path matches pattern under the dotted segment
// glob rules: "*" matches exactly one dotted segment, "**" matches any
// number of segments (including zero), anything else must match literally.
// Matching is case-sensitive.
func MatchGlob(pattern, path string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(path, "."))
}

func matchSegments(pat, seg []string) bool {
	if len(pat) == 0 {
		return len(seg) == 0
	}

	head := pat[0]
	if head == "**" {
		// Zero-or-more: try consuming 0, 1, 2, ... segments of seg before
		// matching the rest of the pattern.
		for i := 0; i <= len(seg); i++ {
			if matchSegments(pat[1:], seg[i:]) {
				return true
			}
		}
		return false
	}

	if len(seg) == 0 {
		return false
	}
	if head != "*" && head != seg[0] {
		return false
	}
	return matchSegments(pat[1:], seg[1:])
}

// MatchAny reports whether path matches any of the given glob patterns.
func MatchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if MatchGlob(p, path) {
			return true
		}
	}
	return false
}
