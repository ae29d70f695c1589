package hitmap

import "strings"

// In-source markers recognized by the ignore scanner. Matching is purely
// textual: a marker counts wherever it appears in the line, string literals
// included.
const (
	IgnoreLineMarker  = "// coverage:ignore-line"
	IgnoreStartMarker = "// coverage:ignore-start"
	IgnoreEndMarker   = "// coverage:ignore-end"
)

// IgnoredLines scans source lines for coverage ignore directives and returns
// the set of 1-based line numbers to mask. An ignore-start region without a
// matching ignore-end extends to the end of the file. The result is a set:
// a line inside a region that also carries ignore-line appears once.
func IgnoredLines(lines []string) map[int]struct{} {
	ignored := make(map[int]struct{})
	skipping := false
	for i, text := range lines {
		line := i + 1
		if skipping {
			ignored[line] = struct{}{}
			if strings.Contains(text, IgnoreEndMarker) {
				skipping = false
			}
			continue
		}
		if strings.Contains(text, IgnoreStartMarker) {
			// Regions are inclusive on both ends: the marker lines
			// themselves are masked.
			ignored[line] = struct{}{}
			skipping = true
			continue
		}
		if strings.Contains(text, IgnoreLineMarker) {
			ignored[line] = struct{}{}
		}
	}
	return ignored
}
