// Package browser lowers browser precise coverage (byte-offset ranges over
// compiled scripts) into canonical per-source-file hit maps via source-map
// resolution.
package browser

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/zjy-dev/vmcov/internal/hitmap"
)

// ErrInvalidCoverageEntry is returned for a range that does not describe a
// half-open span inside its script.
var ErrInvalidCoverageEntry = errors.New("invalid coverage entry")

// SDKSentinelPrefix marks source URLs that belong to the runtime SDK rather
// than user code. Mappings under it contribute nothing.
const SDKSentinelPrefix = "org-dartlang-sdk:"

// Range is one precise-coverage span over a compiled script, in code units,
// half-open [StartOffset, EndOffset).
type Range struct {
	StartOffset int `json:"startOffset"`
	EndOffset   int `json:"endOffset"`
	Count       int `json:"count"`
}

// FunctionCoverage is the per-function range list delivered by the browser.
type FunctionCoverage struct {
	Ranges []Range `json:"ranges"`
}

// ScriptCoverage is the precise coverage recorded for one compiled script.
type ScriptCoverage struct {
	ScriptID  string             `json:"scriptId"`
	URL       string             `json:"url"`
	Functions []FunctionCoverage `json:"functions"`
}

// Providers are the injected capabilities the lowering needs: the compiled
// source text, the raw source map, and source-URL-to-URI resolution. Source
// and SourceMap return "" when unavailable, which skips the script.
type Providers struct {
	Source    func(scriptID string) string
	SourceMap func(scriptID string) string
	SourceURI func(sourceURL, scriptID string) string
}

// Options tunes the lowering.
type Options struct {
	// SDKPrefix overrides SDKSentinelPrefix for non-Dart runtimes.
	SDKPrefix string
}

// coverageInfo is a flattened range with its covered verdict.
type coverageInfo struct {
	start, end int
	covered    bool
}

// position is a 1-based (line, column) pair in the compiled script.
type position struct {
	line, col int
}

// Lower converts precise coverage for a batch of scripts into a canonical
// coverage set keyed by original source URI. Scripts without a source map or
// compiled source are skipped.
func Lower(scripts []ScriptCoverage, p Providers, opts Options) (hitmap.Set, error) {
	sdkPrefix := opts.SDKPrefix
	if sdkPrefix == "" {
		sdkPrefix = SDKSentinelPrefix
	}

	// Booleans accumulate across scripts; promotion to counts happens once
	// at the end so a later script's mapping can override an earlier one.
	lineCovered := make(map[string]map[int]bool)
	for _, script := range scripts {
		if err := lowerScript(script, p, sdkPrefix, lineCovered); err != nil {
			return nil, err
		}
	}

	out := make(hitmap.Set)
	for uri, lines := range lineCovered {
		hm := hitmap.New()
		for line, covered := range lines {
			if covered {
				hm.LineHits[line] = 1
			} else {
				hm.LineHits[line] = 0
			}
		}
		out[uri] = hm
	}
	return out, nil
}

func lowerScript(script ScriptCoverage, p Providers, sdkPrefix string, lineCovered map[string]map[int]bool) error {
	compiled := p.Source(script.ScriptID)
	rawMap := p.SourceMap(script.ScriptID)
	if compiled == "" || rawMap == "" {
		return nil
	}

	// Offsets index UTF-16 code units, the unit the browser reports in.
	units := utf16.Encode([]rune(compiled))

	infos, err := flattenRanges(script, len(units))
	if err != nil {
		return err
	}
	offsetCoverage := paintOffsets(infos, len(units))
	coveredPositions := projectPositions(units, offsetCoverage)

	sources, entries, err := decodeSourceMap(rawMap)
	if err != nil {
		return fmt.Errorf("failed to lower script %s: %w", script.ScriptID, err)
	}

	for _, entry := range entries {
		if !entry.hasSource {
			continue
		}
		sourceURL := sources[entry.sourceIdx]
		if sourceURL == "" || strings.HasPrefix(sourceURL, sdkPrefix) {
			continue
		}
		uri := p.SourceURI(sourceURL, script.ScriptID)
		if uri == "" {
			continue
		}
		key := position{line: entry.genLine + 1, col: entry.genCol + 1}
		_, covered := coveredPositions[key]
		lines, ok := lineCovered[uri]
		if !ok {
			lines = make(map[int]bool)
			lineCovered[uri] = lines
		}
		// Later mapping entries for the same source line win.
		lines[entry.srcLine+1] = covered
	}
	return nil
}

// flattenRanges collects every function range and sorts the result by size
// descending, stably. Larger enclosing ranges paint first so the tightest
// nested range decides each offset.
func flattenRanges(script ScriptCoverage, sourceLen int) ([]coverageInfo, error) {
	var infos []coverageInfo
	for _, fn := range script.Functions {
		for _, r := range fn.Ranges {
			if r.StartOffset < 0 || r.EndOffset < r.StartOffset || r.EndOffset > sourceLen {
				return nil, fmt.Errorf("%w: script %s range [%d,%d) over %d units",
					ErrInvalidCoverageEntry, script.ScriptID, r.StartOffset, r.EndOffset, sourceLen)
			}
			infos = append(infos, coverageInfo{
				start:   r.StartOffset,
				end:     r.EndOffset,
				covered: r.Count > 0,
			})
		}
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].end-infos[i].start > infos[j].end-infos[j].start
	})
	return infos, nil
}

func paintOffsets(infos []coverageInfo, sourceLen int) []bool {
	offsetCoverage := make([]bool, sourceLen)
	for _, info := range infos {
		for i := info.start; i < info.end; i++ {
			offsetCoverage[i] = info.covered
		}
	}
	return offsetCoverage
}

// projectPositions walks the compiled code units and records the (line, col)
// of every covered offset. Columns are 1-based: the counter increments
// before each unit is examined.
func projectPositions(units []uint16, offsetCoverage []bool) map[position]struct{} {
	covered := make(map[position]struct{})
	line, col := 1, 0
	for i, u := range units {
		col++
		if offsetCoverage[i] {
			covered[position{line: line, col: col}] = struct{}{}
		}
		if u == '\n' {
			line++
			col = 0
		}
	}
	return covered
}
