package browser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// sourceMap mirrors the revision-3 source map JSON.
type sourceMap struct {
	Version    int      `json:"version"`
	Sources    []string `json:"sources"`
	SourceRoot string   `json:"sourceRoot"`
	Mappings   string   `json:"mappings"`
}

// mappingEntry is one decoded segment: a compiled position and, when the
// segment carries source fields, the original position it maps from.
// Lines and columns are 0-based as in the wire format.
type mappingEntry struct {
	genLine   int
	genCol    int
	hasSource bool
	sourceIdx int
	srcLine   int
	srcCol    int
}

// decodeSourceMap parses a source map and returns its sources (sourceRoot
// applied) and mapping entries in wire order: generated lines ascending,
// columns ascending within each line.
func decodeSourceMap(raw string) ([]string, []mappingEntry, error) {
	var sm sourceMap
	if err := json.Unmarshal([]byte(raw), &sm); err != nil {
		return nil, nil, fmt.Errorf("failed to parse source map: %w", err)
	}

	sources := make([]string, len(sm.Sources))
	for i, s := range sm.Sources {
		if sm.SourceRoot != "" {
			s = strings.TrimSuffix(sm.SourceRoot, "/") + "/" + s
		}
		sources[i] = s
	}

	var entries []mappingEntry
	var sourceIdx, srcLine, srcCol int
	for genLine, lineStr := range strings.Split(sm.Mappings, ";") {
		genCol := 0
		if lineStr == "" {
			continue
		}
		for _, seg := range strings.Split(lineStr, ",") {
			if seg == "" {
				continue
			}
			fields, err := decodeVLQ(seg)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to decode mappings line %d: %w", genLine, err)
			}
			if len(fields) != 1 && len(fields) != 4 && len(fields) != 5 {
				return nil, nil, fmt.Errorf("bad mapping segment %q on line %d", seg, genLine)
			}
			genCol += fields[0]
			entry := mappingEntry{genLine: genLine, genCol: genCol}
			if len(fields) >= 4 {
				sourceIdx += fields[1]
				srcLine += fields[2]
				srcCol += fields[3]
				if sourceIdx < 0 || sourceIdx >= len(sources) {
					return nil, nil, fmt.Errorf("mapping source index %d out of range", sourceIdx)
				}
				entry.hasSource = true
				entry.sourceIdx = sourceIdx
				entry.srcLine = srcLine
				entry.srcCol = srcCol
			}
			entries = append(entries, entry)
		}
	}
	return sources, entries, nil
}

const base64Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// decodeVLQ decodes one base64 VLQ segment into its signed fields.
func decodeVLQ(seg string) ([]int, error) {
	var fields []int
	value, shift := 0, 0
	for _, c := range seg {
		digit := strings.IndexRune(base64Chars, c)
		if digit < 0 {
			return nil, fmt.Errorf("bad base64 digit %q", c)
		}
		value |= (digit & 31) << shift
		if digit&32 != 0 {
			shift += 5
			continue
		}
		if value&1 != 0 {
			fields = append(fields, -(value >> 1))
		} else {
			fields = append(fields, value>>1)
		}
		value, shift = 0, 0
	}
	if shift != 0 {
		return nil, fmt.Errorf("truncated VLQ segment %q", seg)
	}
	return fields, nil
}
