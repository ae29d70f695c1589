// Package format serializes coverage sets into portable reports: LCOV
// records and pretty-printed annotated source listings.
package format

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zjy-dev/vmcov/internal/hitmap"
)

// ErrMissingFunctionCoverage is returned by WritePretty when function
// reporting is requested for a set collected without function coverage.
var ErrMissingFunctionCoverage = errors.New("missing function coverage")

// Options configures report output.
type Options struct {
	// Resolve maps a source URI to a filesystem path. Returning "" drops
	// the file from the report. A nil Resolve keeps URIs as-is.
	Resolve func(uri string) string

	// LoadLines returns a file's lines for pretty printing, or nil when
	// unavailable.
	LoadLines func(path string) []string

	// ReportOn keeps only files whose resolved path starts with one of
	// these prefixes. Empty means all files.
	ReportOn []string

	// BasePath, when set, relativizes resolved paths in LCOV output.
	BasePath string

	// ReportFuncs annotates function declaration lines in pretty output.
	ReportFuncs bool

	// Color enables styled pretty output. Plain output is unaffected.
	Color bool
}

// resolvedFile is one report entry after resolution and filtering.
type resolvedFile struct {
	uri  string
	path string
	hm   *hitmap.HitMap
}

// resolveFiles resolves and filters the set, sorted by source URI.
func resolveFiles(cov hitmap.Set, opts Options) []resolvedFile {
	uris := make([]string, 0, len(cov))
	for uri := range cov {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	var files []resolvedFile
	for _, uri := range uris {
		path := uri
		if opts.Resolve != nil {
			path = opts.Resolve(uri)
		}
		if path == "" {
			continue
		}
		if !reportOn(path, opts.ReportOn) {
			continue
		}
		files = append(files, resolvedFile{uri: uri, path: path, hm: cov[uri]})
	}
	return files
}

func reportOn(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// WriteLCOV emits the coverage set as LCOV records.
func WriteLCOV(w io.Writer, cov hitmap.Set, opts Options) error {
	for _, f := range resolveFiles(cov, opts) {
		path := f.path
		if opts.BasePath != "" {
			if rel, err := filepath.Rel(opts.BasePath, path); err == nil {
				path = rel
			}
		}
		if err := writeLCOVRecord(w, path, f.hm); err != nil {
			return fmt.Errorf("failed to write lcov record for %s: %w", f.uri, err)
		}
	}
	return nil
}

func writeLCOVRecord(w io.Writer, path string, hm *hitmap.HitMap) error {
	if _, err := fmt.Fprintf(w, "SF:%s\n", path); err != nil {
		return err
	}

	if hm.FuncHits != nil && hm.FuncNames != nil {
		funcLines := sortedKeys(hm.FuncNames)
		for _, line := range funcLines {
			if _, err := fmt.Fprintf(w, "FN:%d,%s\n", line, hm.FuncNames[line]); err != nil {
				return err
			}
		}
		hitFuncs := 0
		for _, line := range sortedIntKeys(hm.FuncHits) {
			count := hm.FuncHits[line]
			if count == 0 {
				continue
			}
			hitFuncs++
			if _, err := fmt.Fprintf(w, "FNDA:%d,%s\n", count, hm.FuncNames[line]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "FNF:%d\n", len(hm.FuncNames)); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "FNH:%d\n", hitFuncs); err != nil {
			return err
		}
	}

	hitLines := 0
	for _, line := range sortedIntKeys(hm.LineHits) {
		count := hm.LineHits[line]
		if count > 0 {
			hitLines++
		}
		if _, err := fmt.Fprintf(w, "DA:%d,%d\n", line, count); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "LF:%d\n", len(hm.LineHits)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "LH:%d\n", hitLines); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, "end_of_record")
	return err
}

func sortedIntKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func sortedKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
