package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjy-dev/vmcov/internal/hitmap"
)

func TestWriteLCOVGolden(t *testing.T) {
	cov := hitmap.Set{
		"package:app/file.dart": &hitmap.HitMap{
			LineHits: map[int]int{1: 1, 2: 0, 3: 2},
		},
	}

	var buf strings.Builder
	err := WriteLCOV(&buf, cov, Options{
		Resolve: func(uri string) string { return "/abs/path/file.dart" },
	})
	require.NoError(t, err)

	want := "SF:/abs/path/file.dart\n" +
		"DA:1,1\n" +
		"DA:2,0\n" +
		"DA:3,2\n" +
		"LF:3\n" +
		"LH:2\n" +
		"end_of_record\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteLCOVFunctionRecords(t *testing.T) {
	cov := hitmap.Set{
		"a.dart": &hitmap.HitMap{
			LineHits:  map[int]int{1: 2, 5: 0, 9: 1},
			FuncHits:  map[int]int{1: 2, 9: 0},
			FuncNames: map[int]string{1: "main", 9: "Foo.bar"},
		},
	}

	var buf strings.Builder
	require.NoError(t, WriteLCOV(&buf, cov, Options{}))

	want := "SF:a.dart\n" +
		"FN:1,main\n" +
		"FN:9,Foo.bar\n" +
		"FNDA:2,main\n" +
		"FNF:2\n" +
		"FNH:1\n" +
		"DA:1,2\n" +
		"DA:5,0\n" +
		"DA:9,1\n" +
		"LF:3\n" +
		"LH:2\n" +
		"end_of_record\n"
	assert.Equal(t, want, buf.String())
}

// LH and FNH never exceed LF and FNF.
func TestWriteLCOVCountInvariants(t *testing.T) {
	cov := hitmap.Set{
		"a.dart": &hitmap.HitMap{
			LineHits:  map[int]int{1: 0, 2: 0, 3: 7, 4: 1},
			FuncHits:  map[int]int{1: 0, 3: 7},
			FuncNames: map[int]string{1: "a", 3: "b"},
		},
	}

	var buf strings.Builder
	require.NoError(t, WriteLCOV(&buf, cov, Options{}))
	out := buf.String()

	assert.Contains(t, out, "LF:4\n")
	assert.Contains(t, out, "LH:2\n")
	assert.Contains(t, out, "FNF:2\n")
	assert.Contains(t, out, "FNH:1\n")
}

func TestWriteLCOVDropsUnresolvedAndFiltered(t *testing.T) {
	cov := hitmap.Set{
		"package:app/a.dart":   &hitmap.HitMap{LineHits: map[int]int{1: 1}},
		"package:other/b.dart": &hitmap.HitMap{LineHits: map[int]int{1: 1}},
		"dart:core":            &hitmap.HitMap{LineHits: map[int]int{1: 1}},
	}

	var buf strings.Builder
	err := WriteLCOV(&buf, cov, Options{
		Resolve: func(uri string) string {
			switch uri {
			case "package:app/a.dart":
				return "/repo/lib/a.dart"
			case "package:other/b.dart":
				return "/elsewhere/b.dart"
			}
			return ""
		},
		ReportOn: []string{"/repo/"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(buf.String(), "SF:"))
	assert.Contains(t, buf.String(), "SF:/repo/lib/a.dart\n")
}

func TestWriteLCOVBasePath(t *testing.T) {
	cov := hitmap.Set{
		"a.dart": &hitmap.HitMap{LineHits: map[int]int{1: 1}},
	}

	var buf strings.Builder
	err := WriteLCOV(&buf, cov, Options{
		Resolve:  func(uri string) string { return "/repo/lib/a.dart" },
		BasePath: "/repo",
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "SF:lib/a.dart\n")
}

func TestWritePretty(t *testing.T) {
	cov := hitmap.Set{
		"a.dart": &hitmap.HitMap{
			LineHits: map[int]int{1: 3, 3: 0},
		},
	}

	var buf strings.Builder
	err := WritePretty(&buf, cov, Options{
		LoadLines: func(path string) []string {
			return []string{"void main() {", "  // comment", "  run();", "}"}
		},
	})
	require.NoError(t, err)

	want := "a.dart\n" +
		"      3|void main() {\n" +
		"       |  // comment\n" +
		"      0|  run();\n" +
		"       |}\n"
	assert.Equal(t, want, buf.String())
}

func TestWritePrettyReportFuncsRequiresFunctionCoverage(t *testing.T) {
	cov := hitmap.Set{
		"a.dart": &hitmap.HitMap{LineHits: map[int]int{1: 1}},
	}

	var buf strings.Builder
	err := WritePretty(&buf, cov, Options{ReportFuncs: true})
	assert.ErrorIs(t, err, ErrMissingFunctionCoverage)
}

func TestWritePrettyReportFuncs(t *testing.T) {
	cov := hitmap.Set{
		"a.dart": &hitmap.HitMap{
			LineHits:  map[int]int{1: 5, 2: 5},
			FuncHits:  map[int]int{1: 5},
			FuncNames: map[int]string{1: "main"},
		},
	}

	var buf strings.Builder
	err := WritePretty(&buf, cov, Options{
		ReportFuncs: true,
		LoadLines: func(path string) []string {
			return []string{"void main() {", "}"}
		},
	})
	require.NoError(t, err)

	want := "a.dart\n" +
		"      5|void main() {\n" +
		"       |}\n"
	assert.Equal(t, want, buf.String())
}
