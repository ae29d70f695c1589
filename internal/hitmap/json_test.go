package hitmap

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coverageDoc(entries ...string) []byte {
	doc := `{"type":"CodeCoverage","coverage":[`
	for i, e := range entries {
		if i > 0 {
			doc += ","
		}
		doc += e
	}
	return []byte(doc + `]}`)
}

func TestFromJSONIgnoreLine(t *testing.T) {
	source := []string{
		"line one",
		"line two // coverage:ignore-line",
		"line three",
		"line four",
		"line five",
	}
	data := coverageDoc(`{"source":"a.dart","hits":[1,3,2,5,3,1]}`)

	cov, err := FromJSON(data, ParseOptions{
		LoadLines: func(path string) []string { return source },
	})
	require.NoError(t, err)

	require.Contains(t, cov, "a.dart")
	assert.Equal(t, map[int]int{1: 3, 3: 1}, cov["a.dart"].LineHits)
}

func TestFromJSONRangeExpansion(t *testing.T) {
	data := coverageDoc(`{"source":"a.dart","hits":["2-4",7,5,1]}`)

	cov, err := FromJSON(data, ParseOptions{})
	require.NoError(t, err)

	assert.Equal(t, map[int]int{2: 7, 3: 7, 4: 7, 5: 1}, cov["a.dart"].LineHits)
}

func TestFromJSONRangeRespectsIgnoredLines(t *testing.T) {
	source := []string{
		"a",
		"b",
		"c // coverage:ignore-line",
		"d",
	}
	data := coverageDoc(`{"source":"a.dart","hits":["2-4",1]}`)

	cov, err := FromJSON(data, ParseOptions{
		LoadLines: func(path string) []string { return source },
	})
	require.NoError(t, err)

	// The expanded line, not the range key, decides membership.
	assert.Equal(t, map[int]int{2: 1, 4: 1}, cov["a.dart"].LineHits)
}

func TestFromJSONAccumulatesEntries(t *testing.T) {
	data := coverageDoc(
		`{"source":"a.dart","hits":[1,2]}`,
		`{"source":"a.dart","hits":[1,3,2,1]}`,
	)

	cov, err := FromJSON(data, ParseOptions{})
	require.NoError(t, err)

	assert.Equal(t, map[int]int{1: 5, 2: 1}, cov["a.dart"].LineHits)
}

func TestFromJSONSkipsUnresolvedSources(t *testing.T) {
	data := coverageDoc(
		`{"source":"package:foo/a.dart","hits":[1,1]}`,
		`{"source":"package:gone/b.dart","hits":[1,1]}`,
	)

	cov, err := FromJSON(data, ParseOptions{
		Resolve: func(uri string) string {
			if uri == "package:foo/a.dart" {
				return "/lib/a.dart"
			}
			return ""
		},
	})
	require.NoError(t, err)

	assert.Len(t, cov, 1)
	assert.Contains(t, cov, "/lib/a.dart")
}

func TestFromJSONFunctionAndBranchArrays(t *testing.T) {
	data := coverageDoc(`{"source":"a.dart","hits":[1,1,2,0],` +
		`"funcHits":[1,1],"funcNames":[1,"main"],"branchHits":[2,0]}`)

	cov, err := FromJSON(data, ParseOptions{})
	require.NoError(t, err)

	hm := cov["a.dart"]
	require.NotNil(t, hm)
	assert.Equal(t, map[int]int{1: 1}, hm.FuncHits)
	assert.Equal(t, map[int]string{1: "main"}, hm.FuncNames)
	assert.Equal(t, map[int]int{2: 0}, hm.BranchHits)
}

func TestFromJSONRejectsMalformedHits(t *testing.T) {
	for _, hits := range []string{`[1]`, `["x",1]`, `["1:2",1]`, `[1,"x"]`} {
		t.Run(hits, func(t *testing.T) {
			data := coverageDoc(fmt.Sprintf(`{"source":"a.dart","hits":%s}`, hits))
			_, err := FromJSON(data, ParseOptions{})
			assert.Error(t, err)
		})
	}
}

func TestToScriptJSON(t *testing.T) {
	data, err := ToScriptJSON("package:app/a.dart", map[int]int{2: 0, 1: 3})
	require.NoError(t, err)

	var entry struct {
		Source string `json:"source"`
		Script struct {
			Type    string `json:"type"`
			FixedID bool   `json:"fixedId"`
			Kind    string `json:"_kind"`
		} `json:"script"`
		Hits []int `json:"hits"`
	}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "package:app/a.dart", entry.Source)
	assert.Equal(t, "@Script", entry.Script.Type)
	assert.True(t, entry.Script.FixedID)
	assert.Equal(t, "library", entry.Script.Kind)
	assert.Equal(t, []int{1, 3, 2, 0}, entry.Hits)
}

func TestJSONRoundTrip(t *testing.T) {
	cov := Set{
		"b.dart": &HitMap{LineHits: map[int]int{3: 0, 1: 2}},
		"a.dart": &HitMap{
			LineHits:   map[int]int{1: 1, 5: 4},
			FuncHits:   map[int]int{1: 1},
			FuncNames:  map[int]string{1: "main"},
			BranchHits: map[int]int{5: 4},
		},
	}

	data, err := ToJSON(cov)
	require.NoError(t, err)

	back, err := FromJSON(data, ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, cov, back)
}
