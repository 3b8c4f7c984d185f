package redisearch

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestEscapeQuery(t *testing.T) {
	got := escapeQuery(`hello-world (v2)`)
	want := `hello\-world \(v2\)`
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestBuildTagFilters_SortedAndEscaped(t *testing.T) {
	got := buildTagFilters(map[string]string{
		"source": "docs.local",
		"lang":   "en",
	})
	want := `@lang:{en} @source:{docs\.local}`
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestBuildTagFilters_Empty(t *testing.T) {
	if got := buildTagFilters(nil); got != "" {
		t.Errorf("expected empty filter, got %q", got)
	}
}

func TestDocID(t *testing.T) {
	cases := []struct {
		key    string
		fields map[string]string
		want   string
	}{
		{"kb1:doc:42", map[string]string{"id": "doc-42"}, "doc-42"},
		{"kb1:doc:42", map[string]string{}, "42"},
		{"plainkey", nil, "plainkey"},
	}
	for _, tc := range cases {
		if got := docID(tc.key, tc.fields); got != tc.want {
			t.Errorf("docID(%q): expected %q, got %q", tc.key, tc.want, got)
		}
	}
}

func TestVectorToBytes(t *testing.T) {
	buf := vectorToBytes([]float32{1.0, -0.5})
	if len(buf) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(buf))
	}
	first := math.Float32frombits(binary.LittleEndian.Uint32([]byte(buf)[:4]))
	if first != 1.0 {
		t.Errorf("expected 1.0, got %g", first)
	}
}
