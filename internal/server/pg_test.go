package server

import (
	"testing"
)

func TestVectorTextRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 0, 3.14159, 1e-7}
	text := vectorText(in)
	out, err := parseVector(text)
	if err != nil {
		t.Fatalf("parseVector(%q): %v", text, err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("component %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestVectorTextSyntax(t *testing.T) {
	if got := vectorText([]float32{1, 2.5}); got != "[1,2.5]" {
		t.Fatalf("vectorText = %q", got)
	}
	if got := vectorText(nil); got != "[]" {
		t.Fatalf("vectorText(nil) = %q", got)
	}
}

func TestParseVector(t *testing.T) {
	cases := []struct {
		in   string
		want []float32
		ok   bool
	}{
		{"[1,2,3]", []float32{1, 2, 3}, true},
		{" [0.5, -0.5] ", []float32{0.5, -0.5}, true},
		{"[]", []float32{}, true},
		{"1,2,3", nil, false},
		{"[1,x]", nil, false},
		{"", nil, false},
	}
	for _, tc := range cases {
		got, err := parseVector(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("parseVector(%q) err = %v, want ok=%v", tc.in, err, tc.ok)
			continue
		}
		if !tc.ok {
			continue
		}
		if len(got) != len(tc.want) {
			t.Errorf("parseVector(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("parseVector(%q)[%d] = %v, want %v", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}

func TestVectorArg(t *testing.T) {
	if got := vectorArg(nil); got != nil {
		t.Fatalf("vectorArg(nil) = %v, want nil", got)
	}
	if got := vectorArg([]float32{1}); got != "[1]" {
		t.Fatalf("vectorArg = %v", got)
	}
}

func TestTagsJSON(t *testing.T) {
	if got := tagsJSON(nil); got != "[]" {
		t.Fatalf("tagsJSON(nil) = %q", got)
	}
	if got := tagsJSON([]string{"a", "b"}); got != `["a","b"]` {
		t.Fatalf("tagsJSON = %q", got)
	}
}

func TestMetaJSON(t *testing.T) {
	got, err := metaJSON(nil)
	if err != nil || got != "{}" {
		t.Fatalf("metaJSON(nil) = %q, %v", got, err)
	}
	got, err = metaJSON(map[string]any{"k": "v"})
	if err != nil || got != `{"k":"v"}` {
		t.Fatalf("metaJSON = %q, %v", got, err)
	}
	if _, err := metaJSON(map[string]any{"bad": func() {}}); err == nil {
		t.Fatal("unencodable meta did not error")
	}
}
