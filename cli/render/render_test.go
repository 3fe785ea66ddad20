package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

type row struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"table", FormatTable, false},
		{"yaml", FormatYAML, false},
		{"", "", false},
		{"xml", "", true},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.in)
		if tc.wantErr != (err != nil) {
			t.Errorf("ParseFormat(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatJSON, &buf)

	if err := r.Render(row{ID: "j-1", Status: "queued", Count: 2}); err != nil {
		t.Fatalf("render: %v", err)
	}

	var got row
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output not valid json: %v", err)
	}
	if got.ID != "j-1" || got.Status != "queued" {
		t.Errorf("round trip: %+v", got)
	}
}

func TestRenderTable_SliceUsesJSONTags(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, &buf)

	rows := []row{
		{ID: "j-1", Status: "queued", Count: 1},
		{ID: "j-2", Status: "dead", Count: 3},
	}
	if err := r.Render(rows); err != nil {
		t.Fatalf("render: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "id") || !strings.Contains(out, "status") {
		t.Errorf("missing headers:\n%s", out)
	}
	if !strings.Contains(out, "j-2") || !strings.Contains(out, "dead") {
		t.Errorf("missing rows:\n%s", out)
	}
}

func TestRenderTable_EmptySlice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, &buf)

	if err := r.Render([]row{}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(buf.String(), "(no results)") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRenderYAML(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatYAML, &buf)

	if err := r.Render(map[string]any{"tenant": "acme"}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(buf.String(), "tenant: acme") {
		t.Errorf("output = %q", buf.String())
	}
}
