package vmodel

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
		prov    string
		name    string
	}{
		{"slimclaw/auto", false, "slimclaw", "auto"},
		{"anthropic/claude-3-haiku-20240307", false, "anthropic", "claude-3-haiku-20240307"},
		{"no-slash-here", true, "", ""},
		{"/missing-provider", true, "", ""},
		{"missing-name/", true, "", ""},
		{"", true, "", ""},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got none", c.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error %v", c.in, err)
		}
		if got.Provider != c.prov || got.Name != c.name {
			t.Errorf("Parse(%q) = %+v, want {%s %s}", c.in, got, c.prov, c.name)
		}
	}
}

func TestIsVirtual(t *testing.T) {
	if !IsVirtual("slimclaw/auto") {
		t.Error("expected slimclaw/auto to be virtual")
	}
	if IsVirtual("anthropic/claude-3-haiku-20240307") {
		t.Error("expected anthropic model to not be virtual")
	}
	if IsVirtual("malformed") {
		t.Error("malformed id must not be reported as virtual")
	}
}

func TestString(t *testing.T) {
	id := ID{Provider: "openai", Name: "gpt-4.1"}
	if got := id.String(); got != "openai/gpt-4.1" {
		t.Errorf("String() = %q, want %q", got, "openai/gpt-4.1")
	}
}
