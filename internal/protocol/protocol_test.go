package protocol

import "testing"

func TestSanitizeProviderID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hello-world", "hello-world"},
		{"svc.1", "svc_1"},
		{"café", "caf_"}, // é is one matched rune, replaced with one "_"
		{"", ""}, // checked separately below, random suffix
	}
	for _, c := range cases {
		if c.in == "" {
			got := SanitizeProviderID(c.in)
			if len(got) != len("rc_")+8 {
				t.Errorf("SanitizeProviderID(%q) = %q, want rc_<8hex>", c.in, got)
			}
			continue
		}
		if got := SanitizeProviderID(c.in); got != c.want {
			t.Errorf("SanitizeProviderID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSplitNamespaced(t *testing.T) {
	id, tool, ok := SplitNamespaced("hello-world__greet")
	if !ok || id != "hello-world" || tool != "greet" {
		t.Fatalf("got (%q,%q,%v)", id, tool, ok)
	}
	if _, _, ok := SplitNamespaced("greet"); ok {
		t.Fatalf("expected not namespaced for name without separator")
	}
	// First __ is the separator, even if the tool name itself contains __.
	id, tool, ok = SplitNamespaced("svc__weird__tool")
	if !ok || id != "svc" || tool != "weird__tool" {
		t.Fatalf("got (%q,%q,%v)", id, tool, ok)
	}
}

func TestErrorResult(t *testing.T) {
	r := ErrorResult(`Broker client "ghost" not connected`)
	if !r.IsError {
		t.Fatal("expected IsError")
	}
	if r.Content[0].Text != `Error: Broker client "ghost" not connected` {
		t.Fatalf("got %q", r.Content[0].Text)
	}
}
