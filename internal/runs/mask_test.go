package runs

import "testing"

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"john@example.com":  "jo**@example.com",
		"ab@example.com":    "a*@example.com",
		"a@example.com":     "a@example.com",
		"jörg@example.com":  "jö**@example.com",
		"not-an-address":    "***",
		"@example.com":      "***",
		"":                  "***",
		"abc@sub@x.example": "ab*@sub@x.example",
	}
	for in, want := range cases {
		if got := MaskEmail(in); got != want {
			t.Fatalf("MaskEmail(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestRedactor(t *testing.T) {
	r := NewRedactor("john@example.com", "abcd efgh ijkl")
	got := r.Redact("login john@example.com with abcd efgh ijkl ok")
	want := "login jo**@example.com with ******** ok"
	if got != want {
		t.Fatalf("Redact=%q, want %q", got, want)
	}

	if got := NewRedactor("", "").Redact("plain"); got != "plain" {
		t.Fatalf("Redact=%q, want passthrough", got)
	}
	var nilRedactor *Redactor
	if got := nilRedactor.Redact("plain"); got != "plain" {
		t.Fatalf("nil Redact=%q, want passthrough", got)
	}
}
