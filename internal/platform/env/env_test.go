package env

import (
	"reflect"
	"testing"
	"time"
)

func TestString_DefaultWhenUnset(t *testing.T) {
	if got := String("MAILCREW_ENV_STRING_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
}

func TestString_Override(t *testing.T) {
	t.Setenv("MAILCREW_ENV_STRING", "value")
	if got := String("MAILCREW_ENV_STRING", "fallback"); got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
}

func TestRequired(t *testing.T) {
	t.Setenv("MAILCREW_ENV_REQUIRED", "  set  ")
	got, err := Required("MAILCREW_ENV_REQUIRED")
	if err != nil {
		t.Fatalf("Required() err=%v", err)
	}
	if got != "set" {
		t.Fatalf("Required()=%q, want set", got)
	}

	t.Setenv("MAILCREW_ENV_REQUIRED_BLANK", "   ")
	if _, err := Required("MAILCREW_ENV_REQUIRED_BLANK"); err == nil {
		t.Fatalf("Required() expected error for blank value")
	}
}

func TestDuration(t *testing.T) {
	got, err := Duration("MAILCREW_ENV_DURATION_UNSET", 5*time.Second)
	if err != nil || got != 5*time.Second {
		t.Fatalf("Duration()=%v err=%v, want 5s", got, err)
	}

	t.Setenv("MAILCREW_ENV_DURATION", "250ms")
	got, err = Duration("MAILCREW_ENV_DURATION", 5*time.Second)
	if err != nil || got != 250*time.Millisecond {
		t.Fatalf("Duration()=%v err=%v, want 250ms", got, err)
	}

	t.Setenv("MAILCREW_ENV_DURATION_BAD", "soon")
	if _, err := Duration("MAILCREW_ENV_DURATION_BAD", time.Second); err == nil {
		t.Fatalf("Duration() expected error")
	}
}

func TestBool(t *testing.T) {
	t.Setenv("MAILCREW_ENV_BOOL", "false")
	got, err := Bool("MAILCREW_ENV_BOOL", true)
	if err != nil || got {
		t.Fatalf("Bool()=%v err=%v, want false", got, err)
	}

	t.Setenv("MAILCREW_ENV_BOOL_BAD", "nope")
	if _, err := Bool("MAILCREW_ENV_BOOL_BAD", false); err == nil {
		t.Fatalf("Bool() expected error")
	}
}

func TestInt(t *testing.T) {
	t.Setenv("MAILCREW_ENV_INT", " 7 ")
	got, err := Int("MAILCREW_ENV_INT", 42)
	if err != nil || got != 7 {
		t.Fatalf("Int()=%v err=%v, want 7", got, err)
	}

	t.Setenv("MAILCREW_ENV_INT_BAD", "seven")
	if _, err := Int("MAILCREW_ENV_INT_BAD", 42); err == nil {
		t.Fatalf("Int() expected error")
	}
}

func TestCSV(t *testing.T) {
	if got := CSV("MAILCREW_ENV_CSV_UNSET", []string{"a"}); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("CSV()=%v, want [a]", got)
	}

	t.Setenv("MAILCREW_ENV_CSV", "PATH, HOME,,PATH ,LANG")
	want := []string{"PATH", "HOME", "LANG"}
	if got := CSV("MAILCREW_ENV_CSV", nil); !reflect.DeepEqual(got, want) {
		t.Fatalf("CSV()=%v, want %v", got, want)
	}
}
