package textutil

import (
	"reflect"
	"testing"
)

func TestNormalizeStringMap(t *testing.T) {
	t.Helper()

	t.Run("trims keys and values", func(t *testing.T) {
		input := map[string]string{
			" Carrier ": " UPS ",
			"service":   " ground ",
			"empty":     " ",
			" ":         "ignored",
			"":          "ignore",
		}

		expected := map[string]string{
			"Carrier": "UPS",
			"service": "ground",
			"empty":   "",
		}

		actual := NormalizeStringMap(input)
		if !reflect.DeepEqual(actual, expected) {
			t.Fatalf("expected %#v got %#v", expected, actual)
		}
	})

	t.Run("returns nil for nil or empty input", func(t *testing.T) {
		if NormalizeStringMap(nil) != nil {
			t.Fatalf("expected nil for nil input")
		}
		if NormalizeStringMap(map[string]string{}) != nil {
			t.Fatalf("expected nil for empty map")
		}
	})
}

func TestSanitizeNote(t *testing.T) {
	if got := SanitizeNote("  please rush this order  "); got != "please rush this order" {
		t.Fatalf("unexpected note: %q", got)
	}
	if got := SanitizeNote(`<script>alert("x")</script>fold along crease`); got != "fold along crease" {
		t.Fatalf("expected markup stripped, got %q", got)
	}
	if got := SanitizeNote("<b>laminate</b> both sides"); got != "laminate both sides" {
		t.Fatalf("expected tags removed, got %q", got)
	}
}

func TestNormalizeLanguageTag(t *testing.T) {
	got, err := NormalizeLanguageTag(" en_GB ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "en-GB" {
		t.Fatalf("expected en-GB, got %q", got)
	}

	if got, err := NormalizeLanguageTag(""); err != nil || got != "" {
		t.Fatalf("expected empty tag passthrough, got %q err %v", got, err)
	}

	if _, err := NormalizeLanguageTag("not a tag!!"); err == nil {
		t.Fatalf("expected error for invalid tag")
	}
}
