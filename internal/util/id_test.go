package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("hist")
	if !strings.HasPrefix(id, "hist_") {
		t.Fatalf("expected hist_ prefix, got %q", id)
	}
	if len(id) != len("hist_")+32 {
		t.Fatalf("unexpected length for %q", id)
	}
	if NewID("hist") == id {
		t.Fatal("expected unique ids")
	}
	if strings.Contains(NewID(""), "_") {
		t.Fatal("expected bare id without prefix")
	}
}

func TestValidID(t *testing.T) {
	for _, v := range []string{"user-1", "abc_DEF_123", NewID("rr")} {
		if !ValidID(v) {
			t.Errorf("expected %q to be valid", v)
		}
	}
	for _, v := range []string{"", "a b", "../etc", "x:y", strings.Repeat("a", 129)} {
		if ValidID(v) {
			t.Errorf("expected %q to be invalid", v)
		}
	}
}
