package version

import (
	"strings"
	"testing"
)

func TestGetVersion(t *testing.T) {
	if got := GetVersion(); got != Version {
		t.Errorf("GetVersion() = %v, want %v", got, Version)
	}
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestString(t *testing.T) {
	s := String()
	if !strings.Contains(s, Version) || !strings.Contains(s, Commit) {
		t.Errorf("String() = %q, want version and commit", s)
	}
}
