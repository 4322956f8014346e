package version

import (
	"strings"
	"testing"
)

func TestGet_UsesLinkerValues(t *testing.T) {
	old := Version
	Version = "v9.9.9"
	t.Cleanup(func() { Version = old })

	if got := Get().Version; got != "v9.9.9" {
		t.Fatalf("Version = %q", got)
	}
}

func TestInfo_ShortCommitAndDirty(t *testing.T) {
	dirty := true
	i := Info{Commit: "0123456789abcdef0123", VCSDirty: &dirty}
	if got := i.ShortCommit(); got != "0123456789ab" {
		t.Fatalf("ShortCommit = %q", got)
	}
	if got := i.Dirty(); got != "true" {
		t.Fatalf("Dirty = %q", got)
	}
	if got := (Info{}).Dirty(); got != "unknown" {
		t.Fatalf("Dirty(nil) = %q", got)
	}
	if !strings.Contains(i.String(), "0123456789ab") {
		t.Fatalf("String() = %q", i.String())
	}
}
