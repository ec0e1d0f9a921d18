package fileid

import (
	"strings"
	"testing"
)

func TestWorkbookKeyStable(t *testing.T) {
	a := WorkbookKey("/data/reports/q3.xlsx")
	b := WorkbookKey("/data/reports/q3.xlsx")
	if a != b {
		t.Error("key not stable")
	}
	if len(a) != 64 {
		t.Errorf("key length %d, want 64 hex chars", len(a))
	}
	// Path cleaning makes equivalent paths share a key.
	if WorkbookKey("/data/reports/../reports/q3.xlsx") != a {
		t.Error("equivalent paths produce different keys")
	}
	if WorkbookKey("/data/reports/q4.xlsx") == a {
		t.Error("different paths collide")
	}
}

func TestIndexFileName(t *testing.T) {
	name := IndexFileName("/data/reports/q3.xlsx")
	if !strings.HasSuffix(name, ".idx") {
		t.Errorf("file name %q", name)
	}
	if strings.ContainsAny(name, "/\\") {
		t.Errorf("file name contains path separators: %q", name)
	}
}
