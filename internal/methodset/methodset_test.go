package methodset

import (
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
)

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func TestSelectPlainList(t *testing.T) {
	got, err := Select("foo,bar,baz", "bar", "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	want := []string{"foo", "baz"}
	if !reflect.DeepEqual(sorted(got), sorted(want)) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSelectEmpty(t *testing.T) {
	got, err := Select("", "", "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestSelectFromJSONSpec(t *testing.T) {
	dir := t.TempDir()
	specFile := filepath.Join(dir, "spec.json")
	spec := `[
		{"name": "getstate", "returns": {}},
		{"name": "waitforchange"},
		{"name": "sendmove", "returns": {}}
	]`
	if err := os.WriteFile(specFile, []byte(spec), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := Select("extra", "sendmove", specFile)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	want := []string{"getstate", "extra"}
	if !reflect.DeepEqual(sorted(got), sorted(want)) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSelectMissingSpecFile(t *testing.T) {
	if _, err := Select("", "", "/nonexistent/spec.json"); err == nil {
		t.Fatal("expected an error for a missing spec file")
	}
}
