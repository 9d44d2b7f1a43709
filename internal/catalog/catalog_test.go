package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseHandlesCommentsAndTrailingCommas(t *testing.T) {
	src := []byte(`{
		// workload catalog
		"workloads": [
			{"name": "quick-verify", "options": {"passes": "1"},},
		],
	}`)

	f, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Workloads) != 1 || f.Workloads[0].Name != "quick-verify" {
		t.Fatalf("f.Workloads = %+v", f.Workloads)
	}
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "missing.hujson"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if len(f.Workloads) != 0 {
		t.Fatalf("f.Workloads = %+v, want empty", f.Workloads)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	want := DefaultWorkloads()

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Workloads) != len(want.Workloads) {
		t.Fatalf("got %d workloads, want %d", len(got.Workloads), len(want.Workloads))
	}
	for i := range want.Workloads {
		if got.Workloads[i].Name != want.Workloads[i].Name {
			t.Fatalf("Workloads[%d].Name = %q, want %q", i, got.Workloads[i].Name, want.Workloads[i].Name)
		}
	}
}

func TestEntryToOptionsCopiesMap(t *testing.T) {
	e := Entry{Name: "x", Options: map[string]string{"a": "1"}}
	opts := e.ToOptions()
	opts["a"] = "2"
	if e.Options["a"] != "1" {
		t.Fatal("ToOptions did not return an independent copy")
	}
}

func TestSaveCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "catalog.json")
	os.MkdirAll(filepath.Dir(path), 0o755)
	if err := Save(path, File{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Stat after Save: %v", err)
	}
}
