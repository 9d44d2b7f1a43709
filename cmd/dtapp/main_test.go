package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/behrlich/dtapp/internal/constants"
)

func TestRunSinglePassAgainstFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target.dat")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create target file: %v", err)
	}
	if err := f.Truncate(64 * 1024); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	defer rOut.Close()
	defer rErr.Close()

	code := run([]string{"--if", path, "--bs", "4k", "--limit", "64k"}, wOut, wErr)
	wOut.Close()
	wErr.Close()

	if code != 0 {
		t.Fatalf("run() = %d, want 0", code)
	}
}

func TestRunMissingInputFlagFails(t *testing.T) {
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	defer rOut.Close()
	defer rErr.Close()

	code := run([]string{}, wOut, wErr)
	wOut.Close()
	wErr.Close()

	if code != 1 {
		t.Fatalf("run() = %d, want 1", code)
	}
}

func TestParseSizeSuffixes(t *testing.T) {
	cases := map[string]int{
		"4k": 4 * 1024,
		"1M": 1024 * 1024,
		"2G": 2 * 1024 * 1024 * 1024,
		"512": 512,
	}
	for in, want := range cases {
		got, err := parseSize(in)
		if err != nil {
			t.Fatalf("parseSize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestLoadWorkloadUnknownNameErrors(t *testing.T) {
	if _, err := loadWorkload("does-not-exist"); err == nil {
		t.Fatal("loadWorkload with unknown name = nil error, want error")
	}
}

func TestLoadWorkloadKnownName(t *testing.T) {
	w, err := loadWorkload("quick-verify")
	if err != nil {
		t.Fatalf("loadWorkload: %v", err)
	}
	if w.Name != "quick-verify" {
		t.Fatalf("w.Name = %q, want quick-verify", w.Name)
	}
}

func TestPatternCodeParsesFilePrefix(t *testing.T) {
	code, path := patternCode("file:/tmp/ref.bin")
	if code != constants.PatternFile || path != "/tmp/ref.bin" {
		t.Fatalf("patternCode(file:...) = (%d, %q), want (%d, %q)", code, path, constants.PatternFile, "/tmp/ref.bin")
	}

	code, path = patternCode("pfile:/tmp/other.bin")
	if code != constants.PatternFile || path != "/tmp/other.bin" {
		t.Fatalf("patternCode(pfile:...) = (%d, %q), want (%d, %q)", code, path, constants.PatternFile, "/tmp/other.bin")
	}

	code, path = patternCode("constant")
	if code != constants.PatternConstant || path != "" {
		t.Fatalf("patternCode(constant) = (%d, %q), want (%d, \"\")", code, path, constants.PatternConstant)
	}
}
