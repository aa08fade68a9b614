package results

import (
	"os"
	"strings"
	"testing"
)

func TestPagerWritesBothPageAndBlock(t *testing.T) {
	dir := t.TempDir()
	p := NewPager(dir, "s1", nil, nil)
	if err := p.Write("hello"); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var sawPage, sawBlock bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "page") {
			sawPage = true
		}
		if strings.Contains(e.Name(), "block") {
			sawBlock = true
		}
	}
	if !sawPage || !sawBlock {
		t.Fatalf("expected both page and block files, got %v", entries)
	}
}

func TestPagerRollsOverAtThreshold(t *testing.T) {
	dir := t.TempDir()
	var rolled []string
	// Use a roller directly with a tiny threshold to exercise rollover logic
	// without writing megabytes of test data.
	r := newRoller(dir, "tiny", 10, func(path string) { rolled = append(rolled, path) })
	if err := r.write([]byte("0123456789ABCDEF")); err != nil {
		t.Fatal(err)
	}
	if len(rolled) != 1 {
		t.Fatalf("expected one rollover, got %v", rolled)
	}
}

func TestPagerCloseInvokesCallbackOnce(t *testing.T) {
	dir := t.TempDir()
	var pageRolls, blockRolls int
	p := NewPager(dir, "s1", func(string) { pageRolls++ }, func(string) { blockRolls++ })
	p.Write("line")
	p.Close()
	if pageRolls != 1 || blockRolls != 1 {
		t.Fatalf("pageRolls=%d blockRolls=%d, want 1,1", pageRolls, blockRolls)
	}
}

func TestCloseWithoutWriteIsNoop(t *testing.T) {
	dir := t.TempDir()
	p := NewPager(dir, "s1", nil, nil)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}
