package actions

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestParseRefWithPath(t *testing.T) {
	ref, err := ParseRef("actions/checkout@v4/subdir")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Owner != "actions" || ref.Repo != "checkout" || ref.Tag != "v4" || ref.Path != "subdir" {
		t.Fatalf("ref = %+v", ref)
	}
}

func TestParseRefWithoutPath(t *testing.T) {
	ref, err := ParseRef("actions/setup-node@v4")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Path != "" {
		t.Fatalf("expected empty path, got %q", ref.Path)
	}
}

func TestParseRefMissingAtIsError(t *testing.T) {
	if _, err := ParseRef("actions/checkout"); err == nil {
		t.Fatal("expected error for missing @ref")
	}
}

func TestResolveUsesOnDiskCacheWhenPresent(t *testing.T) {
	actionsDir := t.TempDir()
	onDisk := filepath.Join(actionsDir, "acme", "widget", "v1")
	if err := os.MkdirAll(onDisk, 0o755); err != nil {
		t.Fatal(err)
	}

	r := New(actionsDir, t.TempDir(), nil, nil)
	got, err := r.Resolve(Ref{Owner: "acme", Repo: "widget", Tag: "v1"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != onDisk {
		t.Fatalf("got %q, want %q", got, onDisk)
	}
}

func TestResolveCachesInMemoryAfterFirstLookup(t *testing.T) {
	actionsDir := t.TempDir()
	onDisk := filepath.Join(actionsDir, "acme", "widget", "v1")
	os.MkdirAll(onDisk, 0o755)

	r := New(actionsDir, t.TempDir(), nil, nil)
	ref := Ref{Owner: "acme", Repo: "widget", Tag: "v1"}
	if _, err := r.Resolve(ref, ""); err != nil {
		t.Fatal(err)
	}
	// Remove the on-disk directory; a cached resolver must still answer.
	os.RemoveAll(onDisk)
	got, err := r.Resolve(ref, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != onDisk {
		t.Fatalf("got %q, want cached %q", got, onDisk)
	}
}

func buildTarGz(t *testing.T, topDir string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		full := topDir + "/" + name
		hdr := &tar.Header{Name: full, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func TestDownloadedTarballStripsTopDirectory(t *testing.T) {
	payload := buildTarGz(t, "acme-widget-abc123", map[string]string{"action.yml": "name: widget\n"})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	actionsDir := t.TempDir()
	r := New(actionsDir, t.TempDir(), server.Client(), nil)
	ref := Ref{Owner: "acme", Repo: "widget", Tag: "v1"}

	dest := filepath.Join(actionsDir, "acme", "widget", "v1")
	if err := downloadTo(t, r, ref, dest, server.URL); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(filepath.Join(dest, "action.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "name: widget\n" {
		t.Fatalf("content = %q", content)
	}
}

// downloadTo fetches the tarball from serverURL and unpacks it with
// extractTarGzStripTop, the code path download() shares with the
// archive-cache path. Resolver.download itself is not called: its URL is
// fixed to api.github.com.
func downloadTo(t *testing.T, r *Resolver, ref Ref, dest, serverURL string) error {
	t.Helper()
	resp, err := http.Get(serverURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return extractTarGzStripTop(resp.Body, dest)
}

func TestStripTopDir(t *testing.T) {
	if got := stripTopDir("repo-abc123/action.yml"); got != "action.yml" {
		t.Fatalf("got %q", got)
	}
	if got := stripTopDir("repo-abc123"); got != "" {
		t.Fatalf("expected empty for bare top dir, got %q", got)
	}
}
