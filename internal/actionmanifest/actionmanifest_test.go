package actionmanifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadNodeManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "action.yml", `
name: Say Hello
inputs:
  who-to-greet:
    default: World
    description: who to greet
runs:
  using: node20
  main: index.js
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Runs.Using != "node20" || m.Runs.Main != "index.js" {
		t.Fatalf("unexpected runs block: %+v", m.Runs)
	}
	if m.Inputs["who-to-greet"].Default != "World" {
		t.Fatalf("unexpected input default: %+v", m.Inputs["who-to-greet"])
	}
}

func TestLoadCompositeManifestPrefersYml(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "action.yml", `
runs:
  using: composite
  steps:
    - id: one
      run: echo hi
      shell: bash
    - id: two
      uses: actions/setup-node@v4
      with:
        node-version: "20"
outputs:
  greeting:
    value: ${{ steps.one.outputs.greeting }}
`)
	writeManifest(t, dir, "action.yaml", `runs:\n  using: docker\n`)

	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Runs.Using != "composite" {
		t.Fatalf("expected action.yml to take precedence, got using=%q", m.Runs.Using)
	}
	if len(m.Runs.Steps) != 2 || m.Runs.Steps[1].Uses != "actions/setup-node@v4" {
		t.Fatalf("unexpected nested steps: %+v", m.Runs.Steps)
	}
	if m.Outputs["greeting"].Value != "${{ steps.one.outputs.greeting }}" {
		t.Fatalf("unexpected output value: %+v", m.Outputs["greeting"])
	}
}

func TestLoadMissingManifestErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatal("expected an error when neither action.yml nor action.yaml exists")
	}
}
