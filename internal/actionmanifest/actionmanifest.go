// Package actionmanifest parses an action's action.yml/action.yaml file
// (spec §4.5 "Action resolution") into the shapes internal/handlers needs to
// dispatch a Node, composite, or container action. YAML decoding uses
// gopkg.in/yaml.v3, the library the pack's Kubernetes-adjacent repos
// (cuemby-warren, kindling-sh-kindling) reach for whenever they parse a
// manifest file; nothing in the teacher or the rest of the pack implements a
// hand-rolled YAML reader.
package actionmanifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Using names the runs.using value of an action.yml (spec §4.5).
type Using string

const (
	UsingNode20    Using = "node20"
	UsingNode24    Using = "node24"
	UsingComposite Using = "composite"
	UsingDocker    Using = "docker"
)

// Input is one declared input of an action.yml inputs map.
type Input struct {
	Default     string `yaml:"default"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
}

// Output is one declared output, pointing at a nested composite step's
// output via a `${{ steps.<id>.outputs.<name> }}` value expression.
type Output struct {
	Value string `yaml:"value"`
}

// Step is one nested step of a composite action's runs.steps list.
type Step struct {
	Id               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	If               string            `yaml:"if"`
	ContinueOnError  bool              `yaml:"continue-on-error"`
	Shell            string            `yaml:"shell"`
	Run              string            `yaml:"run"`
	WorkingDirectory string            `yaml:"working-directory"`
	Env              map[string]string `yaml:"env"`
	Uses             string            `yaml:"uses"`
	With             map[string]string `yaml:"with"`
}

// Runs is the runs: block of an action.yml, a union of the node/composite/
// docker shapes; only the fields relevant to the declared Using are
// populated by the author.
type Runs struct {
	Using string            `yaml:"using"`
	Main  string            `yaml:"main"`
	Pre   string            `yaml:"pre"`
	Post  string            `yaml:"post"`
	Steps []Step            `yaml:"steps"`
	Image string            `yaml:"image"`
	Args  []string          `yaml:"args"`
	Env   map[string]string `yaml:"env"`
}

// Manifest is the decoded action.yml/action.yaml document.
type Manifest struct {
	Name    string            `yaml:"name"`
	Inputs  map[string]Input  `yaml:"inputs"`
	Outputs map[string]Output `yaml:"outputs"`
	Runs    Runs              `yaml:"runs"`
}

// Load reads action.yml or action.yaml from actionDir.
func Load(actionDir string) (Manifest, error) {
	for _, name := range []string{"action.yml", "action.yaml"} {
		data, err := os.ReadFile(filepath.Join(actionDir, name))
		if err != nil {
			continue
		}
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Manifest{}, fmt.Errorf("actionmanifest: parsing %s: %w", name, err)
		}
		return m, nil
	}
	return Manifest{}, fmt.Errorf("actionmanifest: no action.yml or action.yaml found in %s", actionDir)
}
