package servicedef

import (
	"encoding/json"
	"fmt"
	"os"
)

// TestDef describes one test case as produced by a test-pack reader.
type TestDef struct {
	Name        string            `json:"name"`
	File        string            `json:"file"`
	SkipIfFile  string            `json:"skipif,omitempty"`
	CleanFile   string            `json:"clean,omitempty"`
	Expect      string            `json:"expect,omitempty"`
	ExpectRegex string            `json:"expectRegex,omitempty"`
	Post        string            `json:"post,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	INI         map[string]string `json:"ini,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	NeedsStdin  bool              `json:"stdin,omitempty"`
	NeedsArgs   bool              `json:"args,omitempty"`
}

// Manifest is the list of tests for one run plus the settings shared by all of them.
type Manifest struct {
	Run           RunParams    `json:"run"`
	Server        ServerParams `json:"server"`
	NonThreadSafe [][]string   `json:"nonThreadSafe,omitempty"`
	Tests         []TestDef    `json:"tests"`
}

// ReadManifest loads a Manifest from a JSON file.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("malformed manifest %s: %w", path, err)
	}
	for i, t := range m.Tests {
		if t.File == "" {
			return Manifest{}, fmt.Errorf("test %d (%q) in %s has no file", i, t.Name, path)
		}
		if t.Name == "" {
			m.Tests[i].Name = t.File
		}
	}
	return m, nil
}
