package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogFile is the shape of an agents.yaml override file:
//
//	agents:
//	  - id: my-agent
//	    binary: my-agent
//	    args: ["--stream"]
//	    protocol: cli
type catalogFile struct {
	Agents []*Entry `yaml:"agents"`
}

// LoadFile merges agent definitions from a YAML file into the catalog.
// Entries with an id matching a built-in replace it. A missing file is not an
// error; the built-in catalog stands.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read agent catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse agent catalog %s: %w", path, err)
	}

	for _, e := range file.Agents {
		if err := c.Register(e); err != nil {
			return fmt.Errorf("invalid agent in %s: %w", path, err)
		}
	}
	return nil
}
