package registry

import (
	"fmt"
	"os"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/nodes"
	"github.com/dukex/conduit/pkg/protocol"
	"gopkg.in/yaml.v3"
)

// Manifest lists the node types a deployment enables. It is produced at install time
// and replaces scanning plugin directories at run time.
//
//	nodes:
//	  - type: httprequest
//	  - type: log
//	    as: audit-log
type Manifest struct {
	Nodes []ManifestEntry `yaml:"nodes"`
}

type ManifestEntry struct {
	Type string `yaml:"type"`
	// As registers the type under another key.
	As string `yaml:"as,omitempty"`
}

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read node manifest: %w", err)
	}

	return ParseManifest(data)
}

func ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse node manifest: %w", err)
	}

	for i, entry := range manifest.Nodes {
		if entry.Type == "" {
			return nil, fmt.Errorf("node manifest entry %d: missing type", i)
		}
	}

	return &manifest, nil
}

// Apply registers the manifest entries, resolving each type against the built-in catalog.
func (m *Manifest) Apply(r *Registry) error {
	catalog := make(map[string]protocol.NodeType)
	for _, nodeType := range nodes.Catalog() {
		catalog[nodeType.Describe().Type] = nodeType
	}

	for _, entry := range m.Nodes {
		nodeType, ok := catalog[entry.Type]
		if !ok {
			return fmt.Errorf("%w: unknown built-in %q", ErrInvalidNodeType, entry.Type)
		}

		if entry.As != "" && entry.As != entry.Type {
			nodeType = &aliased{NodeType: nodeType, key: entry.As}
		}

		if err := r.Register(nodeType); err != nil {
			return err
		}
	}

	return nil
}

type aliased struct {
	protocol.NodeType
	key string
}

func (a *aliased) Describe() models.NodeTypeDescription {
	desc := a.NodeType.Describe()
	desc.Type = a.key

	return desc
}
