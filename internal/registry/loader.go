package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/internal/types"
)

// Catalog is the YAML document shape for a manifest catalog file.
//
// Example:
//
//	units:
//	  - id: hero
//	    layer: content
//	    name: Hero Section Writer
//	  - id: seo
//	    layer: optimization
//	    name: SEO Optimizer
//	    dependencies: [hero]
type Catalog struct {
	Units []Manifest `yaml:"units"`
}

// LoadManifests reads a YAML manifest catalog from path and registers every
// unit it declares. Registration is last-write-wins, so later entries in the
// file replace earlier ones with the same id.
func LoadManifests(r *Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.WrapError(types.MANIFEST_INVALID, fmt.Sprintf("failed to read manifest catalog %s", path), err)
	}
	return LoadManifestBytes(r, data)
}

// LoadManifestBytes registers every unit declared in a YAML catalog document.
func LoadManifestBytes(r *Registry, data []byte) error {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return types.WrapError(types.MANIFEST_INVALID, "failed to parse manifest catalog", err)
	}

	if len(catalog.Units) == 0 {
		return types.NewError(types.MANIFEST_INVALID, "manifest catalog declares no units")
	}

	for _, m := range catalog.Units {
		if err := r.Register(m); err != nil {
			return err
		}
	}
	return nil
}
