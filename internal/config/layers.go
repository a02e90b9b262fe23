package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// LoadLayers reads a layer manifest: a YAML file with a top-level "layers"
// list. Relative file sources are resolved against the manifest's
// directory so a manifest can travel with its data.
func LoadLayers(path string) ([]LayerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read layer manifest %s", path)
	}

	var wrapper struct {
		Layers []LayerConfig `yaml:"layers"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "config: parse layer manifest %s", path)
	}
	if len(wrapper.Layers) == 0 {
		return nil, eris.Errorf("config: layer manifest %s lists no layers", path)
	}

	base := filepath.Dir(path)
	for i := range wrapper.Layers {
		l := &wrapper.Layers[i]
		if isLocalPath(l.Source) && !filepath.IsAbs(l.Source) {
			l.Source = filepath.Join(base, l.Source)
		}
	}
	return wrapper.Layers, nil
}

func isLocalPath(source string) bool {
	if source == "" {
		return false
	}
	lower := strings.ToLower(source)
	for _, scheme := range []string{"http://", "https://", "postgres://", "postgresql://"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}
	return true
}
