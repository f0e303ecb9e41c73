package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// manifestSuffix names the optional side-by-side manifest: the manifest
// for /opt/plugins/cred is /opt/plugins/cred.plugin.yaml.
const manifestSuffix = ".plugin.yaml"

// Manifest describes a plugin executable.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description,omitempty"`
	Operations  []string `yaml:"operations,omitempty"`
}

// ManifestError reports a manifest that failed parsing or schema
// validation.
type ManifestError struct {
	Path   string
	Issues []string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("invalid plugin manifest %s: %s", e.Path, strings.Join(e.Issues, "; "))
}

const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "version"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "operations": {
      "type": "array",
      "items": {"type": "string", "enum": ["DownloadPackage", "Authentication"]}
    }
  },
  "additionalProperties": false
}`

var compiledManifestSchema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(manifestSchema))
	if err != nil {
		panic(fmt.Sprintf("compile manifest schema: %v", err))
	}
	return s
}()

// loadManifest reads and validates the side-by-side manifest for the
// executable at exePath. fs.ErrNotExist means the plugin simply has none.
func loadManifest(exePath string) (*Manifest, error) {
	path := exePath + manifestSuffix
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseManifest(path, raw)
}

// parseManifest decodes raw YAML and checks it against the manifest
// schema. The YAML document is normalized to JSON first so the schema
// applies to it directly.
func parseManifest(path string, raw []byte) (*Manifest, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &ManifestError{Path: path, Issues: []string{err.Error()}}
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, &ManifestError{Path: path, Issues: []string{err.Error()}}
	}

	result, err := compiledManifestSchema.Validate(gojsonschema.NewBytesLoader(normalized))
	if err != nil {
		return nil, &ManifestError{Path: path, Issues: []string{err.Error()}}
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}
		return nil, &ManifestError{Path: path, Issues: issues}
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, &ManifestError{Path: path, Issues: []string{err.Error()}}
	}
	return &m, nil
}
