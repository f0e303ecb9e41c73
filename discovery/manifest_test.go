package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifestAcceptsDocumentedShape(t *testing.T) {
	raw := []byte(`name: credprovider
version: "2.1.0"
description: Fetches feed credentials
operations:
  - Authentication
  - DownloadPackage
`)
	m, err := parseManifest("credprovider.plugin.yaml", raw)
	require.NoError(t, err)
	assert.Equal(t, "credprovider", m.Name)
	assert.Equal(t, "2.1.0", m.Version)
	assert.Equal(t, "Fetches feed credentials", m.Description)
	assert.Equal(t, []string{"Authentication", "DownloadPackage"}, m.Operations)
}

func TestParseManifestMinimal(t *testing.T) {
	m, err := parseManifest("p.plugin.yaml", []byte("name: x\nversion: \"0.1.0\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "x", m.Name)
	assert.Equal(t, "0.1.0", m.Version)
	assert.Empty(t, m.Description)
	assert.Nil(t, m.Operations)
}

func TestParseManifestRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty document", ""},
		{"missing name", "version: \"1.0.0\"\n"},
		{"missing version", "name: x\n"},
		{"version wrong type", "name: x\nversion: 2\n"},
		{"unknown field", "name: x\nversion: \"1.0.0\"\nauthor: y\n"},
		{"unknown operation", "name: x\nversion: \"1.0.0\"\noperations: [Telemetry]\n"},
		{"not an object", "- a\n- b\n"},
		{"not yaml", "{broken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := parseManifest("p.plugin.yaml", []byte(tt.raw))
			assert.Nil(t, m)

			var me *ManifestError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, "p.plugin.yaml", me.Path)
			assert.NotEmpty(t, me.Issues)
		})
	}
}

func TestManifestErrorMessage(t *testing.T) {
	err := &ManifestError{
		Path:   "/opt/plugins/cred.plugin.yaml",
		Issues: []string{"name is required", "version is required"},
	}
	assert.Contains(t, err.Error(), "/opt/plugins/cred.plugin.yaml")
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "version is required")
}
