package agent

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultGeneration names the generation built from DefaultManifest.
	DefaultGeneration = "harit-swaraj-v1"

	// DefaultOfflinePage is served to navigations that cannot be answered.
	DefaultOfflinePage = "/offline.html"
)

// BuildManifest fixes, at build time, the generation identifier and the
// ordered list of assets that must be stored before the agent may activate.
type BuildManifest struct {
	// Generation is the cache generation this build writes into
	Generation string `yaml:"generation"`

	// OfflinePage is the path served when a navigation fails (must be an asset)
	OfflinePage string `yaml:"offline_page"`

	// Assets are root-relative paths pre-cached at install
	Assets []string `yaml:"assets"`
}

// DefaultManifest returns the application shell manifest.
func DefaultManifest() BuildManifest {
	return BuildManifest{
		Generation:  DefaultGeneration,
		OfflinePage: DefaultOfflinePage,
		Assets: []string{
			"/",
			"/index.html",
			"/offline.html",
			"/manifest.json",
			"/logo192.png",
			"/logo512.png",
		},
	}
}

// LoadBuildManifest decodes a YAML manifest. Omitted fields take the values
// of DefaultManifest; an explicit empty asset list is kept.
func LoadBuildManifest(r io.Reader) (BuildManifest, error) {
	m := DefaultManifest()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && err != io.EOF {
		return BuildManifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return BuildManifest{}, err
	}
	return m, nil
}

// Validate checks that the manifest can be installed.
func (m BuildManifest) Validate() error {
	if m.Generation == "" {
		return fmt.Errorf("manifest generation is required")
	}
	if strings.ContainsRune(m.Generation, 0) {
		return fmt.Errorf("manifest generation %q contains NUL", m.Generation)
	}

	seen := make(map[string]bool, len(m.Assets))
	for _, asset := range m.Assets {
		if !strings.HasPrefix(asset, "/") {
			return fmt.Errorf("asset %q must be root-relative", asset)
		}
		if seen[asset] {
			return fmt.Errorf("duplicate asset %q", asset)
		}
		seen[asset] = true
	}

	if m.OfflinePage != "" && !seen[m.OfflinePage] {
		return fmt.Errorf("offline page %q is not listed in assets", m.OfflinePage)
	}
	return nil
}
