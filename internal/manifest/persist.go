package manifest

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// MarshalJSON renders m in the spec.md §6 on-disk/on-wire shape: an object
// with "files" (path -> FileRecord) and "emptyDirectories" (sorted array).
func (m *Manifest) MarshalJSON() ([]byte, error) {
	dirs := make([]string, 0, len(m.EmptyDirs))
	for d := range m.EmptyDirs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return json.MarshalIndent(jsonManifest{
		Files:            m.Files,
		EmptyDirectories: dirs,
	}, "", "  ")
}

// UnmarshalJSON parses the spec.md §6 shape back into a Manifest.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var jm jsonManifest
	if err := json.Unmarshal(data, &jm); err != nil {
		return errors.Wrap(err, "manifest: decode JSON")
	}
	if jm.Files == nil {
		jm.Files = make(map[string]FileRecord)
	}
	m.Files = jm.Files
	m.EmptyDirs = make(map[string]struct{}, len(jm.EmptyDirectories))
	for _, d := range jm.EmptyDirectories {
		m.EmptyDirs[d] = struct{}{}
	}
	return nil
}

// Persist writes m as pretty-printed JSON to path.
func Persist(m *Manifest, path string) error {
	data, err := m.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "manifest: marshal")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "manifest: write %s", path)
	}
	return nil
}

// Load reads and parses a manifest previously written by Persist. It
// returns (nil, nil) when path does not exist — there is simply no prior
// manifest to warm-start from.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "manifest: read %s", path)
	}
	m := newManifest()
	if err := m.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return m, nil
}
