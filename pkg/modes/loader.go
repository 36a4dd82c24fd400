package modes

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk shape of a mode catalog:
//
//	default: companion
//	modes:
//	  - name: pirate
//	    personality: Swashbuckling and loud.
//	    params: {temperature: 1.1}
//	  - name: assistant
//	    override: true
//	    personality: Terse.
type catalogFile struct {
	Default string      `yaml:"default"`
	Modes   []fileEntry `yaml:"modes"`
}

type fileEntry struct {
	Mode     `yaml:",inline"`
	Override bool `yaml:"override"`
}

// LoadFile applies the catalog at path. A missing file is not an error.
func (r *Registry) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read mode catalog: %w", err)
	}
	if err := r.Load(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Load applies a YAML catalog. Entries without override register new modes;
// entries with override shadow built-ins. Nothing is applied unless every
// entry is valid.
func (r *Registry) Load(in io.Reader) error {
	dec := yaml.NewDecoder(in)
	dec.KnownFields(true)

	var doc catalogFile
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode mode catalog: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.cat.clone()
	for i, entry := range doc.Modes {
		var err error
		if entry.Override {
			err = r.override(&next, entry.Mode)
		} else {
			err = r.register(&next, entry.Mode)
		}
		if err != nil {
			return fmt.Errorf("mode entry %d: %w", i, err)
		}
	}
	defaultName := r.defaultName
	if doc.Default != "" {
		if _, ok := next.modes[doc.Default]; !ok {
			return fmt.Errorf("default %q: %w", doc.Default, ErrModeNotFound)
		}
		defaultName = doc.Default
	}

	r.cat = next
	r.defaultName = defaultName
	return nil
}
