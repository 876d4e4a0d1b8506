// Package catalogue holds the fixed set of collectibles offered by the
// marketplace. Descriptors are immutable once loaded and are never owned by
// the reconciler; it only reads them to build mint payloads and to confirm
// that a ledger token represents a given entry.
package catalogue

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"petmarket/pkg/domain"
)

// NameKey is the on-ledger metadata key carrying the descriptor name.
const NameKey = "name"

//go:embed pets.yaml
var defaultCatalogue []byte

// Descriptor is a static catalogue entry.
type Descriptor struct {
	ID          domain.AssetID    `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Photo       string            `yaml:"photo"`
	URI         string            `yaml:"uri"`
	Attributes  map[string]string `yaml:"attributes"`
}

// Metadata returns the attribute set as recorded on the ledger: every
// characteristic plus the name. Presentation fields never take part.
func (d Descriptor) Metadata() map[string]string {
	out := make(map[string]string, len(d.Attributes)+1)
	for k, v := range d.Attributes {
		out[normaliseKey(k)] = strings.TrimSpace(v)
	}
	out[NameKey] = strings.TrimSpace(d.Name)
	return out
}

// Matches reports whether ledger metadata describes this descriptor.
// Keys compare exactly after trimming and lower-casing, values case-insensitively.
// Presentation keys present on the ledger side are ignored.
func (d Descriptor) Matches(meta map[string]string) bool {
	want := d.Metadata()
	got := make(map[string]string, len(meta))
	for k, v := range meta {
		k = normaliseKey(k)
		if isPresentationKey(k) {
			continue
		}
		got[k] = strings.TrimSpace(v)
	}
	if len(got) != len(want) {
		return false
	}
	for k, v := range want {
		other, ok := got[k]
		if !ok || !strings.EqualFold(v, other) {
			return false
		}
	}
	return true
}

func normaliseKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

func isPresentationKey(k string) bool {
	switch k {
	case "photo", "uri", "image", "id":
		return true
	}
	return false
}

// Catalogue is an ordered, immutable set of descriptors.
type Catalogue struct {
	entries []Descriptor
	byID    map[domain.AssetID]int
}

// New validates descriptors and builds a catalogue preserving their order.
func New(entries []Descriptor) (*Catalogue, error) {
	c := &Catalogue{byID: make(map[domain.AssetID]int, len(entries))}
	var errs []error
	for i, d := range entries {
		id, err := domain.ParseAssetID(string(d.ID))
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		d.ID = id
		if strings.TrimSpace(d.Name) == "" {
			errs = append(errs, fmt.Errorf("entry %s: name is required", id))
		}
		if len(d.Attributes) == 0 {
			errs = append(errs, fmt.Errorf("entry %s: at least one attribute is required", id))
		}
		if _, dup := c.byID[id]; dup {
			errs = append(errs, fmt.Errorf("entry %s: duplicate id", id))
			continue
		}
		d.Attributes = maps.Clone(d.Attributes)
		c.byID[id] = len(c.entries)
		c.entries = append(c.entries, d)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid catalogue: %w", err)
	}
	return c, nil
}

type file struct {
	Pets []Descriptor `yaml:"pets"`
}

// Load parses a YAML catalogue document.
func Load(r io.Reader) (*Catalogue, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode catalogue: %w", err)
	}
	return New(f.Pets)
}

// LoadFile reads a YAML catalogue from disk.
func LoadFile(path string) (*Catalogue, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalogue: %w", err)
	}
	defer fh.Close()
	return Load(fh)
}

// Default returns the embedded catalogue.
func Default() (*Catalogue, error) {
	return Load(bytes.NewReader(defaultCatalogue))
}

// All returns the descriptors in catalogue order.
func (c *Catalogue) All() []Descriptor {
	return slices.Clone(c.entries)
}

func (c *Catalogue) Get(id domain.AssetID) (Descriptor, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return c.entries[i], true
}

func (c *Catalogue) Len() int { return len(c.entries) }
