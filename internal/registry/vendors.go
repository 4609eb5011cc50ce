// Package registry loads the vendor registry: display names, mapping hints
// and FTP drop locations keyed by vendor key.
package registry

import (
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/catalog-ingest/internal/model"
)

var vendorKeyRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Vendor describes one catalog supplier.
type Vendor struct {
	Key  string `yaml:"-"`
	Name string `yaml:"name"`
	// Hints are appended to the column-mapping prompt for this vendor's
	// documents (e.g. "prices are per case of 12").
	Hints string `yaml:"hints"`
	// FTPURL is the drop location polled by `ftp pull` when no URL is given.
	FTPURL string `yaml:"ftp_url"`
}

// Registry is an immutable set of vendors.
type Registry struct {
	vendors map[string]Vendor
}

// New builds a registry from vendors, keyed by Vendor.Key.
func New(vendors ...Vendor) *Registry {
	r := &Registry{vendors: make(map[string]Vendor, len(vendors))}
	for _, v := range vendors {
		r.vendors[v.Key] = v
	}
	return r
}

// LoadVendors reads a registry from a YAML file with a top-level "vendors"
// map. An empty path yields an empty registry.
func LoadVendors(path string) (*Registry, error) {
	if path == "" {
		return New(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read %s", path)
	}

	var wrapper struct {
		Vendors map[string]Vendor `yaml:"vendors"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "registry: parse vendors")
	}

	r := &Registry{vendors: make(map[string]Vendor, len(wrapper.Vendors))}
	for key, v := range wrapper.Vendors {
		if err := ValidateKey(key); err != nil {
			return nil, err
		}
		v.Key = key
		v.Name = strings.TrimSpace(v.Name)
		r.vendors[key] = v
	}
	return r, nil
}

// ValidateKey checks that key is a lowercase slug.
func ValidateKey(key string) error {
	if !vendorKeyRe.MatchString(key) {
		return eris.Wrapf(model.ErrValidation, "registry: invalid vendor key %q", key)
	}
	return nil
}

// Lookup returns the vendor registered under key.
func (r *Registry) Lookup(key string) (Vendor, bool) {
	if r == nil {
		return Vendor{}, false
	}
	v, ok := r.vendors[key]
	return v, ok
}

// DisplayName resolves the name written to catalog entries: the registered
// name, then the label detected in the document, then the key itself.
func (r *Registry) DisplayName(key, detected string) string {
	if v, ok := r.Lookup(key); ok && v.Name != "" {
		return v.Name
	}
	if d := strings.TrimSpace(detected); d != "" {
		return d
	}
	return key
}

// Hints returns the mapping hints for key, or "".
func (r *Registry) Hints(key string) string {
	v, _ := r.Lookup(key)
	return v.Hints
}

// Keys returns the registered vendor keys in order.
func (r *Registry) Keys() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, 0, len(r.vendors))
	for k := range r.vendors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
