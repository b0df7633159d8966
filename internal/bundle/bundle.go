// Package bundle describes the fixed set of userland service binaries
// embedded in the core image (spec §6, "Embedded userland binaries") and
// exposed at runtime via sys_get_service_binary (§4.G.3, syscall 10).
//
// Grounded on internal/bundle/bundle.go from the reference hypervisor,
// which reads a ccbundle.yaml manifest describing a bootable image
// directory; here the manifest instead enumerates the byte ranges of
// services baked into the core binary itself, since pid 1 must be able to
// exec the filesystem service before any filesystem exists to read from.
package bundle

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ManifestFilename is the name of the YAML descriptor compiled alongside
// the embedded binaries at build time.
const ManifestFilename = "services.yaml"

// ServiceID names one embedded userland binary. The set of ids is fixed at
// build time (§6); the core only guarantees stability of id -> (ptr, len)
// within a single boot.
type ServiceID uint32

// Well-known service ids bootstrapped directly by pid 1, the init
// supervisor, before any other IPC server exists.
const (
	ServiceInit ServiceID = iota
	ServiceFilesystem
	ServiceDevice
	ServiceInput
	ServiceDisplay
	ServiceNetwork
)

// Manifest is the YAML-described table of embedded services. It is parsed
// once at build time (or boot time, from a compiled-in []byte) and handed
// to the bundle Registry.
type Manifest struct {
	Version  int          `yaml:"version"`
	Services []ServiceDef `yaml:"services"`
}

// ServiceDef names one manifest entry: a logical id and the symbol under
// which its bytes are linked into the core image.
type ServiceDef struct {
	ID     ServiceID `yaml:"id"`
	Name   string    `yaml:"name"`
	Symbol string    `yaml:"symbol"`
}

// ParseManifest decodes a services.yaml document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bundle: parse manifest: %w", err)
	}
	if m.Version == 0 {
		m.Version = 1
	}
	return &m, nil
}

// Registry maps a ServiceID to its embedded byte range, the runtime
// counterpart of Manifest. Built once at boot from the manifest plus the
// linked-in byte slices, then read-only for the life of the core.
type Registry struct {
	entries map[ServiceID][]byte
	order   []ServiceID
}

// NewRegistry builds a Registry from a manifest and a caller-supplied
// symbol->bytes lookup function. cmd/kernel embeds no binaries and passes
// a lookup that resolves no symbol.
func NewRegistry(m *Manifest, resolve func(symbol string) ([]byte, bool)) (*Registry, error) {
	r := &Registry{entries: make(map[ServiceID][]byte, len(m.Services))}
	for _, svc := range m.Services {
		b, ok := resolve(svc.Symbol)
		if !ok {
			return nil, fmt.Errorf("bundle: manifest references unknown symbol %q for service %q", svc.Symbol, svc.Name)
		}
		r.entries[svc.ID] = b
		r.order = append(r.order, svc.ID)
	}
	return r, nil
}

// Lookup returns the embedded bytes for id, implementing the
// sys_get_service_binary contract (§4.G.3): a stable (pointer, length)
// pair for the duration of the boot.
func (r *Registry) Lookup(id ServiceID) ([]byte, bool) {
	b, ok := r.entries[id]
	return b, ok
}

// IDs returns every registered service id in manifest order.
func (r *Registry) IDs() []ServiceID {
	out := make([]ServiceID, len(r.order))
	copy(out, r.order)
	return out
}
