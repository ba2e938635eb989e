// Package codec holds the structured encodings a message registry can use
// for the body that follows the type identifier.
package codec

import "fmt"

// Codec defines a simple interface for marshaling typed messages.
// Encoded values must be self-delimiting so that raw bytes can follow them.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// UnmarshalFirst decodes the first value in data and returns the bytes
	// that follow it.
	UnmarshalFirst(data []byte, v any) (rest []byte, err error)
}

// Registry maps codec names to codecs.
type Registry struct{ byName map[string]Codec }

// NewRegistry constructs a registry preloaded with JSON and CBOR.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(CBOR())
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) { r.byName[c.Name()] = c }

// Get returns a codec by name, or nil.
func (r *Registry) Get(name string) Codec { return r.byName[name] }

// ByName resolves a configured codec name.
func ByName(name string) (Codec, error) {
	if c := NewRegistry().Get(name); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("unknown codec: %q", name)
}
