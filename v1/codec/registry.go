package codec

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Serializable is implemented by values that travel as tagged envelopes.
type Serializable interface {
	TypeName() string
}

// StateEncoder lets a Serializable provide its own envelope state instead of
// the default copy of its exported fields.
type StateEncoder interface {
	EncodeState() (map[string]any, error)
}

// StateDecoder lets a blank instance apply envelope state itself.
type StateDecoder interface {
	DecodeState(state map[string]any) error
}

// TagStyle selects the envelope flavour written and accepted by a Registry.
type TagStyle struct {
	Key   string
	Lower bool
}

var (
	// DistributedTag is used for primitive identities.
	DistributedTag = TagStyle{Key: "__distributed_type__"}
	// GenericTag is used for generic value serialization.
	GenericTag = TagStyle{Key: "__type__", Lower: true}
)

// Type describes how a registered name is turned back into a value.
//
// When New returns a StateDecoder, the state is applied through it. Otherwise
// Construct is called with the state as named arguments, and as a last resort
// the state is copied onto New's result field by field.
type Type struct {
	New       func() any
	Construct func(state map[string]any) (any, error)
}

// Registry maps envelope names to types. Names are unique per registry.
type Registry struct {
	style TagStyle

	mu    sync.RWMutex
	types map[string]Type
}

// NewRegistry returns an empty Registry using the given envelope style.
func NewRegistry(style TagStyle) *Registry {
	return &Registry{style: style, types: make(map[string]Type)}
}

// Style returns the envelope style of the registry.
func (r *Registry) Style() TagStyle { return r.style }

func (r *Registry) canonical(name string) string {
	if r.style.Lower {
		return strings.ToLower(name)
	}
	return name
}

// Register adds a type under name. Registering a name twice is an error.
func (r *Registry) Register(name string, t Type) error {
	if name == "" {
		return fmt.Errorf("codec: empty type name")
	}
	if t.New == nil && t.Construct == nil {
		return fmt.Errorf("codec: type %q has neither New nor Construct", name)
	}
	name = r.canonical(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[name]; ok {
		return fmt.Errorf("codec: serialized types must have globally unique names: %q already registered", name)
	}
	r.types[name] = t
	return nil
}

// MustRegister is like Register but panics on error. It is meant for
// start-up registration where a name collision is a programming error.
func (r *Registry) MustRegister(name string, t Type) {
	if err := r.Register(name, t); err != nil {
		panic(err)
	}
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (Type, bool) {
	r.mu.RLock()
	t, ok := r.types[r.canonical(name)]
	r.mu.RUnlock()
	return t, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Dumps encodes v as JSON text.
func (r *Registry) Dumps(v any) (string, error) {
	pod, err := toPOD(v, r)
	if err != nil {
		return "", err
	}
	b, err := appendJSON(nil, pod)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Loads decodes JSON text produced by Dumps, or by any implementation of the
// same format.
func (r *Registry) Loads(text string) (any, error) {
	pod, err := decodeJSON([]byte(text))
	if err != nil {
		return nil, err
	}
	return fromPOD(pod, r)
}
