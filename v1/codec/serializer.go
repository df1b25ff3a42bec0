package codec

import (
	"errors"

	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
)

// Serializer encodes generic values, including registered types, through a
// pluggable Codec.
type Serializer struct {
	impl Codec
	reg  *Registry
}

// NewSerializer returns a Serializer. A nil impl selects JSONCodec and a nil
// registry an empty GenericTag registry.
func NewSerializer(impl Codec, reg *Registry) *Serializer {
	if impl == nil {
		impl = JSONCodec{}
	}
	if reg == nil {
		reg = NewRegistry(GenericTag)
	}
	return &Serializer{impl: impl, reg: reg}
}

// Registry returns the registry used to resolve envelopes.
func (s *Serializer) Registry() *Registry { return s.reg }

// Serialize encodes v.
func (s *Serializer) Serialize(v any) ([]byte, error) {
	pod, err := toPOD(v, s.reg)
	if err != nil {
		return nil, err
	}
	return s.impl.Marshal(pod)
}

// Deserialize decodes raw and rebuilds registered values.
func (s *Serializer) Deserialize(raw []byte) (any, error) {
	var pod any
	if err := s.impl.Unmarshal(raw, &pod); err != nil {
		var de *derrors.DecodeError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &derrors.DecodeError{Reason: "malformed input", Err: err}
	}
	return fromPOD(pod, s.reg)
}
