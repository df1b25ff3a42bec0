package codec

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Codec defines methods for encoding and decoding plain data.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec implements Codec with the Python-compatible JSON text used
// throughout this module.
type JSONCodec struct{}

// Marshal implements Codec.Marshal.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	pod, err := toPOD(v, nil)
	if err != nil {
		return nil, err
	}
	return appendJSON(nil, pod)
}

// Unmarshal implements Codec.Unmarshal. Decoding into *any yields POD values;
// any other target is handled by encoding/json.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	if p, ok := v.(*any); ok {
		pod, err := decodeJSON(data)
		if err != nil {
			return err
		}
		*p = pod
		return nil
	}
	return json.Unmarshal(data, v)
}

// YAMLCodec implements Codec using gopkg.in/yaml.v3.
type YAMLCodec struct{}

// Marshal implements Codec.Marshal.
func (YAMLCodec) Marshal(v any) ([]byte, error) {
	pod, err := toPOD(v, nil)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(pod)
}

// Unmarshal implements Codec.Unmarshal.
func (YAMLCodec) Unmarshal(data []byte, v any) error {
	if err := yaml.Unmarshal(data, v); err != nil {
		return err
	}
	if p, ok := v.(*any); ok {
		*p = normalize(*p)
	}
	return nil
}
