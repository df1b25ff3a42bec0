package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
)

// Envelope is the wire wrapper of a Serializable value.
type Envelope struct {
	Tag   string
	Name  string
	State map[string]any
}

// MarshalYAML writes the envelope as a plain mapping.
func (e *Envelope) MarshalYAML() (any, error) {
	return map[string]any{e.Tag: e.Name, "state": e.State}, nil
}

// toPOD turns v into plain data, replacing Serializable values with
// envelopes. A nil registry rejects Serializable values.
func toPOD(v any, r *Registry) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *Envelope:
		return x, nil
	case Serializable:
		if r == nil {
			return nil, fmt.Errorf("codec: %s is serializable but no registry is configured", x.TypeName())
		}
		return r.envelope(x)
	case string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x, nil
	case []byte:
		return viaJSON(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			p, err := toPOD(e, r)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			p, err := toPOD(e, r)
			if err != nil {
				return nil, err
			}
			out[k] = p
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			p, err := toPOD(rv.Index(i).Interface(), r)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return viaJSON(v)
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			p, err := toPOD(iter.Value().Interface(), r)
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = p
		}
		return out, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return toPOD(rv.Elem().Interface(), r)
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return viaJSON(v)
}

// viaJSON falls back on encoding/json for values outside the POD model.
func viaJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: cannot encode %T: %w", v, err)
	}
	return decodeJSON(b)
}

func (r *Registry) envelope(v Serializable) (*Envelope, error) {
	state, err := stateOf(v)
	if err != nil {
		return nil, err
	}
	pod := make(map[string]any, len(state))
	for k, e := range state {
		p, err := toPOD(e, r)
		if err != nil {
			return nil, err
		}
		pod[k] = p
	}
	return &Envelope{Tag: r.style.Key, Name: r.canonical(v.TypeName()), State: pod}, nil
}

// stateOf returns the envelope state of v: its EncodeState result, or a
// shallow copy of its exported fields.
func stateOf(v Serializable) (map[string]any, error) {
	if enc, ok := v.(StateEncoder); ok {
		state, err := enc.EncodeState()
		if err != nil {
			return nil, fmt.Errorf("codec: encode %s: %w", v.TypeName(), err)
		}
		if state == nil {
			state = map[string]any{}
		}
		return state, nil
	}
	state := map[string]any{}
	if err := mapstructure.Decode(v, &state); err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", v.TypeName(), err)
	}
	return state, nil
}

// fromPOD rebuilds registered values from envelopes, innermost first.
func fromPOD(pod any, r *Registry) (any, error) {
	switch x := pod.(type) {
	case []any:
		for i, e := range x {
			v, err := fromPOD(e, r)
			if err != nil {
				return nil, err
			}
			x[i] = v
		}
		return x, nil
	case map[string]any:
		for k, e := range x {
			v, err := fromPOD(e, r)
			if err != nil {
				return nil, err
			}
			x[k] = v
		}
		if r == nil {
			return x, nil
		}
		tag, ok := x[r.style.Key]
		if !ok {
			return x, nil
		}
		return r.instantiate(tag, x["state"])
	}
	return pod, nil
}

func (r *Registry) instantiate(tag, rawState any) (any, error) {
	name, ok := tag.(string)
	if !ok {
		return nil, &derrors.DecodeError{Reason: fmt.Sprintf("type tag %q is not a string", r.style.Key)}
	}
	t, ok := r.Lookup(name)
	if !ok {
		return nil, &derrors.DecodeError{Tag: name, Reason: "unknown type"}
	}
	state := map[string]any{}
	if rawState != nil {
		s, ok := rawState.(map[string]any)
		if !ok {
			return nil, &derrors.DecodeError{Tag: name, Reason: "state is not a mapping"}
		}
		state = s
	}

	if t.New != nil {
		if dec, ok := t.New().(StateDecoder); ok {
			if err := dec.DecodeState(state); err != nil {
				return nil, &derrors.DecodeError{Tag: name, Err: err}
			}
			return dec, nil
		}
	}
	if t.Construct != nil {
		v, err := t.Construct(state)
		if err != nil {
			return nil, &derrors.DecodeError{Tag: name, Err: err}
		}
		return v, nil
	}
	inst := t.New()
	if err := mapstructure.Decode(state, inst); err != nil {
		return nil, &derrors.DecodeError{Tag: name, Err: err}
	}
	return inst, nil
}

// normalize maps decoder-specific shapes onto the POD model: integers become
// int64 when they fit, floats float64 and every mapping map[string]any.
func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		return numberValue(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case float32:
		return float64(x)
	case []any:
		for i, e := range x {
			x[i] = normalize(e)
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	}
	return v
}

func numberValue(n json.Number) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	f, err := n.Float64()
	if err != nil {
		return s
	}
	return f
}
