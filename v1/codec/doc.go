// Package codec converts between in-memory values and a structured,
// language-neutral wire form.
//
// Plain data (numbers, strings, booleans, nil, slices and string-keyed maps)
// is written as is. Values implementing Serializable are wrapped in a tagged
// envelope naming a type registered in a Registry:
//
//	{"__distributed_type__": "Lock", "state": {"key": "test"}}
//
// Two envelope styles exist and are not interchangeable: DistributedTag is
// used for primitive identities and keeps the exact type name, GenericTag is
// used by Serializer for generic values and uses "__type__" with lower-cased
// names.
//
// The JSON text produced by Dumps matches Python's json.dumps defaults byte
// for byte: ", " and ": " separators, non-ASCII escaped as \uXXXX, mapping
// keys sorted and the envelope tag written before its state.
package codec
