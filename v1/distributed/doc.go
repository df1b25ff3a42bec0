// Package distributed provides cross-process coordination primitives built on
// a shared key-value store and a publish/subscribe bus: Counter, Queue, Event
// and Lock.
//
// Primitives are lightweight values bound to a Client. Two primitives of the
// same type constructed with the same key denote the same logical object,
// whichever process or language created them. Store keys have the form
//
//	<prefix>:<namespace>:<key>
//
// where prefix defaults to "distributed" and namespace to the lower-cased type
// name. When no key is given one is minted from a shared counter, so every
// auto-keyed primitive in the system receives a distinct key.
//
// Primitives are also codec.Serializable: their identity travels as
//
//	{"__distributed_type__": "Lock", "state": {"key": "test"}}
//
// and Client.Loads binds the decoded primitive back to the client.
package distributed
