// Package protocol owns wire contract and parsing primitives.
//
// Ownership boundary:
// - frame: board header encode/decode
// - tlv: typed field primitives for dataflow messages
// - schema: required fields per dataflow message
// - fatal error classification shared by every layer
package protocol
