// Package stream provides the uniform byte transport used between capture,
// transpose and integration units. A Stream is built from a descriptor of the
// form scheme:[host:]target by Create; Holder keeps one lazily connected
// stream alive across reconnects.
package stream
