// Package dataflow connects work units through typed data buffers.
//
// A DataManager owns a unit's indexed inputs and outputs. Inputs with the
// auto trigger are filled before each Process call; outputs with the auto
// trigger are released after it. Units that disable a trigger drive that
// index themselves with Receive and ReadyWithOutHolder. Each output is sent
// by its own goroutine with at most one transfer in flight.
package dataflow
