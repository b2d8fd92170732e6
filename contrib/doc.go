// Package contrib holds packages built on top of the firesync public
// surface that are not part of the core library.
//
// [github.com/firesync/firesync.go/contrib/wsrelay] fans a collection's
// events out to WebSocket clients, encoded as JSON or CBOR frames.
// [github.com/firesync/firesync.go/contrib/natssink] publishes them to NATS
// subjects.
//
// Note that this package is outside of the backward compatibility guarantees
// of the core packages. Changes here may break without following semantic
// versioning.
package contrib
