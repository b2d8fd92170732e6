// The [firesync] package keeps local views of document database queries in
// sync with the server, over the gRPC RunQuery and Listen streams.
//
// # Repositories and Collections
//
// A [Repository] owns the client connection and the resources shared by its
// collections: logger, metrics collector and checkpoint store. Build one from
// a [Config] with [New], or wrap an existing client with [FromClient].
//
// [NewCollection] creates a [github.com/firesync/firesync.go/pkg/subscription.Collection]
// for a query and a converter. A collection is paused until a handler is
// registered with On. The first activation runs a bulk RunQuery, then hands
// over to a resumable Listen; pausing keeps the view and the cursor so the
// next activation only transfers what changed.
//
// # Converters
//
// A [github.com/firesync/firesync.go/pkg/models.Converter] maps wire documents
// to the caller's type. Returning ok == false reports a document as absent,
// which collections treat as a deletion. [github.com/firesync/firesync.go/pkg/filter]
// builds such converters from CEL expressions.
//
// # Resilience
//
// Stream faults restart the stream after an exponential backoff with jitter
// (see [github.com/firesync/firesync.go/pkg/backoff]) and surface as warning
// events. After too many consecutive faults the collection stops and emits an
// error event.
//
// # Contrib
//
// The [github.com/firesync/firesync.go/contrib] directory holds consumers of
// the event surface: a WebSocket relay and a NATS sink.
package firesync
