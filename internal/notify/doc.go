// Package notify fans domain events out to live listeners and other sinks.
//
// Producers call Hub.Broadcast, which never blocks: events go into a bounded
// buffer and are dropped when it is full. A background goroutine batches the
// buffer by size or time and hands each batch to every Sink in order. Close
// drains the buffer, flushes, and closes the sinks.
package notify
