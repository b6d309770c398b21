// Package audit keeps the append-only trail of rule mutations, conflicts
// and emergency pushes.
//
// A Recorder accepts records without blocking the caller and drains them
// into a Sink from a background worker:
//
//	store change / conflict / emergency push
//	     ↓
//	Recorder (async, bounded buffer)
//	     ↓
//	Sink (MemorySink or SQLiteSink)
//
// Records carry the Lamport timestamp of the event they describe, so
// records collected from several nodes can be put in one global order.
package audit
