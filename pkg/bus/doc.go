// Package bus implements the in-process publish/subscribe dispatcher
// routing envelopes by recipient topic, with an optional bridge that
// mirrors published envelopes to an external Redis broker.
//
// Ordering: for a single (publisher, topic) pair envelopes are delivered
// in publish order. No ordering is guaranteed across topics or
// publishers.
package bus
