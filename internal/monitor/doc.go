// Package monitor implements page change detection for chat channels.
//
// A Registry holds the tracked (channel, URL) pairs and the last known
// fingerprint of each page: the href of the first anchor in the document.
// Every mutation is mirrored to a Store as a full JSON snapshot. A Scheduler
// walks the registry on a fixed interval, re-extracts each fingerprint and
// hands a ChangeEvent to the Sink whenever it differs from the stored one.
//
// Delivery is at-least-once: the new fingerprint is persisted before the
// event reaches the Sink, and a failed fetch is simply retried on the next tick.
package monitor
