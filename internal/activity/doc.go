// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

// Package activity implements the in-process activity-logging pipeline.
//
// Producers call [Logger.Log] or [Logger.Enqueue] from request handlers. The
// call never blocks: the event is validated, pushed onto a bounded ring buffer
// that evicts its oldest entry when full, and the call returns. A single
// consumer goroutine drains the buffer in batches, either on a fixed interval
// or as soon as the buffer reaches its flush threshold, and hands each batch
// to a [Writer] under a deadline. Write outcomes drive a [Breaker]; while the
// breaker is open new events are rejected at enqueue and no writes are made.
//
// Delivery is best-effort. A batch whose write fails is counted and
// discarded, never re-enqueued.
package activity
