// Package workqueue decouples device event ingestion from processing.
//
// Producers (OS backends) append requests with Enqueue, which never blocks beyond a
// short critical section. A single worker goroutine drains the list in FIFO order and
// hands each request to the configured handler. Stop either drains the list or
// discards whatever has not been picked up yet.
package workqueue
