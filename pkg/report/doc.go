// Package report turns executor callbacks into operator-facing output:
// colored console rendering, newline-delimited JSON events, journal
// persistence, metric and span recording, and a subscribable event bus.
// The engine only emits; everything here consumes.
package report
