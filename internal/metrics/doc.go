// Package metrics records latency samples for the task processor and the
// provider router.
//
// Histogram keeps a bounded window of the most recent samples and answers
// percentile queries over it; it is the source of truth for the percentiles
// the engine reports about itself. A Sink optionally forwards every sample
// to an external system (OpenTelemetry via OTelSink). Recorder ties the two
// together. There are no package-level collectors: every component owns its
// own instances so that several pools and routers can coexist.
package metrics
