// Package scxml is a W3C SCXML 1.0 interpreter: hierarchical and parallel
// states, history, internal and external event queues, delayed sends with
// cancellation, invoked child sessions and cross-session routing through
// Event I/O processors.
//
// Documents are parsed by the reader package into an immutable arena-based
// model; each running Session owns its configuration, queues and data model
// on a single worker goroutine. The bundled expression data model lives in
// the exprmodel package; alternative models (e.g. ECMAScript) plug in via
// RegisterDataModel.
package scxml
