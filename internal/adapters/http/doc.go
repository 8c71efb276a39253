// Package http serves the replicator management operations as a JSON API
// on a chi router, with the Prometheus registry exposed on /metrics.
//
// Command outcomes map onto status codes: an event not valid in the current
// state answers 409, a rolled back precondition 422, a fatal fault 500 and
// a stopped controller 503. Error bodies carry the message and the cause
// chain.
package http
