// Package gateway exposes the switchboard control plane over HTTP.
//
// All endpoints speak JSON. Admission outcomes (lock conflicts, rate-limit
// denials, operation blocks) are 200 responses with allowed=false and a
// structured explanation; HTTP error codes are reserved for malformed
// requests, missing entities, and internal failures. An in-memory per-client
// guard sits in front of every route to protect the API surface itself.
package gateway
