// Package netclient performs the network requests a sandboxed sample makes:
// navigation, fetch, XMLHttpRequest, form submissions and subresource loads.
//
// The live client is resty over the retryablehttp pooled transport, rate
// limited with x/time/rate and guarded by a circuit breaker per host.
// Offline mode answers everything with an empty 200 for air-gapped runs.
package netclient
