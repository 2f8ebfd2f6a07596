// Package fetch downloads message resources to local files.
//
// A Fetcher consults the resource cache first, then performs a bounded
// number of HTTP attempts with exponential backoff. Only transient failures
// (timeouts, connection errors, 5xx, 408, 429) are retried; everything else
// fails immediately with a permanent *FetchError.
package fetch
