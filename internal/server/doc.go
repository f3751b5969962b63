// Package server hosts the Fiber HTTP front end that exposes the cache over
// HTTP. Every configured namespace is bound to a Host; a request is resolved
// to its namespace by the Host header, the decoded path is looked up in that
// namespace and the matching blob is streamed back with its length, MIME type
// and MD5. Unknown hosts and unknown names answer 404 with a JSON error body.
// Diagnostics live under /-/ and bypass Host routing.
package server
