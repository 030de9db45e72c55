// Package httprpc bridges the line protocol onto plain HTTP: each POST
// body is one JSON request object and the response body is the matching
// envelope.
//
// Internally every request becomes a short-lived engine connection, so
// the dispatch semantics, including the exact error strings, are the
// same as on the stream transports. A request that would produce an
// envelope on a socket produces that envelope here with status 200;
// HTTP-level status codes are reserved for transport concerns
// (unsupported media type, authentication, oversized bodies).
//
// Characteristics:
//   - One request object per POST; no pipelining, no batching.
//   - Optional bearer token authentication with RFC 6750 challenges.
//   - Serves OAuth protected resource metadata under /.well-known when
//     the authenticator can describe its policy.
package httprpc
