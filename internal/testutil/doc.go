// Package testutil contains helper fakes and builders used across tests to
// reduce boilerplate when constructing capability providers and asserting
// orchestration behaviors. The providers are deterministic so tests can
// script failure-then-success sequences. They are not intended for
// production usage.
package testutil
