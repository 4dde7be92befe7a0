// Package internal contains helper utilities that are intentionally private
// to authcore, including secure random generation and opaque token encoding.
//
// # Sub-packages
//
//   - audit — async security event dispatch (Dispatcher + Sink implementations)
//   - metrics — lock-free outcome counters
//
// # What this package must NOT do
//
//   - Export types that appear in the public authcore API.
//   - Be imported by any package outside the authcore module.
package internal
