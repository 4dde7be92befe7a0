// Package jwt manages token issuance and verification for session and
// two-factor challenge tokens, using configured signing keys and strict
// validation semantics suitable for low-latency authentication paths.
package jwt
