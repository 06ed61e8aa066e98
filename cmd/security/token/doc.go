// Package token checks static bearer tokens presented to the control API and the status feed.
//
// Comparison hashes both sides with SHA-256 first so it is constant-time regardless of the
// presented token's length.
//
// Environment:
// - WAGATE_API_TOKEN: when set, every API request and feed upgrade must present it.
package token
