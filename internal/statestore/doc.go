// Package statestore persists serialized connection state.
//
// Three backends are available:
//   - File: a local file, written atomically with 0600 permissions
//   - Env: an environment variable, read-only
//   - Keyring: the OS credential store (macOS Keychain, Windows Credential
//     Manager, Linux Secret Service)
//
// Refreshable connections rotate their refresh token and therefore need a
// writable backend. A static access token can be read from any backend.
package statestore
