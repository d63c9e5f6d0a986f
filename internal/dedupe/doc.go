// Package dedupe remembers recently accepted request keys so a replayed
// JSON-RPC request on the same connection can be rejected.
package dedupe
