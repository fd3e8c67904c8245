// Package logx configures midibot's structured logging.
//
// midibot uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional chat sink (min-level + rate limiting) so the operator sees warnings in chat
//
// The clock goroutine logs at debug level only; keep hot-path logging out of the pulse loop.
package logx
