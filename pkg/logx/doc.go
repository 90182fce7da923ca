// Package logx configures wavecast's structured logging.
//
// logx.Logger is a small value-type wrapper on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional ops-chat sink (min-level + rate limiting) that forwards
//     warnings to a Telegram chat through the transport adapter
package logx
