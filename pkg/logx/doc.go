// Package logx configures trackbot's structured logging.
//
// logx.Logger wraps zerolog with:
//   - readable console output (short timestamp, file:line caller)
//   - an optional JSON file sink
//   - an optional chat sink (min level + rate limit) for operator alerts
package logx
