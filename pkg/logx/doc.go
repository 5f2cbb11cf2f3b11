// Package logx configures courier's structured logging.
//
// A small value type (logx.Logger) wraps zerolog so components can carry an
// injected logger without touching process-wide state:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - A bounded in-memory buffer keeps the most recent entries for operators
//     (min-level + rate limited), exposed through Service.Recent
package logx
