// Package logx configures termsync's structured logging.
//
// It wraps zerolog in a small value type (logx.Logger) so components can carry
// fixed fields ("comp", "run", ...) without depending on zerolog directly:
//   - Console output is human readable (short timestamp + short caller)
//   - File output is JSON, one event per line
//
// Credentials must never be passed to a Logger; secrets.Set redacts itself
// when formatted, which keeps accidental logging of the whole set safe.
package logx
