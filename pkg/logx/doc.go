// Package logx configures geopub's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp and caller) and file output JSON-structured.
// An optional remote sink forwards warnings to an operator channel with a
// minimum level and a rate limit.
package logx
