// Package logx is chatty's structured logging: a small value-type Logger on
// zerolog with a Service that can swap level and sinks at runtime.
//
// Console output is human readable with a file:line caller. The optional
// file sink is JSON lines. The zero Logger discards, so components take a
// Logger by value and never nil-check it.
package logx
