// Package logx is chanpost's logging layer on top of zerolog.
//
// A Logger is a small value carrying fixed fields. Loggers derived from a
// Service follow its sinks across Apply calls: a readable console writer, a
// JSON file, and a chat sink that forwards warnings to a Telegram chat at a
// bounded rate. The zero Logger discards everything.
package logx
