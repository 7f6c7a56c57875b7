// Package logx is tgrelay's structured logging: a small Logger over zerolog
// with a reconfigurable Service behind it.
//
// Sinks: a readable console writer, a size-rotated JSON file (lumberjack),
// and an optional Telegram mirror that forwards warnings and errors to a log
// chat through the destination bot, rate limited.
package logx
