// Package logx is a thin structured-logging layer over zerolog.
//
// Components receive a Logger value; the zero value is a safe no-op.
// The Service owns sinks and level and can swap them at runtime, so loggers
// handed out at bootstrap stay live across config reloads.
package logx
