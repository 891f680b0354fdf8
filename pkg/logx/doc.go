// Package logx is a thin structured-logging facade over zerolog.
//
// It exists so the rest of the codebase logs through a stable, minimal API
// (Logger + Field helpers) while sink wiring (console, file) stays in one
// place and can be re-applied at runtime from config reloads.
package logx
