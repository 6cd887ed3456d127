// Package logging provides the leveled, structured logger shared by every
// linkmesh component.
package logging

import (
	"go.uber.org/zap"
)

// New builds a development-friendly sugared logger. Callers that need
// production JSON output should build their own zap.Config instead.
func New() *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
