// Package clog provides the single log15.Logger root the rest of the module
// derives its per-component loggers from, plus the file-handler wiring the
// teacher's own jobqueue/scheduler/kubernetes.go uses for diagnostic logs
// (github.com/inconshreveable/log15 + the teacher's own github.com/sb10/l15h
// handler helpers).
package clog

import (
	"os"

	"github.com/inconshreveable/log15"
	"github.com/sb10/l15h"
)

var root = log15.New()

func init() {
	root.SetHandler(log15.StreamHandler(os.Stderr, log15.TerminalFormat()))
}

// New returns a logger scoped to component, inheriting the root's handler.
func New(component string) log15.Logger {
	return root.New("component", component)
}

// AddFileHandler additionally logs everything at or above minLvl to path,
// in logfmt, alongside whatever handler is already attached — the same
// multi-handler pattern jobqueue/scheduler/kubernetes.go uses for its own
// diagnostic file.
func AddFileHandler(logger log15.Logger, path string, minLvl log15.Lvl) error {
	fh, err := log15.FileHandler(path, log15.LogfmtFormat())
	if err != nil {
		return err
	}
	l15h.AddHandler(logger, log15.LvlFilterHandler(minLvl, fh))
	return nil
}

// SetRootHandler replaces the root handler every New()-derived logger
// inherits (for switching to JSON logging, a quieter level, or a log file;
// none of the cmd/ entrypoints calls it).
func SetRootHandler(h log15.Handler) {
	root.SetHandler(h)
}
