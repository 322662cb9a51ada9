package l2tp

import (
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

type rollbackStep struct {
	name string
	undo func() error
}

// rollback is a stack of release actions recorded as kernel objects are
// created.  Unwinding runs them newest first and never stops early.
type rollback struct {
	logger log.Logger
	steps  []rollbackStep
}

func newRollback(logger log.Logger) *rollback {
	return &rollback{logger: logger}
}

func (r *rollback) push(name string, undo func() error) {
	r.steps = append(r.steps, rollbackStep{name: name, undo: undo})
}

func (r *rollback) unwind() (errs []error) {
	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		if err := step.undo(); err != nil {
			level.Error(r.logger).Log(
				"message", "release failed",
				"step", step.name,
				"error", err)
			errs = append(errs, err)
		} else {
			level.Debug(r.logger).Log("message", "released", "step", step.name)
		}
	}
	r.steps = nil
	return errs
}
