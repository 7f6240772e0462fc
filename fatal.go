package rtld

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/go-kit/log/level"

	"github.com/sliverarmory/rtld/module"
	"github.com/sliverarmory/rtld/svc"
)

// FatalReason classifies an unrecoverable loader condition.
type FatalReason int

const (
	FatalBadMagic FatalReason = iota + 1
	FatalEntrySize
	FatalPLTRelType
	FatalTrampolineMismatch
	FatalQueryMemory
	FatalMemoryAccess
	FatalUnknownModule
	FatalPLTIndex
)

func (reason FatalReason) String() string {
	switch reason {
	case FatalBadMagic:
		return "bad_magic"
	case FatalEntrySize:
		return "entry_size"
	case FatalPLTRelType:
		return "plt_rel_type"
	case FatalTrampolineMismatch:
		return "trampoline_mismatch"
	case FatalQueryMemory:
		return "query_memory"
	case FatalMemoryAccess:
		return "memory_access"
	case FatalUnknownModule:
		return "unknown_module"
	case FatalPLTIndex:
		return "plt_index"
	default:
		return fmt.Sprintf("FatalReason(%d)", int(reason))
	}
}

// HaltFunc stops the process. It must not return; if it does the calling
// goroutine parks forever.
type HaltFunc func(reason FatalReason, err error)

// spin parks the calling goroutine for good. The pending timer keeps the
// runtime from reporting a deadlock when nothing else is running.
func spin(FatalReason, error) {
	for {
		time.Sleep(time.Hour)
	}
}

func classify(err error) FatalReason {
	switch {
	case errors.Is(err, module.ErrBadMagic):
		return FatalBadMagic
	case errors.Is(err, module.ErrEntrySize):
		return FatalEntrySize
	case errors.Is(err, module.ErrPLTRelType):
		return FatalPLTRelType
	default:
		return FatalMemoryAccess
	}
}

// fatal never returns.
func (linker *Linker) fatal(reason FatalReason, err error) {
	level.Error(linker.logger).Log("msg", "unrecoverable loader error", "reason", reason, "err", err)
	linker.metrics.Fatal.WithLabelValues(reason.String()).Inc()
	linker.kernel.Break(svc.BreakReasonPanic, 0, 0)
	linker.halt(reason, err)
	spin(reason, err)
}

// must halts on err, classifying it by the sentinel it wraps.
func (linker *Linker) must(err error) {
	if err != nil {
		linker.fatal(classify(err), err)
	}
}

// FatalError is the halt a Supervisor observed.
type FatalError struct {
	Reason FatalReason
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("rtld: fatal %s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Supervisor lets a hosted caller survive a halt. Configure the linker with
// Halt set to Supervisor.Halt and drive it through Do: a halt ends the
// goroutine running fn and Do returns the FatalError.
type Supervisor struct {
	fatal *FatalError
}

// Halt records the failure and exits the calling goroutine.
func (s *Supervisor) Halt(reason FatalReason, err error) {
	s.fatal = &FatalError{Reason: reason, Err: err}
	runtime.Goexit()
}

// Do runs fn on a new goroutine and waits for it.
func (s *Supervisor) Do(fn func()) error {
	s.fatal = nil
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	<-done
	if s.fatal != nil {
		return s.fatal
	}
	return nil
}
