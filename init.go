package rtld

import (
	"github.com/go-kit/log/level"

	"github.com/sliverarmory/rtld/svc"
)

// CallInitializers runs each module's DT_INIT in constructor order: the
// reverse of discovery, so the loader and the first-found modules run last.
// A second call does nothing.
func (linker *Linker) CallInitializers() {
	if linker.initialized {
		return
	}
	linker.initialized = true

	for object := range linker.autoLoad.Reverse() {
		if object.Init == 0 || linker.invoke == nil {
			continue
		}
		level.Debug(linker.logger).Log("msg", "calling initializer", "entry", hex(object.Init))
		linker.invoke(object.Init)
	}
}

// CallFinalizers runs each module's DT_FINI in discovery order. It runs at
// most once.
func (linker *Linker) CallFinalizers() {
	if linker.finalized {
		return
	}
	linker.finalized = true

	for object := range linker.autoLoad.Discovery() {
		if object.Fini == 0 || linker.invoke == nil {
			continue
		}
		level.Debug(linker.logger).Log("msg", "calling finalizer", "entry", hex(object.Fini))
		linker.invoke(object.Fini)
	}
}

func (linker *Linker) NotifyExceptionHandlerReady() { linker.exceptionHandlerReady = true }

func (linker *Linker) ExceptionHandlerReady() bool { return linker.exceptionHandlerReady }

// HandleException forwards to the user handler once it is installed and
// ready; otherwise the exception is returned to the kernel as unhandled.
func (linker *Linker) HandleException(kind uint32) {
	if linker.exceptionHandlerReady && linker.exceptionHandler != nil {
		linker.exceptionHandler(kind)
		return
	}
	level.Warn(linker.logger).Log("msg", "unhandled exception", "kind", kind)
	linker.kernel.ReturnFromException(svc.ResultUnhandledException)
}
