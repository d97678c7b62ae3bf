// Package osutil provides process-level interrupt handling shared by the
// module's cmd/ entry points.
package osutil

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gyuho/fdbcore/pkg/xlog"
)

var logger = xlog.NewLogger("osutil", xlog.INFO)

// InterruptHandler is called on receiving SIGTERM, SIGINT, or SIGQUIT.
type InterruptHandler func()

var (
	mu                sync.Mutex
	interruptHandlers []InterruptHandler
)

// RegisterInterruptHandler registers a handler to run on interrupt.
func RegisterInterruptHandler(s InterruptHandler) {
	mu.Lock()
	interruptHandlers = append(interruptHandlers, s)
	mu.Unlock()
}

// WaitForInterruptSignals registers for sigs and, in a background
// goroutine, runs every registered handler and re-raises the signal
// against this process once one arrives. It returns immediately.
func WaitForInterruptSignals(sigs ...os.Signal) {
	notifier := make(chan os.Signal, 1)
	signal.Notify(notifier, sigs...)

	go func() {
		sig := <-notifier

		mu.Lock()
		copied := make([]InterruptHandler, len(interruptHandlers))
		copy(copied, interruptHandlers)
		mu.Unlock()

		logger.Warningf("received %v signal, shutting down...", sig)
		for _, ihFunc := range copied {
			ihFunc()
		}

		signal.Stop(notifier)

		pid := syscall.Getpid()
		if pid == 1 {
			os.Exit(0)
		}

		logger.Warningf("sending syscall.Kill %s to PID %d", sig, pid)
		syscall.Kill(pid, sig.(syscall.Signal))
		logger.Warningf("sent syscall.Kill %s to PID %d", sig, pid)
	}()
}
