package main

import (
	"os"
	"syscall"
)

// terminatingSignals lists the catchable fatal signals that route to
// the orderly "SIGNAL => EXITING" handler. SIGPIPE is deliberately
// excluded: a notify or diff child vanishing out from under a write
// must not bring the monitor down, so it is ignored separately.
func terminatingSignals() []os.Signal {
	return []os.Signal{
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGILL,
		syscall.SIGTRAP,
		syscall.SIGABRT,
		syscall.SIGBUS,
		syscall.SIGFPE,
		syscall.SIGSEGV,
		syscall.SIGSYS,
		syscall.SIGALRM,
		syscall.SIGTERM,
		syscall.SIGXCPU,
		syscall.SIGXFSZ,
		syscall.SIGVTALRM,
		syscall.SIGPROF,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
	}
}
