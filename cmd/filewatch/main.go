// Command filewatch watches a single file, mirrors its contents into a
// shadow file, and logs every append, truncate, and in-place edit it
// observes, optionally streaming the changed bytes or a diff to a
// user-supplied notify command.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/lattice-labs/filewatch/internal/config"
	"github.com/lattice-labs/filewatch/internal/monitorlog"
	"github.com/lattice-labs/filewatch/internal/reconcile"
	"github.com/lattice-labs/filewatch/internal/shadow"
	"github.com/lattice-labs/filewatch/internal/watchevent"
	"github.com/lattice-labs/filewatch/pkg/cerr"
)

func usage() {
	fmt.Fprintf(os.Stderr, "%s [monitor file] [storage file] [log file] (notify command) (diff command)\n", os.Args[0])
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[filewatch] ")

	os.Exit(run())
}

func run() int {
	if len(os.Args) < 4 {
		usage()
		return 1
	}

	// Owner-only permissions on anything this process creates, before
	// the shadow or the log is opened.
	syscall.Umask(0o077)

	targetPath := os.Args[1]
	shadowPath := os.Args[2]
	logPath := os.Args[3]
	var notifyCmd, diffCmd string
	if len(os.Args) > 4 {
		notifyCmd = os.Args[4]
	}
	if len(os.Args) > 5 {
		diffCmd = os.Args[5]
	}

	cfg, err := config.Load()
	if err != nil {
		reportFatal(cerr.New(cerr.Startup, "load configuration", "", err))
		return 1
	}

	source, err := watchevent.Open(targetPath)
	if err != nil {
		reportFatal(cerr.New(cerr.Startup, "open monitor file", targetPath, err))
		return 1
	}
	defer source.Close()

	store, err := shadow.Open(shadowPath)
	if err != nil {
		reportFatal(cerr.New(cerr.Startup, "open storage file", shadowPath, err))
		return 1
	}
	defer store.Close()

	logWriter, err := monitorlog.Open(logPath)
	if err != nil {
		reportFatal(cerr.New(cerr.Startup, "open log file", logPath, err))
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, terminatingSignals()...)
	signal.Ignore(syscall.SIGPIPE)

	go func() {
		sig := <-sigCh
		logWriter.Line("SIGNAL => EXITING")
		_ = logWriter.Close()
		log.Printf("terminated by %v", sig)
		os.Exit(255)
	}()

	engine := reconcile.New(source, store, logWriter, cfg, targetPath, notifyCmd, diffCmd)
	exitCode, err := engine.Run()
	if err != nil {
		_ = logWriter.Close()
		reportFatal(cerr.New(cerr.EventSource, "poll for events", targetPath, err))
		return 1
	}

	_ = logWriter.Close()
	return exitCode
}

func reportFatal(err *cerr.Error) {
	if color.NoColor {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		return
	}
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], red(err.Error()))
}
