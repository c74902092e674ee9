// Lock service daemon.
//
// The first node of a deployment is started with -me equal to
// -master (or with -master omitted) and seeds the initial view;
// every further node names the master and joins through it.
package main

import (
	"flag"
	"fmt"
	"os"
)

import (
	"github.com/cactus/go-statsd-client/statsd"
	logging "github.com/op/go-logging"
)

import (
	"github.com/Bipinoli/distributed-file-system/lock"
	"github.com/Bipinoli/distributed-file-system/rsm"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("lockd")
}

func main() {
	var (
		master     = flag.String("master", "", "address of the deployment's first node; defaults to -me")
		me         = flag.String("me", "", "host:port to bind and identify as")
		logdir     = flag.String("logdir", ".", "directory for the paxos log")
		statsdAddr = flag.String("statsd", "", "statsd endpoint for metrics, disabled when empty")
		loglevel   = flag.String("loglevel", "NOTICE", "log level")
	)
	flag.Parse()

	if *me == "" {
		fmt.Fprintf(os.Stderr, "Usage: %v -me host:port [-master host:port]\n", os.Args[0])
		os.Exit(1)
	}
	if *master == "" {
		*master = *me
	}
	setupLogging(*loglevel)

	r, err := rsm.New(*master, *me, *logdir)
	if err != nil {
		logger.Fatalf("starting rsm: %v", err)
	}
	ls := lock.NewServer(r, r.Config().Server())

	if *statsdAddr != "" {
		stats, err := statsd.NewClient(*statsdAddr, "lockd")
		if err != nil {
			logger.Fatalf("connecting statsd: %v", err)
		}
		r.SetStats(stats)
		ls.SetStats(stats)
	}

	if err := r.Start(); err != nil {
		logger.Fatalf("starting node: %v", err)
	}
	logger.Noticef("lock service node %v up, master %v", *me, *master)
	select {}
}

func setupLogging(level string) {
	format := logging.MustStringFormatter(
		"%{time:15:04:05.000} %{module} %{level} %{message}")
	backend := logging.NewBackendFormatter(logging.NewLogBackend(os.Stderr, "", 0), format)
	logging.SetBackend(backend)

	logLevel, err := logging.LogLevel(level)
	if err != nil {
		logLevel = logging.NOTICE
	}
	logging.SetLevel(logLevel, "")
}
