// Extent store daemon.
package main

import (
	"flag"
	"fmt"
	"os"
)

import (
	logging "github.com/op/go-logging"
)

import (
	"github.com/Bipinoli/distributed-file-system/extent"
	"github.com/Bipinoli/distributed-file-system/rpc"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("extentd")
}

func main() {
	var (
		bind      = flag.String("bind", "", "host:port to serve extents on")
		redisAddr = flag.String("redis", "", "back extents with this redis instance instead of memory")
		loglevel  = flag.String("loglevel", "NOTICE", "log level")
	)
	flag.Parse()

	if *bind == "" {
		fmt.Fprintf(os.Stderr, "Usage: %v -bind host:port [-redis host:port]\n", os.Args[0])
		os.Exit(1)
	}
	setupLogging(*loglevel)

	var store extent.Store
	if *redisAddr != "" {
		store = extent.NewRedisStore(*redisAddr)
	} else {
		store = extent.NewMemoryStore()
	}
	if err := store.Start(); err != nil {
		logger.Fatalf("starting store: %v", err)
	}

	server := rpc.NewServer(*bind)
	extent.NewServer(store).RegisterHandlers(server)
	if err := server.Start(); err != nil {
		logger.Fatalf("starting server: %v", err)
	}
	logger.Noticef("extent server up on %v", server.Addr())
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
