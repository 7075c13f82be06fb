package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/darkyzhou/seele/interactive/cmd/interactive/entities"
	"github.com/darkyzhou/seele/interactive/cmd/interactive/execute"
	"github.com/sirupsen/logrus"
)

const usage = "Usage: interactive <report-fd> <wall-time-limit-seconds> <validator-argv...> ; <submission-argv...>"

func init() {
	if os.Getenv("INTERACTIVE_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	logrus.SetOutput(os.Stderr)
}

func main() {
	config, err := entities.LoadConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		logrus.WithError(err).Fatal(usage)
	}

	// A broken report pipe must surface as an error, not kill us. A handled
	// SIGPIPE is reset to the default disposition in the children on exec.
	signal.Notify(make(chan os.Signal, 1), syscall.SIGPIPE)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	result, err := execute.Execute(ctx, config)
	if err != nil {
		logrus.WithError(err).Fatal("Error running the interactive session")
	}

	if err := execute.WriteReport(config.ReportFd, result, config.StatusEncoding); err != nil {
		logrus.WithError(err).Fatal("Error reporting the result")
	}
}
