// Command neardata-server runs the read-only block-retrieval HTTP façade:
// a single process playing one of fresh/latest/archive-slice roles per its
// environment configuration.
package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// Version is set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

func main() {
	os.Exit(realMain())
}

func realMain() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(newLogWriter()).With().Timestamp().Logger()
	ctx = logger.WithContext(ctx)

	cmd := newCommand()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Printf("error running the application: %s", err)

		return 1
	}

	return 0
}

// newLogWriter picks a console writer for an interactive terminal and raw
// JSON lines otherwise, the same split the teacher's cmd.go Before hook
// makes on stdout.
func newLogWriter() io.Writer {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return os.Stdout
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "neardata-server",
		Usage:   "read-only HTTP façade over cached and archived NEAR blocks",
		Version: Version,
		Commands: []*cli.Command{
			serveCommand,
		},
	}
}
