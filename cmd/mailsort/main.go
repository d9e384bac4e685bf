package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tracyhatemice/mailsort/internal/config"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage()
		return exitUsage
	}

	command, rest := args[0], args[1:]
	switch command {
	case "monitor":
		return handleMonitor(rest)
	case "sweep":
		return handleSweep(rest)
	case "list":
		return handleList(rest)
	case "check-config":
		return handleCheckConfig(rest)
	case "set-password":
		return handleSetPassword(rest)
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		return exitUsage
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `mailsort sorts mail on an IMAP server into folders by rules

Usage:
  mailsort <command> [options]

Commands:
  monitor       Watch a folder and sort new mail as it arrives
  sweep         Sort the mail already in one or all folders
  list          List the folders on the server
  check-config  Validate the configuration without connecting
  set-password  Store the account password in the system keyring
  help          Show this help message

Examples:
  mailsort monitor -config config.yaml
  mailsort monitor -config config.yaml -unseen=false
  mailsort sweep -config config.yaml -all -exclude Trash,Junk
  mailsort sweep -config config.yaml -folder INBOX -unseen -dry-run
  echo "$PASSWORD" | mailsort set-password -config config.yaml

Use 'mailsort <command> -help' for more information about a command.
`)
}

// loadConfig loads the configuration named by the -config flag and builds
// the logger from it.
func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, setupLogger(cfg.LogLevel), nil
}

// signalContext is cancelled on SIGINT or SIGTERM. A second signal exits
// immediately.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		// Force exit on second signal.
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(exitError)
	}()
	return ctx, cancel
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
