package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tracyhatemice/mailsort/internal/config"
	"github.com/tracyhatemice/mailsort/internal/credential"
	"github.com/tracyhatemice/mailsort/internal/mailbox"
	"github.com/tracyhatemice/mailsort/internal/metrics"
	"github.com/tracyhatemice/mailsort/internal/rules"
	"github.com/tracyhatemice/mailsort/internal/sorter"
)

func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, false
		}
		return exitUsage, false
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Error: unexpected arguments: %s\n\n", strings.Join(fs.Args(), " "))
		fs.Usage()
		return exitUsage, false
	}
	return exitOK, true
}

func handleMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	folder := fs.String("folder", "", "folder to watch (overrides options.target_folder)")
	dryRun := fs.Bool("dry-run", false, "log relocations instead of performing them")
	unseen := fs.Bool("unseen", true, "only sort new messages that are unseen (overrides options.monitor_search UNSEEN)")
	createFolders := fs.Bool("create-folders", true, "create missing destination folders")
	metricsAddr := fs.String("metrics-addr", "", "address to serve Prometheus metrics on")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	o := &cfg.Options
	if *folder != "" {
		o.TargetFolder = *folder
	}
	if isFlagSet(fs, "dry-run") {
		o.DryRun = *dryRun
	}
	if isFlagSet(fs, "unseen") {
		o.MonitorSearch = unseenKeys(o.GetMonitorSearch(), *unseen)
	}
	if isFlagSet(fs, "create-folders") {
		o.CreateFolders = createFolders
	}
	if isFlagSet(fs, "metrics-addr") {
		o.MetricsAddr = *metricsAddr
	}

	if err := cfg.RequireRules(); err != nil {
		logger.Error("cannot monitor", "error", err)
		return exitError
	}
	warnUnsupported(logger, cfg.RuleSets)

	criteria, err := o.MonitorCriteria()
	if err != nil {
		logger.Error("invalid monitor search", "error", err)
		return exitError
	}
	kinds, err := o.EventKinds()
	if err != nil {
		logger.Error("invalid events", "error", err)
		return exitError
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	if o.MetricsAddr != "" {
		go metrics.Serve(ctx, o.MetricsAddr, logger)
	}

	err = withSorter(ctx, cfg, logger, func(s *sorter.Sorter) error {
		return s.Watch(ctx, o.GetTargetFolder(), kinds, criteria)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("monitor stopped", "error", err)
		return exitError
	}
	logger.Info("mailsort stopped")
	return exitOK
}

func handleSweep(args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	folder := fs.String("folder", "", "folder to sort (overrides options.target_folder)")
	all := fs.Bool("all", false, "sort every folder")
	exclude := fs.String("exclude", "", "comma separated folders to skip with -all")
	unseen := fs.Bool("unseen", false, "only sort unseen messages")
	dryRun := fs.Bool("dry-run", false, "log relocations instead of performing them")
	createFolders := fs.Bool("create-folders", true, "create missing destination folders")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *all && *folder != "" {
		fmt.Fprintf(os.Stderr, "Error: -all and -folder are mutually exclusive\n\n")
		fs.Usage()
		return exitUsage
	}

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	o := &cfg.Options
	if *folder != "" {
		o.TargetFolder = *folder
	}
	if isFlagSet(fs, "exclude") {
		o.ExcludeFolders = splitList(*exclude)
	}
	if isFlagSet(fs, "unseen") {
		o.Search = unseenKeys(o.Search, *unseen)
	}
	if isFlagSet(fs, "dry-run") {
		o.DryRun = *dryRun
	}
	if isFlagSet(fs, "create-folders") {
		o.CreateFolders = createFolders
	}

	if err := cfg.RequireRules(); err != nil {
		logger.Error("cannot sweep", "error", err)
		return exitError
	}
	warnUnsupported(logger, cfg.RuleSets)

	criteria, err := o.SearchCriteria()
	if err != nil {
		logger.Error("invalid search", "error", err)
		return exitError
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	err = withSorter(ctx, cfg, logger, func(s *sorter.Sorter) error {
		if *all {
			return s.SweepAll(ctx, o.ExcludeFolders, criteria)
		}
		return s.Sweep(ctx, o.GetTargetFolder(), criteria)
	})
	if err != nil {
		logger.Error("sweep failed", "error", err)
		return exitError
	}
	logger.Info("sweep finished")
	return exitOK
}

func handleList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	err = withSession(ctx, cfg, logger, func(session *mailbox.Session) error {
		folders, err := session.ListFolders()
		if err != nil {
			return err
		}
		for _, name := range folders {
			fmt.Println(name)
		}
		return nil
	})
	if err != nil {
		logger.Error("list failed", "error", err)
		return exitError
	}
	return exitOK
}

func handleCheckConfig(args []string) int {
	fs := flag.NewFlagSet("check-config", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	if err := cfg.RequireRules(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	warnUnsupported(logger, cfg.RuleSets)

	fmt.Println("OK")
	return exitOK
}

func handleSetPassword(args []string) int {
	fs := flag.NewFlagSet("set-password", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}

	password, err := readPassword(os.Stdin)
	if err != nil {
		logger.Error("failed to read password", "error", err)
		return exitError
	}

	key := cfg.Server.KeyringKey()
	if err := credential.Set(key, password); err != nil {
		logger.Error("failed to store password", "key", key, "error", err)
		return exitError
	}
	logger.Info("password stored in keyring", "key", key)
	return exitOK
}

// withSession dials the configured server and closes the session when fn
// returns, committing pending deletions.
func withSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(*mailbox.Session) error) error {
	password, err := credential.Resolve(cfg.Server)
	if err != nil {
		return fmt.Errorf("resolve password: %w", err)
	}

	opts := cfg.Server.MailboxOptions(password)
	logger.Info("connecting", "host", opts.Host, "port", opts.Port, "security", opts.Security)
	session, err := mailbox.Dial(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("failed to close session", "error", err)
		}
	}()

	return fn(session)
}

// withSorter runs fn with a sorter over a fresh session, provisioning the
// destination folders first when enabled.
func withSorter(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(*sorter.Sorter) error) error {
	o := &cfg.Options
	return withSession(ctx, cfg, logger, func(session *mailbox.Session) error {
		s := sorter.New(session, cfg.RuleSets, sorter.Options{
			DryRun: o.DryRun,
			Policy: o.Policy(),
		}, logger)
		if o.GetCreateFolders() {
			if err := s.ProvisionDestinations(ctx); err != nil {
				return err
			}
		}
		return fn(s)
	})
}

func warnUnsupported(logger *slog.Logger, sets []rules.RuleSet) {
	for _, set := range sets {
		for _, field := range set.Rule.UnsupportedFields() {
			logger.Warn("rule uses a field that cannot be evaluated, matching messages will stop processing",
				"destination", set.Destination,
				"field", field.String(),
			)
		}
	}
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}

// unseenKeys returns keys with UNSEEN added or removed. Nothing left
// means ALL.
func unseenKeys(keys []string, unseen bool) []string {
	out := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		if !strings.EqualFold(strings.TrimSpace(key), "UNSEEN") {
			out = append(out, key)
		}
	}
	if unseen {
		out = append(out, "UNSEEN")
	}
	if len(out) == 0 {
		out = append(out, "ALL")
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
