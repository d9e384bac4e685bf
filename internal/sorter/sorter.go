// Package sorter applies rule sets to messages and moves each match to
// its destination folder.
package sorter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/emersion/go-imap/v2"

	"github.com/tracyhatemice/mailsort/internal/mailbox"
	"github.com/tracyhatemice/mailsort/internal/message"
	"github.com/tracyhatemice/mailsort/internal/metrics"
	"github.com/tracyhatemice/mailsort/internal/monitor"
	"github.com/tracyhatemice/mailsort/internal/rules"
)

// Session is the mailbox session a Sorter drives.
type Session interface {
	monitor.Session
	ListFolders() ([]string, error)
	EnsureFolder(name string) (bool, error)
	FetchHeader(folder string, uid imap.UID) (*message.Message, error)
	Relocate(src string, uid imap.UID, dst string) (mailbox.RelocateResult, error)
	Release(folder string) error
}

// Options tune a Sorter.
type Options struct {
	DryRun bool
	Policy monitor.Policy
}

// Sorter evaluates messages against the rule sets.
type Sorter struct {
	session  Session
	ruleSets []rules.RuleSet
	opts     Options
	logger   *slog.Logger
}

// New creates a Sorter.
func New(session Session, ruleSets []rules.RuleSet, opts Options, logger *slog.Logger) *Sorter {
	return &Sorter{
		session:  session,
		ruleSets: ruleSets,
		opts:     opts,
		logger:   logger,
	}
}

// EvaluateAndRelocate fetches the header of message uid once and checks
// it against every rule set in order. Each matching rule set relocates the
// message, so a message matching several rule sets is copied to each of
// their destinations. The folder is released afterwards.
func (s *Sorter) EvaluateAndRelocate(ctx context.Context, folder string, uid imap.UID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := s.session.FetchHeader(folder, uid)
	if err != nil {
		var ferr *mailbox.FetchError
		if errors.As(err, &ferr) {
			metrics.FetchErrors.WithLabelValues(folder).Inc()
		}
		return err
	}
	metrics.MessagesEvaluated.WithLabelValues(folder).Inc()

	logger := s.logger.With("folder", folder, "uid", uid)
	logger.Debug("evaluating message", "from", msg.From, "subject", msg.Subject)

	for _, rs := range s.ruleSets {
		matched, err := rs.Matches(msg)
		if err != nil {
			return fmt.Errorf("evaluate rules for %s: %w", rs.Destination, err)
		}
		if !matched {
			continue
		}
		metrics.RuleMatches.WithLabelValues(rs.Destination).Inc()

		if s.opts.DryRun {
			metrics.Relocations.WithLabelValues(rs.Destination, "dry_run").Inc()
			logger.Info("dry run, message not moved", "destination", rs.Destination, "subject", msg.Subject)
			continue
		}

		result, err := s.session.Relocate(folder, uid, rs.Destination)
		if err != nil {
			return err
		}
		metrics.Relocations.WithLabelValues(rs.Destination, result.String()).Inc()
		if result == mailbox.Skipped {
			logger.Info("message already in destination, skipped", "destination", rs.Destination)
			continue
		}
		logger.Info("message moved", "destination", rs.Destination, "subject", msg.Subject)
	}

	return s.session.Release(folder)
}

// Sweep evaluates every message in folder matching criteria. A failed
// search or fetch backs off and is retried, resuming at the failing
// message; failures are counted over the whole sweep.
func (s *Sorter) Sweep(ctx context.Context, folder string, criteria *imap.SearchCriteria) error {
	if criteria == nil {
		criteria = &imap.SearchCriteria{}
	}

	retries := 0
	var uids []imap.UID
	for {
		var err error
		uids, err = s.session.SearchUIDs(folder, criteria)
		if err == nil {
			break
		}
		if err := s.backoff(ctx, folder, &retries, err); err != nil {
			return err
		}
	}
	s.logger.Info(fmt.Sprintf("found %d message(s)", len(uids)), "folder", folder)

	for i := 0; i < len(uids); {
		err := s.EvaluateAndRelocate(ctx, folder, uids[i])
		if err == nil {
			i++
			continue
		}
		if err := s.backoff(ctx, folder, &retries, err); err != nil {
			return err
		}
	}
	return nil
}

// backoff returns err unless it is a *mailbox.FetchError with retries
// left, in which case it waits out the policy backoff and returns nil.
func (s *Sorter) backoff(ctx context.Context, folder string, retries *int, err error) error {
	var ferr *mailbox.FetchError
	if !errors.As(err, &ferr) {
		return err
	}
	s.logger.Warn("failed to fetch mail",
		"folder", ferr.Folder,
		"uid", ferr.UID,
		"error", ferr.Err,
	)

	*retries++
	if s.opts.Policy.Exhausted(*retries) {
		s.logger.Error("retry count is over the threshold, stop processing", "folder", folder, "retries", *retries-1)
		return fmt.Errorf("sweep %s: %w: %w", folder, monitor.ErrRetriesExhausted, err)
	}
	s.logger.Info("waiting before retry", "folder", folder, "retry", *retries, "backoff", s.opts.Policy.Backoff)
	return s.opts.Policy.Sleep(ctx)
}

// SweepAll sweeps every folder except those in exclude. A folder whose
// retries run out does not stop the others; the errors are returned
// joined.
func (s *Sorter) SweepAll(ctx context.Context, exclude []string, criteria *imap.SearchCriteria) error {
	folders, err := s.session.ListFolders()
	if err != nil {
		return err
	}

	var errs []error
	for _, folder := range folders {
		if slices.Contains(exclude, folder) {
			s.logger.Debug("folder excluded", "folder", folder)
			continue
		}
		err := s.Sweep(ctx, folder, criteria)
		if errors.Is(err, monitor.ErrRetriesExhausted) {
			errs = append(errs, err)
			continue
		}
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
	}
	return errors.Join(errs...)
}

// ProvisionDestinations makes sure every destination folder exists. In dry
// run nothing is created.
func (s *Sorter) ProvisionDestinations(ctx context.Context) error {
	for _, dst := range rules.Destinations(s.ruleSets) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.opts.DryRun {
			s.logger.Info("dry run, folder check skipped", "destination", dst)
			continue
		}
		created, err := s.session.EnsureFolder(dst)
		if err != nil {
			return err
		}
		if created {
			metrics.FoldersCreated.Inc()
			s.logger.Info("folder created", "destination", dst)
		}
	}
	return nil
}

// Watch sorts messages as they arrive in folder until ctx is done or
// fetch errors exhaust the retry policy.
func (s *Sorter) Watch(ctx context.Context, folder string, kinds []mailbox.EventKind, criteria *imap.SearchCriteria) error {
	m := monitor.New(s.session, criteria, s.opts.Policy, s.logger)
	return m.Watch(ctx, folder, kinds, func(ctx context.Context, uid imap.UID) error {
		return s.EvaluateAndRelocate(ctx, folder, uid)
	})
}
