// Package monitor waits for new mail in a folder and hands each new
// message to a callback, retrying failed fetches a bounded number of times.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/tracyhatemice/mailsort/internal/mailbox"
)

const (
	DefaultMaxRetries = 3
	DefaultBackoff    = 10 * time.Second
)

// ErrRetriesExhausted is returned once more than Policy.MaxRetries fetch
// errors occurred.
var ErrRetriesExhausted = errors.New("retry count is over the threshold")

// Policy bounds how fetch errors are retried.
type Policy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultPolicy retries three times, ten seconds apart.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff}
}

// Exhausted reports whether retries failures exceed the policy.
func (p Policy) Exhausted(retries int) bool {
	return retries > p.MaxRetries
}

// Sleep waits for the backoff or until ctx is done.
func (p Policy) Sleep(ctx context.Context) error {
	if p.Backoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State is the position of a Monitor in its loop.
type State int

const (
	Idle State = iota
	Waiting
	Delivering
	Backoff
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Delivering:
		return "delivering"
	case Backoff:
		return "backoff"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is the part of a mailbox session the monitor needs.
type Session interface {
	NextUID(folder string) (imap.UID, error)
	WaitEvent(ctx context.Context, folder string, kinds []mailbox.EventKind) (mailbox.Event, error)
	SearchUIDs(folder string, criteria *imap.SearchCriteria) ([]imap.UID, error)
}

// Handler processes one new message.
type Handler func(ctx context.Context, uid imap.UID) error

// Monitor delivers messages that arrive in a folder. Only messages with a
// UID at or above the folder's UIDNEXT at the start of Watch are
// delivered, further narrowed by the search criteria.
type Monitor struct {
	session  Session
	criteria *imap.SearchCriteria
	policy   Policy
	logger   *slog.Logger
	state    State
}

// New creates a monitor. A nil criteria matches every new message.
func New(session Session, criteria *imap.SearchCriteria, policy Policy, logger *slog.Logger) *Monitor {
	if criteria == nil {
		criteria = &imap.SearchCriteria{}
	}
	return &Monitor{
		session:  session,
		criteria: criteria,
		policy:   policy,
		logger:   logger,
	}
}

// State returns the current loop state.
func (m *Monitor) State() State {
	return m.state
}

func (m *Monitor) setState(s State) {
	if m.state != s {
		m.logger.Debug("monitor state", "from", m.state, "to", s)
	}
	m.state = s
}

// Watch blocks until ctx is done, a non-fetch error occurs, or fetch
// errors exhaust the retry policy. Each new message is passed to
// onEvent in UID order. A message whose delivery failed with a
// *mailbox.FetchError is delivered again after the next event.
func (m *Monitor) Watch(ctx context.Context, folder string, kinds []mailbox.EventKind, onEvent Handler) error {
	next, err := m.session.NextUID(folder)
	if err != nil {
		return err
	}
	m.logger.Info("start monitoring", "folder", folder, "events", kinds, "next_uid", next)

	retries := 0
	for {
		m.setState(Waiting)
		ev, err := m.session.WaitEvent(ctx, folder, kinds)
		if err != nil {
			m.setState(Terminated)
			return err
		}
		m.logger.Debug("event received", "folder", folder, "kind", ev.Kind, "count", ev.Count)

		m.setState(Delivering)
		err = m.deliver(ctx, folder, &next, onEvent)
		if err == nil {
			retries = 0
			m.setState(Idle)
			continue
		}

		var ferr *mailbox.FetchError
		if !errors.As(err, &ferr) {
			m.setState(Terminated)
			return err
		}
		m.logger.Warn("failed to fetch mail",
			"folder", ferr.Folder,
			"uid", ferr.UID,
			"error", ferr.Err,
		)

		retries++
		if m.policy.Exhausted(retries) {
			m.setState(Terminated)
			m.logger.Error("retry count is over the threshold, stop processing", "folder", folder, "retries", retries-1)
			return fmt.Errorf("monitor %s: %w: %w", folder, ErrRetriesExhausted, err)
		}

		m.setState(Backoff)
		m.logger.Info("waiting before retry", "folder", folder, "retry", retries, "backoff", m.policy.Backoff)
		if err := m.policy.Sleep(ctx); err != nil {
			m.setState(Terminated)
			return err
		}
	}
}

// deliver searches for messages at or above *next and hands them to
// onEvent, advancing *next past each delivered message.
func (m *Monitor) deliver(ctx context.Context, folder string, next *imap.UID, onEvent Handler) error {
	criteria := *m.criteria
	var window imap.UIDSet
	window.AddRange(*next, 0)
	criteria.UID = append(slices.Clone(m.criteria.UID), window)

	uids, err := m.session.SearchUIDs(folder, &criteria)
	if err != nil {
		return err
	}
	slices.Sort(uids)

	for _, uid := range uids {
		// "n:*" matches the highest UID even when it is below n.
		if uid < *next {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onEvent(ctx, uid); err != nil {
			return err
		}
		*next = uid + 1
	}
	return nil
}
