// Package mailbox manages the single IMAP session mailsort works through.
//
// A Session remembers which folder is selected and in which mode so that
// repeated operations on one folder cost a single SELECT/EXAMINE. Reads
// use EXAMINE so filtering never changes message flags; only relocation
// selects a folder read-write. A Session is not safe for concurrent use.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/emersion/go-imap/v2"

	"github.com/tracyhatemice/mailsort/internal/message"
)

// Mode is the access mode a folder is selected with.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// State is the selection state of a session.
type State struct {
	Folder string // empty when no folder is selected
	Mode   Mode
}

// RelocateResult tells whether Relocate moved a message.
type RelocateResult int

const (
	Relocated RelocateResult = iota
	Skipped
)

func (r RelocateResult) String() string {
	if r == Skipped {
		return "skipped"
	}
	return "relocated"
}

var (
	// ErrMessageNotFound is returned by a Client when a fetch yields no data.
	ErrMessageNotFound = errors.New("message not found")
	// ErrConnectionClosed is returned by a Client waiting on a connection
	// the server hung up.
	ErrConnectionClosed = errors.New("connection closed")
)

// FetchError reports a failed header fetch or search on an otherwise
// healthy session. Callers may retry it. UID is zero for a search.
type FetchError struct {
	Folder string
	UID    imap.UID
	Err    error
}

func (e *FetchError) Error() string {
	if e.UID == 0 {
		return fmt.Sprintf("search %q: %v", e.Folder, e.Err)
	}
	return fmt.Sprintf("fetch message %d in %q: %v", e.UID, e.Folder, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Client is the protocol surface a Session drives. Message arguments are
// UIDs.
type Client interface {
	List(pattern string) ([]string, error)
	// Select opens folder and returns its message count.
	Select(folder string, readOnly bool) (uint32, error)
	CloseFolder() error
	Create(folder string) error
	NextUID(folder string) (imap.UID, error)
	Search(criteria *imap.SearchCriteria) ([]imap.UID, error)
	FetchHeader(uid imap.UID) ([]byte, error)
	Copy(uid imap.UID, folder string) error
	AddFlags(uid imap.UID, flags ...imap.Flag) error
	Idle(ctx context.Context, want func(Event) bool) (Event, error)
	Logout() error
}

// Session is the selection-state-aware facade over a Client.
type Session struct {
	client Client
	state  State
	logger *slog.Logger
	closed bool
}

// NewSession wraps an authenticated client.
func NewSession(client Client, logger *slog.Logger) *Session {
	return &Session{client: client, logger: logger}
}

// State returns the current selection state.
func (s *Session) State() State {
	return s.state
}

// SelectFolder selects name in mode. It does nothing when the folder is
// already selected in that mode; otherwise the current folder is closed
// first so its pending deletions are committed.
func (s *Session) SelectFolder(name string, mode Mode) error {
	_, _, err := s.selectFolder(name, mode)
	return err
}

// selectFolder reports whether a select was issued and the message count
// the server returned for it.
func (s *Session) selectFolder(name string, mode Mode) (bool, uint32, error) {
	if s.state.Folder != "" && s.state == (State{Folder: name, Mode: mode}) {
		return false, 0, nil
	}
	if err := s.closeFolder(); err != nil {
		return false, 0, err
	}

	n, err := s.client.Select(name, mode == ReadOnly)
	if err != nil {
		return false, 0, fmt.Errorf("imap select %s (%s): %w", name, mode, err)
	}
	s.state = State{Folder: name, Mode: mode}
	s.logger.Debug("folder selected", "folder", name, "mode", mode, "messages", n)
	return true, n, nil
}

func (s *Session) closeFolder() error {
	if s.state.Folder == "" {
		return nil
	}
	folder := s.state.Folder
	// Forget the selection even when CLOSE fails; the next select starts
	// from scratch.
	s.state = State{}
	if err := s.client.CloseFolder(); err != nil {
		return fmt.Errorf("imap close %s: %w", folder, err)
	}
	s.logger.Debug("folder closed", "folder", folder)
	return nil
}

// Release closes folder if it is the selected one, committing pending
// deletions.
func (s *Session) Release(folder string) error {
	if s.state.Folder != folder {
		return nil
	}
	return s.closeFolder()
}

// ListFolders returns the names of all selectable folders.
func (s *Session) ListFolders() ([]string, error) {
	names, err := s.client.List("*")
	if err != nil {
		return nil, fmt.Errorf("imap list: %w", err)
	}
	return names, nil
}

// EnsureFolder creates name when it does not exist and reports whether it
// did so.
func (s *Session) EnsureFolder(name string) (bool, error) {
	found, err := s.client.List(name)
	if err != nil {
		return false, fmt.Errorf("imap list %s: %w", name, err)
	}
	if len(found) > 0 {
		return false, nil
	}
	if err := s.client.Create(name); err != nil {
		return false, fmt.Errorf("imap create %s: %w", name, err)
	}
	return true, nil
}

// FetchHeader returns the header of message uid in folder without
// touching its flags.
func (s *Session) FetchHeader(folder string, uid imap.UID) (*message.Message, error) {
	if err := s.SelectFolder(folder, ReadOnly); err != nil {
		return nil, err
	}

	raw, err := s.client.FetchHeader(uid)
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) || errors.Is(err, ErrMessageNotFound) {
			return nil, &FetchError{Folder: folder, UID: uid, Err: err}
		}
		return nil, fmt.Errorf("imap fetch %d in %s: %w", uid, folder, err)
	}

	msg, err := message.ParseHeader(raw)
	if err != nil {
		return nil, &FetchError{Folder: folder, UID: uid, Err: err}
	}
	return msg, nil
}

// SearchUIDs returns the UIDs in folder matching criteria, passed to the
// server unchanged. A NO or BAD reply is returned as a *FetchError.
func (s *Session) SearchUIDs(folder string, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	if err := s.SelectFolder(folder, ReadOnly); err != nil {
		return nil, err
	}
	uids, err := s.client.Search(criteria)
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &FetchError{Folder: folder, Err: err}
		}
		return nil, fmt.Errorf("imap search %s: %w", folder, err)
	}
	return uids, nil
}

// NextUID returns the UID the next message delivered to folder will get.
func (s *Session) NextUID(folder string) (imap.UID, error) {
	uid, err := s.client.NextUID(folder)
	if err != nil {
		return 0, fmt.Errorf("imap status %s: %w", folder, err)
	}
	return uid, nil
}

// Relocate copies message uid from src to dst and flags the source copy
// \Deleted. The deletion takes effect when src is closed. Relocating to
// the source folder is skipped without contacting the server.
func (s *Session) Relocate(src string, uid imap.UID, dst string) (RelocateResult, error) {
	if src == dst {
		return Skipped, nil
	}
	if err := s.SelectFolder(src, ReadWrite); err != nil {
		return 0, err
	}
	if err := s.client.Copy(uid, dst); err != nil {
		return 0, fmt.Errorf("imap copy %d from %s to %s: %w", uid, src, dst, err)
	}
	if err := s.client.AddFlags(uid, imap.FlagDeleted); err != nil {
		return 0, fmt.Errorf("imap store %d in %s: %w", uid, src, err)
	}
	return Relocated, nil
}

// WaitEvent examines folder and blocks until the server reports an event
// of one of kinds or ctx is done, in which case ctx.Err() is returned.
// No kinds means EXISTS.
//
// Mail delivered while folder was closed is reported only in the EXAMINE
// response, never as unilateral data. So when folder had to be examined
// again and is not empty, WaitEvent returns an EXISTS event with that
// count right away instead of idling.
func (s *Session) WaitEvent(ctx context.Context, folder string, kinds []EventKind) (Event, error) {
	if len(kinds) == 0 {
		kinds = []EventKind{EventExists}
	}
	selected, n, err := s.selectFolder(folder, ReadOnly)
	if err != nil {
		return Event{}, err
	}
	if selected && n > 0 && slices.Contains(kinds, EventExists) {
		s.logger.Debug("folder reopened", "folder", folder, "messages", n)
		return Event{Kind: EventExists, Count: n}, nil
	}
	s.logger.Debug("waiting for events", "folder", folder, "kinds", kinds)
	return s.client.Idle(ctx, func(ev Event) bool {
		return slices.Contains(kinds, ev.Kind)
	})
}

// Close closes the selected folder, committing pending deletions, and
// logs out. Calls after the first are no-ops.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	closeErr := s.closeFolder()
	if err := s.client.Logout(); err != nil {
		return errors.Join(closeErr, fmt.Errorf("imap logout: %w", err))
	}
	return closeErr
}
