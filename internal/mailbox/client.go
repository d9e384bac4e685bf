package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/google/uuid"
)

// Security is the transport security of the connection.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

const (
	dialTimeout = 30 * time.Second
	// Servers without IDLE are polled with NOOP.
	pollInterval = 30 * time.Second
)

// Options describe how to reach and authenticate to the server.
type Options struct {
	Host               string
	Port               int
	Security           Security
	InsecureSkipVerify bool
	// AuthType is the SASL mechanism used with AUTHENTICATE on plaintext
	// connections. Encrypted connections use LOGIN.
	AuthType string
	Username string
	Password string
}

// Dial connects, authenticates and returns a session on the server.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	logger = logger.With("session", uuid.NewString())

	events := newEventQueue()
	options := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					events.push(Event{Kind: EventExists, Count: *data.NumMessages})
				}
			},
			Expunge: func(seqNum uint32) {
				events.push(Event{Kind: EventExpunge, Count: seqNum})
			},
		},
	}

	client, err := dial(ctx, addr, opts.Security, options)
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}

	if err := authenticate(client, opts); err != nil {
		client.Close()
		return nil, fmt.Errorf("imap login %s: %w", opts.Username, err)
	}
	logger.Info("connected", "addr", addr, "security", opts.Security, "user", opts.Username)

	conn := &imapConn{client: client, events: events, logger: logger}
	return NewSession(conn, logger), nil
}

func dial(ctx context.Context, addr string, security Security, options *imapclient.Options) (*imapclient.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}

	switch security {
	case SecurityTLS:
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: options.TLSConfig}
		conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return imapclient.New(conn, options), nil
	case SecurityStartTLS, "":
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		client, err := imapclient.NewStartTLS(conn, options)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return client, nil
	case SecurityNone:
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return imapclient.New(conn, options), nil
	}
	return nil, fmt.Errorf("unknown security mode %q", security)
}

// authenticate uses LOGIN over an encrypted connection and AUTHENTICATE
// on a plaintext one.
func authenticate(client *imapclient.Client, opts Options) error {
	if opts.Security != SecurityNone {
		return client.Login(opts.Username, opts.Password).Wait()
	}

	saslClient, err := newSASLClient(opts.AuthType, opts.Username, opts.Password)
	if err != nil {
		return err
	}
	return client.Authenticate(saslClient)
}

func newSASLClient(mechanism, username, password string) (sasl.Client, error) {
	switch strings.ToUpper(mechanism) {
	case sasl.Plain:
		return sasl.NewPlainClient("", username, password), nil
	case sasl.Login, "":
		return sasl.NewLoginClient(username, password), nil
	}
	return nil, fmt.Errorf("unsupported auth type %q", mechanism)
}

// imapConn implements Client over go-imap.
type imapConn struct {
	client *imapclient.Client
	events eventQueue
	logger *slog.Logger
}

func (c *imapConn) List(pattern string) ([]string, error) {
	mailboxes, err := c.client.List("", pattern, nil).Collect()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		if slices.Contains(mbox.Attrs, imap.MailboxAttrNoSelect) || slices.Contains(mbox.Attrs, imap.MailboxAttrNonExistent) {
			continue
		}
		names = append(names, mbox.Mailbox)
	}
	return names, nil
}

func (c *imapConn) Select(folder string, readOnly bool) (uint32, error) {
	data, err := c.client.Select(folder, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		return 0, err
	}
	return data.NumMessages, nil
}

func (c *imapConn) CloseFolder() error {
	return c.client.UnselectAndExpunge().Wait()
}

func (c *imapConn) Create(folder string) error {
	return c.client.Create(folder, nil).Wait()
}

func (c *imapConn) NextUID(folder string) (imap.UID, error) {
	data, err := c.client.Status(folder, &imap.StatusOptions{UIDNext: true}).Wait()
	if err != nil {
		return 0, err
	}
	return data.UIDNext, nil
}

func (c *imapConn) Search(criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllUIDs(), nil
}

func (c *imapConn) FetchHeader(uid imap.UID) ([]byte, error) {
	section := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true}
	buffers, err := c.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, err
	}
	if len(buffers) == 0 {
		return nil, ErrMessageNotFound
	}
	raw := buffers[0].FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("%w: no header section in response", ErrMessageNotFound)
	}
	return raw, nil
}

func (c *imapConn) Copy(uid imap.UID, folder string) error {
	_, err := c.client.Copy(imap.UIDSetNum(uid), folder).Wait()
	return err
}

func (c *imapConn) AddFlags(uid imap.UID, flags ...imap.Flag) error {
	return c.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  flags,
	}, nil).Close()
}

// Idle blocks until an event accepted by want arrives. Events queued
// since the last call are considered first. The IDLE command restarts
// itself before the server's inactivity timeout.
func (c *imapConn) Idle(ctx context.Context, want func(Event) bool) (Event, error) {
	if ev, ok := c.events.pending(want); ok {
		return ev, nil
	}
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	caps := c.client.Caps()
	if !caps.Has(imap.CapIdle) && !caps.Has(imap.CapIMAP4rev2) {
		return c.poll(ctx, want)
	}

	cmd, err := c.client.Idle()
	if err != nil {
		return Event{}, fmt.Errorf("imap idle: %w", err)
	}
	c.logger.Debug("idling")

	ev, _, waitErr := c.wait(ctx, want, nil)
	if err := stopIdle(cmd); err != nil && waitErr == nil {
		waitErr = fmt.Errorf("imap idle done: %w", err)
	}
	if waitErr != nil {
		return Event{}, waitErr
	}
	return ev, nil
}

// poll issues NOOP periodically so the server can report changes.
func (c *imapConn) poll(ctx context.Context, want func(Event) bool) (Event, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ev, ok, err := c.wait(ctx, want, ticker.C)
		if err != nil || ok {
			return ev, err
		}
		if err := c.client.Noop().Wait(); err != nil {
			return Event{}, fmt.Errorf("imap noop: %w", err)
		}
		if ev, ok := c.events.pending(want); ok {
			return ev, nil
		}
	}
}

// wait returns the first wanted event, or ok false once tick fires. A nil
// tick never fires.
func (c *imapConn) wait(ctx context.Context, want func(Event) bool, tick <-chan time.Time) (Event, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, false, ctx.Err()
		case <-c.client.Closed():
			return Event{}, false, ErrConnectionClosed
		case <-tick:
			return Event{}, false, nil
		case ev := <-c.events:
			if want(ev) {
				return ev, true, nil
			}
		}
	}
}

func stopIdle(cmd *imapclient.IdleCommand) error {
	if err := cmd.Close(); err != nil {
		return err
	}
	return cmd.Wait()
}

func (c *imapConn) Logout() error {
	err := c.client.Logout().Wait()
	// The server hangs up after LOGOUT, so a close error carries no news.
	_ = c.client.Close()
	return err
}
