// Package imaptest runs an in-memory IMAP server for tests.
package imaptest

import (
	"bytes"
	"io"
	"log"
	"net"
	"strconv"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

const (
	Username = "sorter"
	Password = "s3cret"
)

// Server is a plaintext IMAP server with a single account holding INBOX
// and the folders passed to NewServer. It accepts LOGIN and AUTHENTICATE
// PLAIN without TLS.
type Server struct {
	Host string
	Port int

	user *imapmemserver.User
}

// NewServer starts a server that is shut down when the test ends.
func NewServer(t testing.TB, folders ...string) *Server {
	t.Helper()

	mem := imapmemserver.New()
	user := imapmemserver.NewUser(Username, Password)
	for _, name := range append([]string{"INBOX"}, folders...) {
		if err := user.Create(name, nil); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	mem.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
		Logger:       log.New(io.Discard, "", 0),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go server.Serve(ln)
	t.Cleanup(func() { server.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("listener address: %v", err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("listener port: %v", err)
	}
	return &Server{Host: host, Port: n, user: user}
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Deliver stores raw in folder as the mail server would and returns its
// UID. Sessions with folder selected are notified.
func (s *Server) Deliver(t testing.TB, folder, raw string) imap.UID {
	t.Helper()
	data, err := s.user.Append(folder, bytes.NewReader([]byte(raw)), &imap.AppendOptions{})
	if err != nil {
		t.Fatalf("deliver to %s: %v", folder, err)
	}
	return data.UID
}

// Append stores raw in folder with APPEND over a connection of its own.
func (s *Server) Append(t testing.TB, folder, raw string) {
	t.Helper()
	client, err := imapclient.DialInsecure(s.Addr(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.Login(Username, Password).Wait(); err != nil {
		t.Fatalf("login: %v", err)
	}
	cmd := client.Append(folder, int64(len(raw)), nil)
	if _, err := cmd.Write([]byte(raw)); err != nil {
		t.Fatalf("append to %s: %v", folder, err)
	}
	if err := cmd.Close(); err != nil {
		t.Fatalf("append to %s: %v", folder, err)
	}
	if _, err := cmd.Wait(); err != nil {
		t.Fatalf("append to %s: %v", folder, err)
	}
	if err := client.Logout().Wait(); err != nil {
		t.Fatalf("logout: %v", err)
	}
}

// Flags returns the flags of message uid in folder.
func (s *Server) Flags(t testing.TB, folder string, uid imap.UID) []imap.Flag {
	t.Helper()
	client, err := imapclient.DialInsecure(s.Addr(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.Login(Username, Password).Wait(); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		t.Fatalf("examine %s: %v", folder, err)
	}
	msgs, err := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{UID: true, Flags: true}).Collect()
	if err != nil {
		t.Fatalf("fetch %d in %s: %v", uid, folder, err)
	}
	if len(msgs) == 0 {
		t.Fatalf("message %d not in %s", uid, folder)
	}
	return msgs[0].Flags
}

// Count returns the number of messages in folder.
func (s *Server) Count(t testing.TB, folder string) uint32 {
	t.Helper()
	data, err := s.user.Status(folder, &imap.StatusOptions{NumMessages: true})
	if err != nil {
		t.Fatalf("status %s: %v", folder, err)
	}
	return *data.NumMessages
}
