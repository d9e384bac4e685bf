package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailsort/internal/mailbox"
	"github.com/tracyhatemice/mailsort/internal/rules"
)

const fullConfig = `
log_level: debug
server:
  host: imap.example.com
  security: tls
  username: me@example.com
  password_env: MAILSORT_PASSWORD
options:
  target_folder: Archive
  exclude_folders: [Trash, Junk]
  search: [UNSEEN]
  monitor_search: [UNSEEN, UNDELETED]
  events: [RECENT, EXPUNGE]
  dry_run: true
  create_folders: false
  max_retries: 5
  retry_backoff: 2s
  metrics_addr: ":9100"
metadata:
  owner: me
rules:
  - destination: work
    rule:
      from: boss@example\.com
  - destination: billing
    rule:
      and:
        - subject: invoice
        - from: billing@vendor\.com
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, mailbox.SecurityTLS, cfg.Server.GetSecurity())
	assert.Equal(t, 993, cfg.Server.GetPort())
	assert.Equal(t, "LOGIN", cfg.Server.GetAuthType())
	assert.Equal(t, "me@example.com@imap.example.com", cfg.Server.KeyringKey())

	o := cfg.Options
	assert.Equal(t, "Archive", o.GetTargetFolder())
	assert.Equal(t, []string{"Trash", "Junk"}, o.ExcludeFolders)
	assert.True(t, o.DryRun)
	assert.False(t, o.GetCreateFolders())
	assert.Equal(t, 5, o.Policy().MaxRetries)
	assert.Equal(t, 2*time.Second, o.Policy().Backoff)

	criteria, err := o.SearchCriteria()
	require.NoError(t, err)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, criteria.NotFlag)

	kinds, err := o.EventKinds()
	require.NoError(t, err)
	assert.Equal(t, []mailbox.EventKind{mailbox.EventExists, mailbox.EventExpunge}, kinds)

	assert.Equal(t, "me", cfg.Metadata["owner"])
	require.Len(t, cfg.RuleSets, 2)
	assert.Equal(t, []string{"work", "billing"}, rules.Destinations(cfg.RuleSets))
	assert.NoError(t, cfg.RequireRules())
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  host: imap.example.com
  username: me
`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, mailbox.SecurityStartTLS, cfg.Server.GetSecurity())
	assert.Equal(t, 143, cfg.Server.GetPort())
	assert.Equal(t, "INBOX", cfg.Options.GetTargetFolder())
	assert.True(t, cfg.Options.GetCreateFolders())
	assert.Equal(t, 3, cfg.Options.GetMaxRetries())
	assert.Equal(t, 10*time.Second, cfg.Options.GetRetryBackoff())

	kinds, err := cfg.Options.EventKinds()
	require.NoError(t, err)
	assert.Equal(t, []mailbox.EventKind{mailbox.EventExists}, kinds)

	assert.Equal(t, []string{"UNSEEN"}, cfg.Options.GetMonitorSearch())
	criteria, err := cfg.Options.MonitorCriteria()
	require.NoError(t, err)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, criteria.NotFlag)

	criteria, err = cfg.Options.SearchCriteria()
	require.NoError(t, err)
	assert.Empty(t, criteria.NotFlag, "sweeps include read mail")

	assert.Empty(t, cfg.RuleSets)
	assert.ErrorIs(t, cfg.RequireRules(), ErrInvalid)
}

func TestMaxRetriesZero(t *testing.T) {
	cfg, err := Parse([]byte(`
server: {host: h, username: u}
options:
  max_retries: 0
`))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Options.GetMaxRetries())
}

func TestMonitorSearchAll(t *testing.T) {
	cfg, err := Parse([]byte(`
server: {host: h, username: u}
options:
  monitor_search: [ALL]
`))
	require.NoError(t, err)
	criteria, err := cfg.Options.MonitorCriteria()
	require.NoError(t, err)
	assert.Equal(t, &imap.SearchCriteria{}, criteria)
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{"missing host", "server: {username: u}", "server.host is required"},
		{"missing username", "server: {host: h}", "server.username is required"},
		{"bad security", "server: {host: h, username: u, security: ssl}", "server.security"},
		{"bad auth type", "server: {host: h, username: u, auth_type: CRAM-MD5}", "server.auth_type"},
		{"bad port", "server: {host: h, username: u, port: 70000}", "server.port"},
		{"bad log level", "log_level: loud\nserver: {host: h, username: u}", "log_level"},
		{"recent search", "server: {host: h, username: u}\noptions: {search: [RECENT]}", "options.search"},
		{"bad event", "server: {host: h, username: u}\noptions: {events: [FETCH]}", "options.events"},
		{"bad backoff", "server: {host: h, username: u}\noptions: {retry_backoff: soon}", "options.retry_backoff"},
		{"negative retries", "server: {host: h, username: u}\noptions: {max_retries: -1}", "options.max_retries"},
		{"not yaml", "server: [", "parse config"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestRuleErrors(t *testing.T) {
	_, err := Parse([]byte(`
server: {host: h, username: u}
rules:
  - destination: work
    rule:
      from: "(unclosed"
`))
	var perr *rules.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 6, perr.Line)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config file")
}
