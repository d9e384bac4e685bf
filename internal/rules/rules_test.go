package rules

import (
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailsort/internal/message"
)

func mustMessage(t *testing.T, raw string) *message.Message {
	t.Helper()
	msg, err := message.ParseHeader([]byte(raw))
	require.NoError(t, err)
	return msg
}

func TestParseBytes(t *testing.T) {
	sets, err := ParseBytes([]byte(`
- destination: work
  rule:
    from: boss@example\.com
- destination: billing
  rule:
    And:
      - subject: invoice
      - or:
          - From: billing@vendor\.com
          - List-Id: vendor
`))
	require.NoError(t, err)
	require.Len(t, sets, 2)

	assert.Equal(t, "work", sets[0].Destination)
	assert.Equal(t, OpField, sets[0].Rule.Op)
	assert.Equal(t, FieldFrom, sets[0].Rule.Field.Kind)

	billing := sets[1].Rule
	assert.Equal(t, "billing", sets[1].Destination)
	require.Equal(t, OpAnd, billing.Op)
	require.Len(t, billing.Operands, 2)
	assert.Equal(t, FieldSubject, billing.Operands[0].Field.Kind)

	or := billing.Operands[1]
	require.Equal(t, OpOr, or.Op)
	assert.Equal(t, Field{Kind: FieldFrom, Name: "From"}, or.Operands[0].Field)
	assert.Equal(t, Field{Kind: FieldGeneral, Name: "List-Id"}, or.Operands[1].Field)

	assert.Equal(t, `and(subject=~/invoice/, or(From=~/billing@vendor\.com/, List-Id=~/vendor/))`, billing.String())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name:   "root is not a list",
			yaml:   "destination: work\n",
			errMsg: "rules must be a list",
		},
		{
			name:   "missing rule key",
			yaml:   "- destination: work\n",
			errMsg: `missing required key "rule"`,
		},
		{
			name:   "missing destination key",
			yaml:   "- rule: {from: x}\n",
			errMsg: `missing required key "destination"`,
		},
		{
			name:   "unknown key",
			yaml:   "- destination: work\n  rule: {from: x}\n  priority: 1\n",
			errMsg: `unknown keys: "priority"`,
		},
		{
			name:   "rule with two keys",
			yaml:   "- destination: work\n  rule: {from: x, to: y}\n",
			errMsg: "exactly one key",
		},
		{
			name:   "rule is a list",
			yaml:   "- destination: work\n  rule: [from, x]\n",
			errMsg: "exactly one key",
		},
		{
			name:   "empty and",
			yaml:   "- destination: work\n  rule: {and: []}\n",
			errMsg: "at least one rule",
		},
		{
			name:   "or without list",
			yaml:   "- destination: work\n  rule: {or: {from: x}}\n",
			errMsg: "list of rules",
		},
		{
			name:   "invalid pattern",
			yaml:   "- destination: work\n  rule: {subject: \"(unclosed\"}\n",
			errMsg: `invalid pattern for "subject"`,
		},
		{
			name:   "pattern is a mapping",
			yaml:   "- destination: work\n  rule: {subject: {a: b}}\n",
			errMsg: "must be a string",
		},
		{
			name:   "empty destination",
			yaml:   "- destination: \"\"\n  rule: {from: x}\n",
			errMsg: "non-empty folder name",
		},
		{
			name:   "nested error",
			yaml:   "- destination: work\n  rule:\n    and:\n      - from: x\n      - {}\n",
			errMsg: "line 5",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseBytes([]byte(tc.yaml))
			require.Error(t, err)

			var perr *ParseError
			assert.True(t, errors.As(err, &perr), "expected *ParseError, got %T", err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestMatchScenarios(t *testing.T) {
	sets, err := ParseBytes([]byte(`
- destination: work
  rule:
    from: boss@example.com
- destination: x
  rule:
    and:
      - subject: invoice
      - from: billing@vendor.com
`))
	require.NoError(t, err)

	boss := mustMessage(t, "From: boss@example.com\r\nSubject: hello\r\n\r\n")
	ok, err := sets[0].Matches(boss)
	require.NoError(t, err)
	assert.True(t, ok)

	invoice := mustMessage(t, "From: billing@vendor.com\r\nSubject: Monthly invoice #4\r\n\r\n")
	ok, err = sets[1].Matches(invoice)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sets[1].Matches(boss)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchFields(t *testing.T) {
	msg := mustMessage(t, "From: a@example.com, b@example.org\r\n"+
		"Sender: list-bounces@example.net\r\n"+
		"To: team@example.com\r\n"+
		"Cc: audit@example.com\r\n"+
		"Subject: Quarterly report\r\n"+
		"X-Mailer: Acme Mailer 2.1\r\n\r\n")

	tests := []struct {
		key     string
		pattern string
		want    bool
	}{
		{"from", `example\.org$`, true},
		{"from", `nobody`, false},
		{"sender", `bounces`, true},
		{"to", `^team@`, true},
		{"cc", `audit`, true},
		{"cc", `team`, false},
		{"subject", `report`, true},
		{"subject", `^report`, false},
		{"X-Mailer", `Acme`, true},
		{"x-mailer", `Acme`, true},
		{"X-Mailer", `Other`, false},
		{"X-Missing", `.*`, false},
	}

	for _, tc := range tests {
		t.Run(tc.key+"/"+tc.pattern, func(t *testing.T) {
			ok, err := Match(FieldMatch(tc.key, regexp.MustCompile(tc.pattern)), msg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestMatchAbsentFieldsAreFalse(t *testing.T) {
	msg := mustMessage(t, "From: a@example.com\r\n\r\n")

	for _, key := range []string{"sender", "subject", "to", "cc", "List-Id"} {
		ok, err := Match(FieldMatch(key, regexp.MustCompile(`.*`)), msg)
		require.NoError(t, err, key)
		assert.False(t, ok, key)
	}
}

func TestMatchDateIsUnsupported(t *testing.T) {
	msg := mustMessage(t, "From: a@example.com\r\nDate: Mon, 2 Jan 2006 15:04:05 -0700\r\n\r\n")

	for _, key := range []string{"date", "Date", "DATE"} {
		_, err := Match(FieldMatch(key, regexp.MustCompile(`2006`)), msg)
		var uerr *UnsupportedFieldError
		require.True(t, errors.As(err, &uerr), key)
		assert.Equal(t, FieldDate, uerr.Field.Kind)
	}

	_, err := Match(And(FieldMatch("from", regexp.MustCompile(`a@`)), FieldMatch("date", regexp.MustCompile(`.`))), msg)
	assert.Error(t, err)
}

func TestMatchAlgebra(t *testing.T) {
	msgs := []*message.Message{
		mustMessage(t, "From: a@example.com\r\nSubject: alpha\r\n\r\n"),
		mustMessage(t, "From: b@example.com\r\nSubject: beta\r\n\r\n"),
		mustMessage(t, "From: a@example.com\r\nSubject: beta\r\n\r\n"),
		mustMessage(t, "To: a@example.com\r\n\r\n"),
	}
	exprs := []*Expr{
		FieldMatch("from", regexp.MustCompile(`^a@`)),
		FieldMatch("subject", regexp.MustCompile(`beta`)),
		FieldMatch("sender", regexp.MustCompile(`.`)),
	}

	for _, m := range msgs {
		for _, e1 := range exprs {
			for _, e2 := range exprs {
				m1, err := Match(e1, m)
				require.NoError(t, err)
				m2, err := Match(e2, m)
				require.NoError(t, err)

				and, err := Match(And(e1, e2), m)
				require.NoError(t, err)
				assert.Equal(t, m1 && m2, and, "and(%s, %s) on %s", e1, e2, m)

				or, err := Match(Or(e1, e2), m)
				require.NoError(t, err)
				assert.Equal(t, m1 || m2, or, "or(%s, %s) on %s", e1, e2, m)
			}
		}
	}
}

func TestUnsupportedFields(t *testing.T) {
	sets, err := ParseBytes([]byte(`
- destination: old
  rule:
    or:
      - Date: "2019"
      - subject: archive
`))
	require.NoError(t, err)
	assert.Equal(t, []Field{{Kind: FieldDate, Name: "Date"}}, sets[0].Rule.UnsupportedFields())
}

func TestDestinations(t *testing.T) {
	re := regexp.MustCompile(`.`)
	sets := []RuleSet{
		{Destination: "b", Rule: FieldMatch("from", re)},
		{Destination: "a", Rule: FieldMatch("to", re)},
		{Destination: "b", Rule: FieldMatch("cc", re)},
	}
	assert.Equal(t, []string{"b", "a"}, Destinations(sets))
}
