package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailsort/internal/config"
)

func useArrayKeyring(t *testing.T) {
	t.Helper()
	ring := keyring.NewArrayKeyring(nil)
	orig := openKeyring
	openKeyring = func() (keyring.Keyring, error) { return ring, nil }
	t.Cleanup(func() { openKeyring = orig })
}

func TestResolveOrder(t *testing.T) {
	t.Setenv("MAILSORT_TEST_PASSWORD", "from-env")

	server := config.Server{
		Password:       "plain",
		PasswordBase64: "ZnJvbS1iYXNlNjQ=",
		PasswordEnv:    "MAILSORT_TEST_PASSWORD",
	}
	got, err := Resolve(server)
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	server.Password = ""
	got, err = Resolve(server)
	require.NoError(t, err)
	assert.Equal(t, "from-base64", got)

	server.PasswordBase64 = ""
	got, err = Resolve(server)
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)
}

func TestResolveErrors(t *testing.T) {
	_, err := Resolve(config.Server{})
	assert.ErrorIs(t, err, ErrNoPassword)

	_, err = Resolve(config.Server{PasswordBase64: "%%%"})
	assert.ErrorContains(t, err, "password_base64")

	_, err = Resolve(config.Server{PasswordEnv: "MAILSORT_TEST_UNSET_VARIABLE"})
	assert.ErrorContains(t, err, "MAILSORT_TEST_UNSET_VARIABLE")
}

func TestKeyringRoundTrip(t *testing.T) {
	useArrayKeyring(t)

	server := config.Server{Host: "imap.example.com", Username: "me", PasswordKeyring: true}
	_, err := Resolve(server)
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)

	require.NoError(t, Set(server.KeyringKey(), "s3cret"))
	got, err := Resolve(server)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)
}
