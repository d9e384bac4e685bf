// Package credential resolves the IMAP account password.
package credential

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"

	"github.com/tracyhatemice/mailsort/internal/config"
)

const serviceName = "mailsort"

// ErrNoPassword is returned when no password source is configured.
var ErrNoPassword = errors.New("no password configured")

// openKeyring returns a configured keyring instance.
var openKeyring = func() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailsort/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsort-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Resolve returns the password from the first configured source:
// password, password_base64, password_env, then the keyring.
func Resolve(server config.Server) (string, error) {
	switch {
	case server.Password != "":
		return server.Password, nil
	case server.PasswordBase64 != "":
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(server.PasswordBase64))
		if err != nil {
			return "", fmt.Errorf("decoding password_base64: %w", err)
		}
		return string(b), nil
	case server.PasswordEnv != "":
		v, ok := os.LookupEnv(server.PasswordEnv)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", server.PasswordEnv)
		}
		return v, nil
	case server.PasswordKeyring:
		return Get(server.KeyringKey())
	}
	return "", ErrNoPassword
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "mailsort " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}
