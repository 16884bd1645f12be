// Package credentials resolves secrets such as platform tokens and model API
// keys. Lookup order is the process environment, then .env files, then the
// OS keyring.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/joho/godotenv"
)

// ServiceName is the keyring service credentials are stored under.
const ServiceName = "autoheal"

// ErrNotFound is returned when no source has the credential.
var ErrNotFound = errors.New("credential not found")

// Sources.
const (
	SourceEnv     = "env"
	SourceDotenv  = "dotenv"
	SourceKeyring = "keyring"
)

// Resolver looks credentials up across sources.
type Resolver struct {
	env    func(string) string
	dotenv map[string]string
	ring   keyring.Keyring
}

// Option configures a Resolver.
type Option func(*Resolver) error

// WithKeyring sets the keyring backend.
func WithKeyring(kr keyring.Keyring) Option {
	return func(r *Resolver) error {
		r.ring = kr
		return nil
	}
}

// WithEnvFiles reads .env files. Missing files are skipped; earlier files
// win over later ones.
func WithEnvFiles(paths ...string) Option {
	return func(r *Resolver) error {
		for _, p := range paths {
			if _, err := os.Stat(p); err != nil {
				continue
			}
			vals, err := godotenv.Read(p)
			if err != nil {
				return fmt.Errorf("read %s: %w", p, err)
			}
			for k, v := range vals {
				if _, ok := r.dotenv[k]; !ok {
					r.dotenv[k] = v
				}
			}
		}
		return nil
	}
}

// WithEnv replaces the environment lookup.
func WithEnv(fn func(string) string) Option {
	return func(r *Resolver) error {
		r.env = fn
		return nil
	}
}

// New creates a Resolver.
func New(opts ...Option) (*Resolver, error) {
	r := &Resolver{env: os.Getenv, dotenv: map[string]string{}}
	for _, o := range opts {
		if err := o(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// OpenKeyring opens the OS keyring for ServiceName.
func OpenKeyring() (keyring.Keyring, error) {
	kr, err := keyring.Open(keyring.Config{
		ServiceName:              ServiceName,
		KeychainTrustApplication: true,
		FileDir:                  "~/.autoheal/keyring",
		FilePasswordFunc:         keyring.TerminalPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return kr, nil
}

// Lookup returns the credential and the source it came from.
func (r *Resolver) Lookup(key string) (string, string, error) {
	if key == "" {
		return "", "", fmt.Errorf("empty credential name: %w", ErrNotFound)
	}
	if v := strings.TrimSpace(r.env(key)); v != "" {
		return v, SourceEnv, nil
	}
	if v := strings.TrimSpace(r.dotenv[key]); v != "" {
		return v, SourceDotenv, nil
	}
	if r.ring != nil {
		item, err := r.ring.Get(key)
		switch {
		case err == nil && len(item.Data) > 0:
			return string(item.Data), SourceKeyring, nil
		case err != nil && !errors.Is(err, keyring.ErrKeyNotFound):
			return "", "", fmt.Errorf("keyring lookup %s: %w", key, err)
		}
	}
	return "", "", fmt.Errorf("%s: %w", key, ErrNotFound)
}

// Get returns the credential value.
func (r *Resolver) Get(key string) (string, error) {
	v, _, err := r.Lookup(key)
	return v, err
}

// Set stores a credential in the keyring.
func (r *Resolver) Set(key, value string) error {
	if r.ring == nil {
		return errors.New("no keyring configured")
	}
	if key == "" || value == "" {
		return errors.New("credential name and value are required")
	}
	return r.ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: ServiceName + " " + key})
}

// Remove deletes a credential from the keyring.
func (r *Resolver) Remove(key string) error {
	if r.ring == nil {
		return errors.New("no keyring configured")
	}
	if err := r.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return err
	}
	return nil
}

// Mask hides all but the last four characters of a secret.
func Mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
