package main

import (
	"time"

	"github.com/orbit88/cube.js/internal/cliconfig"
	"github.com/orbit88/cube.js/internal/fingerprint"
)

// tokenStore persists refreshed auth tokens in the CLI config file,
// sealed with key material derived from the API key and the machine
// fingerprint. A token copied to a different machine or a config file
// paired with a different key simply fails to unseal.
type tokenStore struct {
	cfg    cliconfig.Config
	secret string
}

func newTokenStore(cfg cliconfig.Config) *tokenStore {
	return &tokenStore{
		cfg:    cfg,
		secret: cfg.APIKey + "|" + fingerprint.Get(),
	}
}

func (s *tokenStore) LoadToken() (string, bool) {
	value := s.cfg.Token(s.secret)
	return value, value != ""
}

func (s *tokenStore) StoreToken(value string, expiry time.Time) error {
	if err := s.cfg.SetToken(s.secret, value, expiry); err != nil {
		return err
	}
	return cliconfig.Save(s.cfg)
}
