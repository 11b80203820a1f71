// Package auth holds upstream credentials and the JWT manager for the
// management API. Credentials live in ~/.llmux/auth.json with 0600
// permissions; the file is the source of truth and is re-read on every
// mutation so external edits are picked up.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CredentialType distinguishes static API keys from refreshable OAuth
// grants.
type CredentialType string

const (
	CredentialAPI   CredentialType = "api"
	CredentialOAuth CredentialType = "oauth"
)

// refreshWindow is how close to expiry an OAuth credential may get before
// EnsureFresh refreshes it.
const refreshWindow = 5 * time.Minute

// Credential is one upstream account. API credentials use APIKey; OAuth
// credentials use the token triple.
type Credential struct {
	Type         CredentialType `json:"type"`
	Label        string         `json:"label,omitempty"`
	APIKey       string         `json:"apiKey,omitempty"`
	AccessToken  string         `json:"accessToken,omitempty"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time      `json:"expiresAt,omitempty"`
	ProjectID    string         `json:"projectId,omitempty"`
	Email        string         `json:"email,omitempty"`
}

// Token returns whatever secret authorizes requests for this credential.
func (c Credential) Token() string {
	if c.Type == CredentialOAuth {
		return c.AccessToken
	}
	return c.APIKey
}

// Expired reports whether an OAuth credential is past (or within window
// of) its expiry. API credentials never expire.
func (c Credential) Expired(window time.Duration) bool {
	if c.Type != CredentialOAuth || c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(window).After(c.ExpiresAt)
}

// Refresher exchanges an expired OAuth credential for a fresh one.
type Refresher interface {
	Refresh(ctx context.Context, provider string, cred Credential) (Credential, error)
}

// Store reads and writes the per-provider credential lists.
type Store struct {
	path      string
	refresher Refresher
	mu        sync.Mutex
}

// NewStore opens the store at dir/auth.json.
func NewStore(dir string, refresher Refresher) *Store {
	return &Store{
		path:      filepath.Join(dir, "auth.json"),
		refresher: refresher,
	}
}

// GetCredentials returns all credentials for a provider, in file order.
// The order is the rotation order.
func (s *Store) GetCredentials(provider string) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	return all[provider], nil
}

// GetCredential returns the first credential for a provider, or false.
func (s *Store) GetCredential(provider string) (Credential, bool, error) {
	creds, err := s.GetCredentials(provider)
	if err != nil {
		return Credential{}, false, err
	}
	if len(creds) == 0 {
		return Credential{}, false, nil
	}
	return creds[0], true, nil
}

// SetCredentials replaces a provider's credential list.
func (s *Store) SetCredentials(provider string, creds []Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		delete(all, provider)
	} else {
		all[provider] = creds
	}
	return s.save(all)
}

// EnsureFresh refreshes any OAuth credential for the provider that is
// within the refresh window of expiry, persisting the result. Without a
// refresher, stale credentials are returned as-is with a warning.
func (s *Store) EnsureFresh(ctx context.Context, provider string) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	creds := all[provider]
	changed := false
	for i, cred := range creds {
		if !cred.Expired(refreshWindow) {
			continue
		}
		if s.refresher == nil {
			logrus.WithFields(logrus.Fields{
				"provider": provider,
				"account":  i,
			}).Warn("oauth credential expired and no refresher configured")
			continue
		}
		fresh, err := s.refresher.Refresh(ctx, provider, cred)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"provider": provider,
				"account":  i,
			}).Warn("credential refresh failed")
			continue
		}
		creds[i] = fresh
		changed = true
	}
	if changed {
		all[provider] = creds
		if err := s.save(all); err != nil {
			return nil, err
		}
	}
	return creds, nil
}

func (s *Store) load() (map[string][]Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]Credential{}, nil
		}
		return nil, fmt.Errorf("read auth file: %w", err)
	}
	var all map[string][]Credential
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse auth file: %w", err)
	}
	return all, nil
}

func (s *Store) save(all map[string][]Credential) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write auth file: %w", err)
	}
	return nil
}
