// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ejbd-project/ejbd/lib/clock"
)

// DefaultTokenTTL is the identity token lifetime when none is configured.
const DefaultTokenTTL = time.Hour

// Credentials is a username and password for a realm. An empty Realm
// selects the service's default realm.
type Credentials struct {
	Realm    string
	Username string
	Password string
}

// Session is the result of a successful Login.
type Session struct {
	Token   []byte
	Subject *Subject
	Expires time.Time
}

// ServiceConfig configures NewService.
type ServiceConfig struct {
	Realms       []Realm
	DefaultRealm string

	// Keypair signs and verifies identity tokens. Required.
	Keypair *Keypair

	// Audience is stamped into minted tokens and required on verify.
	Audience string

	TokenTTL       time.Duration
	AllowAnonymous bool
	Clock          clock.Clock
	Logger         *slog.Logger

	// OnFailure is called for every rejected authentication.
	OnFailure func(reason string)
}

// Service authenticates callers against realms and identity tokens.
type Service struct {
	realms       map[string]Realm
	defaultRealm string
	keypair      *Keypair
	audience     string
	ttl          time.Duration
	anonymous    bool
	blacklist    *Blacklist
	clock        clock.Clock
	logger       *slog.Logger
	onFailure    func(string)
}

// NewService validates cfg and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Keypair == nil {
		return nil, errors.New("security: Keypair is required")
	}
	service := &Service{
		realms:       make(map[string]Realm, len(cfg.Realms)),
		defaultRealm: cfg.DefaultRealm,
		keypair:      cfg.Keypair,
		audience:     cfg.Audience,
		ttl:          cfg.TokenTTL,
		anonymous:    cfg.AllowAnonymous,
		blacklist:    NewBlacklist(),
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		onFailure:    cfg.OnFailure,
	}
	for _, realm := range cfg.Realms {
		if _, exists := service.realms[realm.Name()]; exists {
			return nil, fmt.Errorf("security: duplicate realm %q", realm.Name())
		}
		service.realms[realm.Name()] = realm
	}
	if service.defaultRealm == "" && len(cfg.Realms) > 0 {
		service.defaultRealm = cfg.Realms[0].Name()
	}
	if service.defaultRealm != "" {
		if _, exists := service.realms[service.defaultRealm]; !exists {
			return nil, fmt.Errorf("security: default realm %q: %w", service.defaultRealm, ErrUnknownRealm)
		}
	}
	if service.ttl <= 0 {
		service.ttl = DefaultTokenTTL
	}
	if service.clock == nil {
		service.clock = clock.Real()
	}
	if service.logger == nil {
		service.logger = slog.New(slog.DiscardHandler)
	}
	return service, nil
}

// Realms returns the configured realm names, sorted.
func (s *Service) Realms() []string {
	names := make([]string, 0, len(s.realms))
	for name := range s.realms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllowAnonymous reports whether requests without credentials run as
// the anonymous subject.
func (s *Service) AllowAnonymous() bool { return s.anonymous }

// Fingerprint returns the server fingerprint.
func (s *Service) Fingerprint() string { return s.keypair.Fingerprint() }

// Blacklist returns the logout blacklist.
func (s *Service) Blacklist() *Blacklist { return s.blacklist }

// Login authenticates credentials and mints an identity token.
func (s *Service) Login(ctx context.Context, credentials Credentials) (*Session, error) {
	subject, err := s.authenticateCredentials(ctx, credentials)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	expires := now.Add(s.ttl)
	token := &Token{
		ID:        uuid.NewString(),
		Subject:   subject.Name,
		Realm:     subject.Realm,
		Groups:    subject.Groups,
		Audience:  s.audience,
		IssuedAt:  now.Unix(),
		ExpiresAt: expires.Unix(),
	}
	raw, err := Mint(s.keypair, token)
	if err != nil {
		return nil, err
	}
	s.logger.Info("login", "subject", subject.Name, "realm", subject.Realm, "token_id", token.ID)
	return &Session{Token: raw, Subject: subject, Expires: time.Unix(token.ExpiresAt, 0)}, nil
}

// Logout blacklists a valid token until its expiry.
func (s *Service) Logout(tokenBytes []byte) error {
	token, err := s.Verify(tokenBytes)
	if err != nil {
		return err
	}
	s.blacklist.Revoke(token.ID, token.Expires())
	s.logger.Info("logout", "subject", token.Subject, "token_id", token.ID)
	return nil
}

// Verify checks a token's signature, expiry, audience and blacklist
// status.
func (s *Service) Verify(tokenBytes []byte) (*Token, error) {
	token, err := VerifyAt(s.keypair.Public, tokenBytes, s.audience, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if s.blacklist.IsRevoked(token.ID) {
		return nil, ErrTokenRevoked
	}
	return token, nil
}

// Authenticate resolves the subject of a request. A token takes
// precedence over credentials. With neither, the anonymous subject is
// returned when allowed. Every rejection wraps ErrAuthenticationFailed
// or ErrAuthenticationRequired.
func (s *Service) Authenticate(ctx context.Context, tokenBytes []byte, credentials *Credentials) (*Subject, error) {
	switch {
	case len(tokenBytes) > 0:
		token, err := s.Verify(tokenBytes)
		if err != nil {
			s.fail("token", err)
			return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
		return token.AsSubject(), nil
	case credentials != nil:
		return s.authenticateCredentials(ctx, *credentials)
	case s.anonymous:
		return Anonymous(), nil
	default:
		s.fail("missing", ErrAuthenticationRequired)
		return nil, ErrAuthenticationRequired
	}
}

func (s *Service) authenticateCredentials(ctx context.Context, credentials Credentials) (*Subject, error) {
	realmName := credentials.Realm
	if realmName == "" {
		realmName = s.defaultRealm
	}
	realm, exists := s.realms[realmName]
	if !exists {
		s.fail("realm", ErrUnknownRealm)
		return nil, fmt.Errorf("%w: %w %q", ErrAuthenticationFailed, ErrUnknownRealm, realmName)
	}
	subject, err := realm.Authenticate(ctx, credentials.Username, credentials.Password)
	if err != nil {
		s.logger.Info("authentication failed", "realm", realmName, "username", credentials.Username, "error", err)
		s.fail("credentials", err)
		if errors.Is(err, ErrAuthenticationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	return subject, nil
}

func (s *Service) fail(reason string, err error) {
	s.logger.Debug("authentication rejected", "reason", reason, "error", err)
	if s.onFailure != nil {
		s.onFailure(reason)
	}
}

// RunCleanup drops expired blacklist entries every interval until ctx
// is done.
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
			if removed := s.blacklist.Cleanup(s.clock.Now()); removed > 0 {
				s.logger.Debug("blacklist cleanup", "removed", removed)
			}
		}
	}
}
