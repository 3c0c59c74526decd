package app

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/nbblackbox/gradepipe/internal/ratelimit"
	"github.com/nbblackbox/gradepipe/internal/store"
	"github.com/nbblackbox/gradepipe/internal/wakeup"
)

// Service bundles the shared collaborators every binary needs: config,
// coordination store, wake-up signal, and (for the server) auth.
type Service struct {
	Config  *Config
	Store   store.GradingStore
	Auth    *Auth
	Signal  *wakeup.Signal
	Limiter *ratelimit.Limiter
}

func NewService(configPath string) (*Service, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	st, err := NewStore(config.Database.DSN, config.Database.MigrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}

	auth, err := NewAuth(config)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to init auth: %w", err)
	}

	signal, err := wakeup.New(config.Wakeup.RedisURL)
	if err != nil {
		st.Close()
		auth.Close()
		return nil, fmt.Errorf("failed to init wake-up signal: %w", err)
	}

	return &Service{
		Config:  config,
		Store:   st,
		Auth:    auth,
		Signal:  signal,
		Limiter: ratelimit.New(st, config.Cooldown(), config.Limits.DailyMax),
	}, nil
}

// Identity resolves the caller's email and staff flag from the request.
// With auth enabled the bearer token in the configured header decides;
// without it the id header is trusted as-is.
func (s *Service) Identity(r *http.Request) (string, bool, error) {
	email := r.Header.Get(s.Config.API.EmailHeader)
	if email == "" {
		return "", false, fmt.Errorf("missing identity header %s", s.Config.API.EmailHeader)
	}

	if !s.Config.Server.EnableAuth {
		return email, false, nil
	}

	authHeader := r.Header.Get(s.Config.Auth.TokenHeader)
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false, fmt.Errorf("invalid authorization header format")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")

	staff, err := s.Auth.ValidateToken(r.Context(), email, token)
	if err != nil {
		return "", false, err
	}
	return email, staff, nil
}

func (s *Service) Close() error {
	var errs []error

	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := s.Auth.Close(); err != nil {
		errs = append(errs, fmt.Errorf("auth: %w", err))
	}
	if err := s.Signal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("signal: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors while closing: %v", errs)
	}
	return nil
}
