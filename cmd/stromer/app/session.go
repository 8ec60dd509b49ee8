package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joshp123/stromer/internal/config"
	"github.com/joshp123/stromer/internal/log"
	"github.com/joshp123/stromer/internal/oauth"
	"github.com/joshp123/stromer/internal/rate"
	"github.com/joshp123/stromer/plugins/stromer"
)

// session is one authenticated account: credential store, negotiator and the
// vendor client sharing a rate-limited HTTP client.
type session struct {
	cfg     *config.Config
	logger  log.Logger
	persist oauth.StatePersister
	store   *oauth.Store
	auth    *oauth.Negotiator
	client  *stromer.Client
}

// loadConfig reads the config twice: once to build the logger, then through
// a loader that logs with it.
func loadConfig() (*config.Loader, *config.Config, log.Logger, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := log.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	loader := config.NewLoader(configPath(), logger)
	if cfg, err = loader.Load(); err != nil {
		return nil, nil, nil, err
	}
	return loader, cfg, logger, nil
}

func openSession(cfg *config.Config, logger log.Logger) (*session, error) {
	persist := oauth.StatePersister{
		Path:    cfg.State.File,
		Account: cfg.Account.Username,
		Logger:  logger,
	}
	if cfg.State.Blob.Enabled() {
		blob, err := oauth.NewS3Store(cfg.State.Blob)
		if err != nil {
			return nil, fmt.Errorf("blob store: %w", err)
		}
		persist.Blob = blob
	}

	guard := rate.NewGuard(rate.Limits{
		Name:      "stromer",
		PerMinute: cfg.API.MaxRequestsPerMinute,
		PerDay:    cfg.API.MaxRequestsPerDay,
		Headers:   rate.StandardHeaders(),
	}, nil)
	httpClient := guard.WrapHTTP(&http.Client{Timeout: cfg.API.Timeout()})

	store := oauth.NewStore(persist, logger)
	auth := oauth.NewNegotiator(cfg.API.BaseURL, oauth.WithHTTPClient(httpClient), oauth.WithLogger(logger))
	client := stromer.NewClient(store, auth,
		stromer.WithBaseURL(cfg.API.BaseURL),
		stromer.WithHTTPClient(httpClient),
		stromer.WithLogger(logger),
	)
	return &session{cfg: cfg, logger: logger, persist: persist, store: store, auth: auth, client: client}, nil
}

// resume restores persisted credentials, refreshing them when close to
// expiry. It logs in with the configured account when nothing usable is stored.
func (s *session) resume(ctx context.Context) error {
	creds, err := s.persist.Load(ctx)
	switch {
	case errors.Is(err, oauth.ErrStateNotFound):
		s.logger.Info("no stored credentials, logging in")
		return s.login(ctx, s.cfg.Account)
	case err != nil:
		s.logger.Warn("stored credentials unreadable, logging in", "error", err.Error())
		return s.login(ctx, s.cfg.Account)
	}

	if creds.ClientID != s.cfg.Account.ClientID {
		s.logger.Info("client id changed, logging in")
		return s.login(ctx, s.cfg.Account)
	}
	if !creds.NearExpiry(time.Now()) {
		return s.store.Set(ctx, creds)
	}

	fresh, err := s.auth.Refresh(ctx, creds)
	if err != nil {
		var authErr *oauth.AuthError
		if errors.As(err, &authErr) && authErr.Rejected() {
			s.logger.Info("stored refresh token rejected, logging in", "hint", authErr.Hint())
			return s.login(ctx, s.cfg.Account)
		}
		return err
	}
	return s.store.Set(ctx, fresh)
}

// switchAccount binds the session to a different account and logs in with it.
// Credentials of the previous account are dropped even when the login fails.
func (s *session) switchAccount(ctx context.Context, account config.Account) error {
	s.rebind(account)
	return s.login(ctx, account)
}

func (s *session) rebind(account config.Account) {
	cfg := *s.cfg
	cfg.Account = account
	s.cfg = &cfg
	s.persist.Account = account.Username
	s.store.Rebind(s.persist)
}

func (s *session) login(ctx context.Context, account config.Account) error {
	creds, err := s.auth.Login(ctx, account.Username, account.Password, account.ClientID, account.ClientSecret)
	if err != nil {
		var authErr *oauth.AuthError
		if errors.As(err, &authErr) {
			if hint := authErr.Hint(); hint != "" {
				return fmt.Errorf("%w (%s)", err, hint)
			}
		}
		return err
	}
	if err := s.store.Set(ctx, creds); err != nil {
		// Logged in; only persistence failed.
		s.logger.Warn("credentials not persisted", "error", err.Error())
	}
	s.logger.Info("logged in", "generation", string(creds.Generation))
	return nil
}
