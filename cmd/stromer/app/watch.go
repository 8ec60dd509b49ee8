package app

import (
	"context"
	"sync"

	"github.com/joshp123/stromer/internal/config"
	"github.com/joshp123/stromer/internal/log"
	"github.com/joshp123/stromer/plugins/stromer"
)

// pollTarget is the part of the service a config reload can change.
type pollTarget interface {
	SetIntervals(stromer.Intervals)
	Resume()
}

// configWatcher applies reloaded config to a running service. Only settings
// that actually changed are pushed, so unrelated edits keep the poll backoff.
type configWatcher struct {
	target pollTarget
	login  func(context.Context, config.Account) error
	logger log.Logger

	mu        sync.Mutex
	intervals stromer.Intervals
	account   config.Account
}

func newConfigWatcher(cfg *config.Config, target pollTarget, login func(context.Context, config.Account) error, logger log.Logger) *configWatcher {
	if logger == nil {
		logger = log.NewNop()
	}
	return &configWatcher{
		target:    target,
		login:     login,
		logger:    logger.WithName("config-watch"),
		intervals: intervalsFrom(cfg),
		account:   cfg.Account,
	}
}

func (w *configWatcher) apply(ctx context.Context, next *config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if iv := intervalsFrom(next); iv != w.intervals {
		w.intervals = iv
		w.logger.Info("poll intervals changed", "poll", iv.Poll, "active", iv.Active, "stats", iv.Stats)
		w.target.SetIntervals(iv)
	}

	if next.Account == w.account {
		return
	}
	w.account = next.Account
	if err := w.login(ctx, next.Account); err != nil {
		w.logger.Error(err, "login with updated account failed")
		return
	}
	w.target.Resume()
}
