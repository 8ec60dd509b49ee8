package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/joshp123/stromer/internal/log"
)

// Persister saves credentials after every successful login or refresh.
type Persister interface {
	Save(ctx context.Context, creds Credentials) error
}

// Store holds the credentials of one account session. Writes replace the whole
// value, so readers never observe a partially refreshed token.
type Store struct {
	persist Persister
	logger  log.Logger

	mu    sync.RWMutex
	creds Credentials
	set   bool
}

func NewStore(persist Persister, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{persist: persist, logger: logger.WithName("token-store")}
}

func (s *Store) Get() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, s.set
}

// Set replaces the credentials in memory and persists them. A persistence
// failure is returned but the in-memory credentials are still replaced.
func (s *Store) Set(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	s.creds = creds
	s.set = true
	persist := s.persist
	s.mu.Unlock()

	tokenValid.WithLabelValues(string(creds.Generation)).Set(1)

	if persist == nil {
		return nil
	}
	if err := persist.Save(ctx, creds); err != nil {
		s.logger.Error(err, "persist credentials")
		return fmt.Errorf("persist credentials: %w", err)
	}
	return nil
}

// Rebind points later saves at persist, e.g. after the configured account
// changed. The credentials held in memory are dropped along with the old binding.
func (s *Store) Rebind(persist Persister) {
	s.mu.Lock()
	gen := s.creds.Generation
	s.persist = persist
	s.creds = Credentials{}
	s.set = false
	s.mu.Unlock()
	tokenValid.WithLabelValues(string(gen)).Set(0)
}

// Clear drops the credentials, e.g. after the vendor rejected the refresh token.
func (s *Store) Clear() {
	s.mu.Lock()
	gen := s.creds.Generation
	s.creds = Credentials{}
	s.set = false
	s.mu.Unlock()
	tokenValid.WithLabelValues(string(gen)).Set(0)
}

// StatePersister writes credentials to a local state file and mirrors them to
// an optional blob store. The local file is authoritative.
type StatePersister struct {
	Path    string
	Blob    BlobStore
	Account string
	Logger  log.Logger
}

func (p StatePersister) Save(ctx context.Context, creds Credentials) error {
	if p.Path != "" {
		if err := WriteState(p.Path, creds); err != nil {
			return err
		}
	}
	if p.Blob == nil {
		return nil
	}
	data, err := EncodeState(creds)
	if err != nil {
		return err
	}
	if err := p.Blob.Save(ctx, p.Account, data); err != nil {
		remotePersistOK.Set(0)
		if p.Logger != nil {
			p.Logger.Warn("mirror credentials to blob store failed", "error", err.Error())
		}
		return nil
	}
	remotePersistOK.Set(1)
	return nil
}

// Load returns previously persisted credentials: the local file first, then the
// blob mirror (restoring the local file from it). ErrStateNotFound when neither exists.
func (p StatePersister) Load(ctx context.Context) (Credentials, error) {
	if p.Path != "" {
		local, err := LoadState(p.Path)
		if err == nil {
			return local, nil
		}
		if !errors.Is(err, ErrStateNotFound) {
			return Credentials{}, err
		}
	}

	if p.Blob == nil {
		return Credentials{}, ErrStateNotFound
	}
	data, err := p.Blob.Load(ctx, p.Account)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return Credentials{}, ErrStateNotFound
		}
		return Credentials{}, err
	}
	creds, err := DecodeState(data)
	if err != nil {
		return Credentials{}, err
	}
	if p.Path != "" {
		if err := WriteState(p.Path, creds); err != nil {
			return Credentials{}, err
		}
	}
	return creds, nil
}
