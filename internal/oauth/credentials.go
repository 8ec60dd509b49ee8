package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	SchemaVersion = 1

	// ExpiryBuffer is how close to expiry a token may get before it is refreshed proactively.
	ExpiryBuffer = 5 * time.Minute

	defaultTokenLifetime = time.Hour
)

var ErrStateNotFound = errors.New("credential state not found")

// Credentials are the OAuth credentials of one account session.
type Credentials struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ClientID     string     `json:"client_id"`
	ClientSecret string     `json:"client_secret,omitempty"`
	Generation   Generation `json:"api_generation"`
}

// NearExpiry reports whether the access token expires within ExpiryBuffer of now.
func (c Credentials) NearExpiry(now time.Time) bool {
	return c.ExpiresAt.Sub(now) < ExpiryBuffer
}

func (c Credentials) Authorization() string {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + c.AccessToken
}

func (c Credentials) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("credentials missing client_id")
	}
	if c.AccessToken == "" && c.RefreshToken == "" {
		return fmt.Errorf("credentials missing tokens")
	}
	if !c.Generation.Valid() {
		return fmt.Errorf("unsupported api_generation %q", c.Generation)
	}
	return nil
}

// State is the persisted form of Credentials.
type State struct {
	SchemaVersion int         `json:"schema_version"`
	Credentials   Credentials `json:"credentials"`
}

func LoadState(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, ErrStateNotFound
		}
		return Credentials{}, fmt.Errorf("read state: %w", err)
	}
	return DecodeState(data)
}

func DecodeState(data []byte) (Credentials, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return Credentials{}, fmt.Errorf("decode state: %w", err)
	}
	if state.SchemaVersion != SchemaVersion {
		return Credentials{}, fmt.Errorf("unsupported schema_version: %d", state.SchemaVersion)
	}
	if err := state.Credentials.Validate(); err != nil {
		return Credentials{}, err
	}
	return state.Credentials, nil
}

func EncodeState(creds Credentials) ([]byte, error) {
	data, err := json.MarshalIndent(State{SchemaVersion: SchemaVersion, Credentials: creds}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

// WriteState writes credentials with 0600 permissions, creating the parent directory.
func WriteState(path string, creds Credentials) error {
	data, err := EncodeState(creds)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
