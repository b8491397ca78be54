// Package cloud implements the optional relay path: device identity and
// token lifecycle, plus the uploader that pushes buffered segments to the
// remote gateway so viewers can watch without local network access.
package cloud

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Badger keys for persisted identity and credentials.
const (
	tokenKey    = "cloud:token"
	deviceIDKey = "cloud:device_id"
)

// ErrNotLinked is returned when an operation needs credentials but the device
// has never completed the link flow.
var ErrNotLinked = errors.New("device is not linked to a cloud account")

// DeviceToken is the persisted credential set produced by the device-link
// flow and rotated by the refresh routine.
type DeviceToken struct {
	JWT          string `json:"jwt"`
	ExpiryMs     int64  `json:"expiry_ms"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
}

// Expired reports whether the token is past, or within leeway of, its expiry.
func (t DeviceToken) Expired(leeway time.Duration) bool {
	if t.JWT == "" {
		return true
	}
	return time.Now().Add(leeway).UnixMilli() >= t.ExpiryMs
}

// AuthManager owns the device identity and the JWT/refresh-token lifecycle.
// Tokens are persisted in badger so they survive process restarts, and the
// device id is generated once per install and kept stable.
type AuthManager struct {
	log      *slog.Logger
	db       *badger.DB
	authBase string

	mu       sync.RWMutex
	deviceID string
	token    *DeviceToken
}

// NewAuthManager loads (or mints) the device identity and any persisted token
// from db. authBaseURL is the identity service the link flow runs against.
func NewAuthManager(log *slog.Logger, db *badger.DB, authBaseURL string) (*AuthManager, error) {
	m := &AuthManager{log: log, db: db, authBase: authBaseURL}

	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(deviceIDKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			m.deviceID = uuid.NewString()
			return txn.Set([]byte(deviceIDKey), []byte(m.deviceID))
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			m.deviceID = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load device id: %w", err)
	}

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tokenKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var t DeviceToken
			if err := json.Unmarshal(val, &t); err != nil {
				return err
			}
			m.token = &t
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load device token: %w", err)
	}

	return m, nil
}

// DeviceID returns the install-stable device identifier.
func (m *AuthManager) DeviceID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deviceID
}

// SetToken stores a new credential set from the link flow or a refresh. If
// expiryMs is zero it is recovered from the JWT's exp claim; the gateway owns
// the signing key, so the claim is read without signature verification.
func (m *AuthManager) SetToken(token string, expiryMs int64, refreshToken, userID string) error {
	if token == "" {
		return errors.New("empty token")
	}
	if expiryMs <= 0 {
		exp, err := expiryFromJWT(token)
		if err != nil {
			return fmt.Errorf("derive token expiry: %w", err)
		}
		expiryMs = exp
	}

	t := DeviceToken{JWT: token, ExpiryMs: expiryMs, RefreshToken: refreshToken, UserID: userID}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(tokenKey), data)
	})
	if err != nil {
		return fmt.Errorf("persist device token: %w", err)
	}

	m.mu.Lock()
	m.token = &t
	m.mu.Unlock()
	m.log.Info("device token updated", "user_id", userID, "expiry_ms", expiryMs)
	return nil
}

// Token returns the current credential set, ok=false if the device is not
// linked.
func (m *AuthManager) Token() (DeviceToken, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return DeviceToken{}, false
	}
	return *m.token, true
}

// Linked reports whether the device holds a usable token or refresh token.
func (m *AuthManager) Linked() bool {
	t, ok := m.Token()
	return ok && (t.JWT != "" || t.RefreshToken != "")
}

// ClearToken wipes the persisted credentials, unlinking the device. The
// device id is kept.
func (m *AuthManager) ClearToken() error {
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(tokenKey))
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
	return nil
}

// BuildDeviceLinkURL returns the identity-service URL a user opens to link
// this device to their account.
func (m *AuthManager) BuildDeviceLinkURL(deviceName string) string {
	q := url.Values{}
	q.Set("device_id", m.DeviceID())
	q.Set("device_name", deviceName)
	return m.authBase + "/device-link?" + q.Encode()
}

// expiryFromJWT reads the exp claim from an unverified JWT.
func expiryFromJWT(token string) (int64, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return 0, err
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return 0, err
	}
	if exp == nil {
		return 0, errors.New("token has no exp claim")
	}
	return exp.Time.UnixMilli(), nil
}
