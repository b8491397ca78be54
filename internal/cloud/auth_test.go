package cloud

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang-jwt/jwt/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestAuthManager_device_id_stable_across_restarts(t *testing.T) {
	db := testDB(t)

	m1, err := NewAuthManager(testLogger(), db, "https://auth.example.com")
	if err != nil {
		t.Fatalf("NewAuthManager: %v", err)
	}
	id := m1.DeviceID()
	if id == "" {
		t.Fatal("device id should be minted on first run")
	}

	m2, err := NewAuthManager(testLogger(), db, "https://auth.example.com")
	if err != nil {
		t.Fatalf("NewAuthManager (second): %v", err)
	}
	if m2.DeviceID() != id {
		t.Errorf("device id changed across restarts: %q vs %q", m2.DeviceID(), id)
	}
}

func TestAuthManager_token_persists(t *testing.T) {
	db := testDB(t)
	m1, err := NewAuthManager(testLogger(), db, "https://auth.example.com")
	if err != nil {
		t.Fatalf("NewAuthManager: %v", err)
	}

	if m1.Linked() {
		t.Fatal("fresh device should not be linked")
	}

	exp := time.Now().Add(time.Hour).UnixMilli()
	if err := m1.SetToken("jwt-value", exp, "refresh-value", "user-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if !m1.Linked() {
		t.Error("device should be linked after SetToken")
	}

	m2, err := NewAuthManager(testLogger(), db, "https://auth.example.com")
	if err != nil {
		t.Fatalf("NewAuthManager (second): %v", err)
	}
	tok, ok := m2.Token()
	if !ok {
		t.Fatal("token should survive restart")
	}
	if tok.JWT != "jwt-value" || tok.RefreshToken != "refresh-value" || tok.UserID != "user-1" {
		t.Errorf("persisted token = %+v", tok)
	}
	if tok.ExpiryMs != exp {
		t.Errorf("expiry = %d, want %d", tok.ExpiryMs, exp)
	}
}

func TestAuthManager_expiry_recovered_from_jwt(t *testing.T) {
	db := testDB(t)
	m, err := NewAuthManager(testLogger(), db, "https://auth.example.com")
	if err != nil {
		t.Fatalf("NewAuthManager: %v", err)
	}

	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	if err := m.SetToken(signedToken(t, exp), 0, "r", "u"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	tok, _ := m.Token()
	if tok.ExpiryMs != exp.UnixMilli() {
		t.Errorf("expiry from claim = %d, want %d", tok.ExpiryMs, exp.UnixMilli())
	}
}

func TestAuthManager_SetToken_rejects_empty(t *testing.T) {
	db := testDB(t)
	m, err := NewAuthManager(testLogger(), db, "https://auth.example.com")
	if err != nil {
		t.Fatalf("NewAuthManager: %v", err)
	}
	if err := m.SetToken("", 0, "", ""); err == nil {
		t.Error("empty token should be rejected")
	}
}

func TestAuthManager_ClearToken_keeps_device_id(t *testing.T) {
	db := testDB(t)
	m, err := NewAuthManager(testLogger(), db, "https://auth.example.com")
	if err != nil {
		t.Fatalf("NewAuthManager: %v", err)
	}
	id := m.DeviceID()
	if err := m.SetToken("jwt", time.Now().Add(time.Hour).UnixMilli(), "r", "u"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	if err := m.ClearToken(); err != nil {
		t.Fatalf("ClearToken: %v", err)
	}
	if m.Linked() {
		t.Error("device should be unlinked after ClearToken")
	}
	if m.DeviceID() != id {
		t.Error("device id must survive unlinking")
	}
}

func TestAuthManager_BuildDeviceLinkURL(t *testing.T) {
	db := testDB(t)
	m, err := NewAuthManager(testLogger(), db, "https://auth.example.com")
	if err != nil {
		t.Fatalf("NewAuthManager: %v", err)
	}

	u := m.BuildDeviceLinkURL("Front Door Cam")
	if !strings.HasPrefix(u, "https://auth.example.com/device-link?") {
		t.Errorf("link url = %q", u)
	}
	if !strings.Contains(u, "device_id="+m.DeviceID()) {
		t.Errorf("link url missing device id: %q", u)
	}
	if !strings.Contains(u, "device_name=Front+Door+Cam") {
		t.Errorf("link url missing escaped device name: %q", u)
	}
}

func TestDeviceToken_Expired(t *testing.T) {
	now := time.Now()
	fresh := DeviceToken{JWT: "x", ExpiryMs: now.Add(time.Hour).UnixMilli()}
	if fresh.Expired(30 * time.Second) {
		t.Error("token expiring in an hour should not be expired")
	}

	soon := DeviceToken{JWT: "x", ExpiryMs: now.Add(10 * time.Second).UnixMilli()}
	if !soon.Expired(30 * time.Second) {
		t.Error("token inside the leeway window should read expired")
	}

	empty := DeviceToken{}
	if !empty.Expired(0) {
		t.Error("zero token is always expired")
	}
}
