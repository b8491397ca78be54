package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
)

// ErrUpstreamAuth marks gateway rejections caused by invalid or expired
// credentials. The relay pauses on it instead of retrying forever.
var ErrUpstreamAuth = errors.New("cloud gateway rejected credentials")

// Command is a control instruction queued at the gateway by a cloud viewer,
// delivered to the device on its next poll.
type Command struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Gateway is the remote relay endpoint as seen by the uploader. The HTTP
// implementation below talks to the real service; tests substitute a fake.
type Gateway interface {
	UploadInit(ctx context.Context, token string, data []byte) error
	UploadSegment(ctx context.Context, token string, seq uint64, data []byte) error
	UploadPlaylist(ctx context.Context, token string, playlist []byte) error
	PushStatus(ctx context.Context, token string, status []byte) error
	ViewerCount(ctx context.Context, token string) (int, error)
	Commands(ctx context.Context, token string) ([]Command, error)
	Refresh(ctx context.Context, refreshToken string) (DeviceToken, error)
}

const (
	contentTypeMP4      = "video/mp4"
	contentTypeM4S      = "video/iso.segment"
	contentTypePlaylist = "application/vnd.apple.mpegurl"
	contentTypeJSON     = "application/json"
)

// HTTPGateway uploads over HTTPS to the relay service. All calls except the
// token refresh run through a circuit breaker so a flapping gateway sheds
// load quickly instead of queueing doomed uploads.
type HTTPGateway struct {
	base     string
	deviceID string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[[]byte]
}

// NewHTTPGateway returns a gateway for the given relay base URL, keyed by the
// uploading device's id.
func NewHTTPGateway(baseURL, deviceID string) *HTTPGateway {
	settings := gobreaker.Settings{
		Name:    "cloud-gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &HTTPGateway{
		base:     baseURL,
		deviceID: deviceID,
		client:   &http.Client{Timeout: 15 * time.Second},
		breaker:  gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

// UploadInit implements Gateway.
func (g *HTTPGateway) UploadInit(ctx context.Context, token string, data []byte) error {
	_, err := g.put(ctx, token, "/ingest/"+g.deviceID+"/init.mp4", contentTypeMP4, data)
	return err
}

// UploadSegment implements Gateway.
func (g *HTTPGateway) UploadSegment(ctx context.Context, token string, seq uint64, data []byte) error {
	path := fmt.Sprintf("/ingest/%s/segment/%d.m4s", g.deviceID, seq)
	_, err := g.put(ctx, token, path, contentTypeM4S, data)
	return err
}

// UploadPlaylist implements Gateway.
func (g *HTTPGateway) UploadPlaylist(ctx context.Context, token string, playlist []byte) error {
	_, err := g.put(ctx, token, "/ingest/"+g.deviceID+"/live.m3u8", contentTypePlaylist, playlist)
	return err
}

// PushStatus implements Gateway.
func (g *HTTPGateway) PushStatus(ctx context.Context, token string, status []byte) error {
	_, err := g.put(ctx, token, "/ingest/"+g.deviceID+"/status", contentTypeJSON, status)
	return err
}

// ViewerCount implements Gateway. The gateway only ever reports an aggregate
// figure; no per-viewer data crosses this boundary.
func (g *HTTPGateway) ViewerCount(ctx context.Context, token string) (int, error) {
	body, err := g.do(ctx, http.MethodGet, "/ingest/"+g.deviceID+"/viewers", token, "", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Viewers int `json:"viewers"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode viewer count: %w", err)
	}
	return resp.Viewers, nil
}

// Commands implements Gateway. The gateway hands over and forgets pending
// commands in one exchange; a lost response means the viewer retries, which
// is acceptable for idempotent device controls.
func (g *HTTPGateway) Commands(ctx context.Context, token string) ([]Command, error) {
	body, err := g.do(ctx, http.MethodGet, "/ingest/"+g.deviceID+"/commands", token, "", nil)
	if err != nil {
		return nil, err
	}
	var cmds []Command
	if err := json.Unmarshal(body, &cmds); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}
	return cmds, nil
}

// Refresh implements Gateway. It bypasses the circuit breaker: a refresh is
// the recovery path and must not be blocked by upload failures.
func (g *HTTPGateway) Refresh(ctx context.Context, refreshToken string) (DeviceToken, error) {
	payload, err := json.Marshal(map[string]string{
		"refresh_token": refreshToken,
		"device_id":     g.deviceID,
	})
	if err != nil {
		return DeviceToken{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return DeviceToken{}, err
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := g.client.Do(req)
	if err != nil {
		return DeviceToken{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return DeviceToken{}, ErrUpstreamAuth
	}
	if resp.StatusCode != http.StatusOK {
		return DeviceToken{}, fmt.Errorf("refresh: HTTP %d", resp.StatusCode)
	}

	var t DeviceToken
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return DeviceToken{}, fmt.Errorf("decode refreshed token: %w", err)
	}
	return t, nil
}

func (g *HTTPGateway) put(ctx context.Context, token, path, contentType string, body []byte) ([]byte, error) {
	return g.do(ctx, http.MethodPut, path, token, contentType, body)
}

func (g *HTTPGateway) do(ctx context.Context, method, path, token, contentType string, body []byte) ([]byte, error) {
	return g.breaker.Execute(func() ([]byte, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.base+path, rd)
		if err != nil {
			return nil, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, ErrUpstreamAuth
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
		}
		return data, nil
	})
}
