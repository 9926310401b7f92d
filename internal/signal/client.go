package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"rs_viewer/native/internal/domain"
)

// ErrNetwork is matched by every transport or non-2xx failure of the client.
var ErrNetwork = errors.New("signaling request failed")

// StatusError reports a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool { return target == ErrNetwork }

type offerRequest struct {
	DeviceID    string   `json:"device_id"`
	StreamTypes []string `json:"stream_types"`
}

type answerRequest struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
}

type iceRequest struct {
	SessionID     string `json:"session_id"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// Client talks to the backend's /api/webrtc endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a signaling client. baseURL is the backend root, without /api.
// A nil httpClient uses http.DefaultClient.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// CreateOffer asks the backend for an offer carrying one transceiver per
// stream, in order.
func (c *Client) CreateOffer(ctx context.Context, deviceID string, order domain.StreamOrder) (domain.Offer, error) {
	var offer domain.Offer
	req := offerRequest{DeviceID: deviceID, StreamTypes: order.Strings()}
	if err := c.do(ctx, "create offer", http.MethodPost, "/api/webrtc/offer", req, &offer); err != nil {
		return domain.Offer{}, err
	}
	if offer.SessionID == "" || offer.SDP == "" {
		return domain.Offer{}, fmt.Errorf("create offer: %w: response missing session_id or sdp", ErrNetwork)
	}
	if offer.Type == "" {
		offer.Type = "offer"
	}
	log.Info().Str("module", "signal").Str("sid", offer.SessionID).Strs("streams", req.StreamTypes).Msg("offer received")
	return offer, nil
}

// SendAnswer delivers the local answer for sessionID.
func (c *Client) SendAnswer(ctx context.Context, sessionID string, answer domain.SDPPayload) error {
	req := answerRequest{SessionID: sessionID, SDP: answer.SDP, Type: answer.Type}
	if err := c.do(ctx, "send answer", http.MethodPost, "/api/webrtc/answer", req, nil); err != nil {
		return err
	}
	log.Info().Str("module", "signal").Str("sid", sessionID).Msg("answer delivered")
	return nil
}

// SendICECandidate forwards a local candidate. Failures are logged only: a
// lost candidate must not abort the session.
func (c *Client) SendICECandidate(ctx context.Context, sessionID string, candidate domain.ICECandidatePayload) {
	req := iceRequest{
		SessionID:     sessionID,
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}
	if err := c.do(ctx, "send ice candidate", http.MethodPost, "/api/webrtc/ice-candidates", req, nil); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", sessionID).Msg("ice candidate not delivered")
	}
}

// CloseSession asks the backend to drop sessionID. It reports whether the
// backend acknowledged; callers tear down locally either way.
func (c *Client) CloseSession(ctx context.Context, sessionID string) bool {
	if sessionID == "" {
		return true
	}
	path := "/api/webrtc/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, "close session", http.MethodDelete, path, nil, nil); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", sessionID).Msg("session delete not acknowledged")
		return false
	}
	log.Info().Str("module", "signal").Str("sid", sessionID).Msg("session deleted")
	return true
}

// SessionInfo fetches the backend's view of sessionID. Diagnostic only.
func (c *Client) SessionInfo(ctx context.Context, sessionID string) (map[string]any, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session info: no active session")
	}
	var info map[string]any
	path := "/api/webrtc/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, "session info", http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: create http request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: %w: read response: %w", op, ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: %w: unmarshal response: %w", op, ErrNetwork, err)
	}
	return nil
}
