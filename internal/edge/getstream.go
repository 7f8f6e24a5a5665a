package edge

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
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StreamConfig configures the GetStream video edge.
type StreamConfig struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	TokenTTL   time.Duration
	HTTPClient *http.Client
}

// StreamEdge talks to the GetStream video REST API with a server token.
// Call-ended signals arrive through NotifyEnded, driven by the webhook
// receiver.
type StreamEdge struct {
	apiKey    string
	apiSecret []byte
	baseURL   string
	tokenTTL  time.Duration
	client    *http.Client
	hub       *endedHub
	now       func() time.Time
}

// APIError is a non-2xx answer from the GetStream API.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("getstream: status %d (code %d): %s", e.StatusCode, e.Code, msg)
}

func NewStreamEdge(cfg StreamConfig) (*StreamEdge, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, errors.New("getstream: api key and secret are required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://video.stream-io-api.com"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &StreamEdge{
		apiKey:    strings.TrimSpace(cfg.APIKey),
		apiSecret: []byte(strings.TrimSpace(cfg.APISecret)),
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		tokenTTL:  cfg.TokenTTL,
		client:    client,
		hub:       newEndedHub(),
		now:       time.Now,
	}, nil
}

func (e *StreamEdge) Name() string { return "getstream" }

func (e *StreamEdge) UpsertUser(ctx context.Context, user User) error {
	body := map[string]any{
		"users": map[string]any{
			user.ID: map[string]any{
				"id":   user.ID,
				"name": user.Name,
				"role": "user",
			},
		},
	}
	return e.do(ctx, http.MethodPost, "/api/v2/users", body, nil)
}

func (e *StreamEdge) CreateCall(ctx context.Context, creator User, callType, callID string) (Call, error) {
	body := map[string]any{
		"data": map[string]any{
			"created_by_id": creator.ID,
		},
	}
	var out struct {
		Created bool `json:"created"`
		Call    struct {
			Type      string         `json:"type"`
			ID        string         `json:"id"`
			CreatedBy struct {
				ID string `json:"id"`
			} `json:"created_by"`
			Custom map[string]any `json:"custom"`
		} `json:"call"`
	}
	if err := e.do(ctx, http.MethodPost, callPath(callType, callID), body, &out); err != nil {
		return Call{}, err
	}
	call := Call{
		Type:      out.Call.Type,
		ID:        out.Call.ID,
		CreatedBy: out.Call.CreatedBy.ID,
		Created:   out.Created,
		Custom:    out.Call.Custom,
	}
	if call.Type == "" {
		call.Type = callType
	}
	if call.ID == "" {
		call.ID = callID
	}
	return call, nil
}

func (e *StreamEdge) Join(ctx context.Context, user User, call Call) (Membership, error) {
	body := map[string]any{
		"update_members": []map[string]any{
			{"user_id": user.ID, "role": "user"},
		},
	}
	if err := e.do(ctx, http.MethodPost, callPath(call.Type, call.ID)+"/members", body, nil); err != nil {
		return nil, err
	}
	leave := func() error {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.do(leaveCtx, http.MethodPost, callPath(call.Type, call.ID)+"/members", map[string]any{
			"remove_members": []string{user.ID},
		}, nil)
	}
	return e.hub.register(call.CID(), leave), nil
}

func (e *StreamEdge) EndCall(ctx context.Context, callType, callID string) error {
	return e.do(ctx, http.MethodPost, callPath(callType, callID)+"/mark_ended", map[string]any{}, nil)
}

func (e *StreamEdge) NotifyEnded(cid string) int {
	return e.hub.notify(cid)
}

// ServerToken signs a short-lived server-side JWT with the API secret.
func (e *StreamEdge) ServerToken() (string, error) {
	now := e.now()
	claims := jwt.MapClaims{
		"server": true,
		"iat":    now.Unix(),
		"exp":    now.Add(e.tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.apiSecret)
}

func (e *StreamEdge) do(ctx context.Context, method, path string, body any, out any) error {
	token, err := e.ServerToken()
	if err != nil {
		return fmt.Errorf("getstream: sign token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := e.baseURL + path + "?api_key=" + url.QueryEscape(e.apiKey)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Stream-Auth-Type", "jwt")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("getstream: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("getstream: decode %s: %w", path, err)
	}
	return nil
}

func callPath(callType, callID string) string {
	return "/api/v2/video/call/" + url.PathEscape(callType) + "/" + url.PathEscape(callID)
}
