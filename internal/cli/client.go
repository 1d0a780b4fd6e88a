package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"goldrun/internal/game"
	"goldrun/internal/market"

	"github.com/google/uuid"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type EngineState struct {
	Status       game.Status            `json:"status"`
	Participants []game.ParticipantView `json:"participants"`
}

func (c *Client) Register(ctx context.Context, username, password, email string) (game.AuthResult, error) {
	var out game.AuthResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/register", "", game.RegisterInput{
		Username: username,
		Password: password,
		Email:    email,
	}, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, username, password string) (game.AuthResult, error) {
	var out game.AuthResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"username": username,
		"password": password,
	}, &out)
	return out, err
}

func (c *Client) Me(ctx context.Context, accessToken string) (game.Profile, error) {
	var out game.Profile
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/users/me", accessToken, nil, &out)
	return out, err
}

func (c *Client) Users(ctx context.Context) ([]game.PublicUser, error) {
	var out []game.PublicUser
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/users", "", nil, &out)
	return out, err
}

func (c *Client) UploadScript(ctx context.Context, accessToken, script string) error {
	return c.jsonRequest(ctx, http.MethodPost, "/v1/users/me/script", accessToken, map[string]any{
		"script": script,
	}, nil)
}

func (c *Client) DeleteMe(ctx context.Context, accessToken string) error {
	return c.jsonRequest(ctx, http.MethodDelete, "/v1/users/me", accessToken, nil, nil)
}

func (c *Client) Engine(ctx context.Context) (EngineState, error) {
	var out EngineState
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/engine", "", nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context) ([]market.Investment, error) {
	var out []market.Investment
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/history", "", nil, &out)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if method != http.MethodGet {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apiError(resp.StatusCode, raw)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return fmt.Errorf("api status %d: %s", status, body.Error)
	}
	return fmt.Errorf("api status %d: %s", status, strings.TrimSpace(string(raw)))
}
