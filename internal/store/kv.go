package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"parking-sync-backend/internal/model"
)

// kvStore keeps the document under one key of a Redis REST endpoint
// (Upstash protocol: POST a JSON command array, read {"result": ...}).
type kvStore struct {
	url    string
	token  string
	key    string
	client *http.Client
}

type kvResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// NewKVStore creates a store backed by a Redis REST endpoint.
func NewKVStore(url, token, key string, timeout time.Duration) (Store, error) {
	if url == "" || token == "" {
		return nil, fmt.Errorf("%w: kv url and token are required", ErrNotConfigured)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &kvStore{
		url:   url,
		token: token,
		key:   key,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (s *kvStore) Get(ctx context.Context) (*model.StateEnvelope, error) {
	result, err := s.do(ctx, "GET", s.key)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return model.DefaultEnvelope(), nil
	}
	var raw string
	if err := json.Unmarshal(result, &raw); err != nil {
		return decodeEnvelope(nil, "kv:"+s.key), nil
	}
	return decodeEnvelope([]byte(raw), "kv:"+s.key), nil
}

func (s *kvStore) Set(ctx context.Context, env *model.StateEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	_, err = s.do(ctx, "SET", s.key, string(raw))
	return err
}

// do sends a single command. Remote failures are wrapped in ErrUnavailable.
func (s *kvStore) do(ctx context.Context, cmd string, args ...string) (json.RawMessage, error) {
	command := append([]string{cmd}, args...)
	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s command: %w", cmd, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create %s request: %v", ErrUnavailable, cmd, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s request failed: %v", ErrUnavailable, cmd, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrUnavailable, cmd, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %v", ErrUnavailable, cmd, err)
	}

	var kvResp kvResponse
	if err := json.Unmarshal(payload, &kvResp); err != nil {
		return nil, fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, cmd, err)
	}
	if kvResp.Error != "" {
		return nil, fmt.Errorf("%w: %s error: %s", ErrUnavailable, cmd, kvResp.Error)
	}
	return kvResp.Result, nil
}
