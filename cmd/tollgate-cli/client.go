package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type client struct {
	addr  string
	token string
	http  *http.Client
}

func (o *options) client() client {
	return client{addr: strings.TrimRight(o.addr, "/"), token: o.token, http: &http.Client{Timeout: 30 * time.Second}}
}

// get fetches path and returns the body of a 200 answer. Any other status
// becomes an error carrying the gateway's message.
func (c client) get(path string) ([]byte, error) {
	return c.do(http.MethodGet, path, nil)
}

// postJSON sends payload as JSON and decodes a 200 answer into v.
func (c client) postJSON(path string, payload, v any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	body, err := c.do(http.MethodPost, path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	return body, nil
}

func (c client) do(method, path string, payload io.Reader) ([]byte, error) {
	req, err := http.NewRequest(method, c.addr+path, payload)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, body)
	}
	return body, nil
}

func (c client) getJSON(path string, v any) ([]byte, error) {
	body, err := c.get(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	return body, nil
}

func apiError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("%d %s: %s", status, http.StatusText(status), payload.Error)
	}
	return fmt.Errorf("%d %s: %s", status, http.StatusText(status), strings.TrimSpace(string(body)))
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("output dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
