package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type relayClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() (*relayClient, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: insecure} //nolint:gosec // opt-in flag
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return &relayClient{
		baseURL: strings.TrimRight(serverURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

// do sends a request and decodes a JSON response into v. Any status in ok
// is accepted; others are reported with the server's error message.
func (c *relayClient) do(method, path, contentType string, body []byte, v any, ok ...int) (int, error) {
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("request creation failed: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if len(ok) == 0 {
		ok = []int{http.StatusOK}
	}
	accepted := false
	for _, code := range ok {
		if resp.StatusCode == code {
			accepted = true
		}
	}
	if !accepted {
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("server returned %d: %s", resp.StatusCode, errorMessage(data))
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return resp.StatusCode, fmt.Errorf("decode error: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *relayClient) getJSON(path string, v any, ok ...int) (int, error) {
	return c.do(http.MethodGet, path, "", nil, v, ok...)
}

func (c *relayClient) postJSON(path string, body any, v any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	_, err = c.do(http.MethodPost, path, "application/json", data, v)
	return err
}

// errorMessage extracts the error or message field of a JSON error body.
func errorMessage(data []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil {
		switch {
		case e.Message != "" && e.Error != "":
			return e.Error + ": " + e.Message
		case e.Error != "":
			return e.Error
		case e.Message != "":
			return e.Message
		}
	}
	return strings.TrimSpace(string(data))
}
