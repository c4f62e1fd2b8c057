package peer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/relaymesh/relay/pkg/pki"
	"github.com/relaymesh/relay/pkg/registry"
)

// ErrRemote wraps every failure to obtain a response from a peer relay.
var ErrRemote = errors.New("remote relay error")

// ClientConfig configures the peer client.
type ClientConfig struct {
	// Certificate is presented to peers as this relay's identity.
	Certificate *tls.Certificate
	// Timeout bounds each forwarded query. Default 60s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client forwards queries to peer relays over mutual TLS. Peers are trusted
// by the fingerprint pinned in the registry, not by a CA chain.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger, clients: map[string]*http.Client{}}
}

// httpClient returns the client pinned to fingerprint.
func (c *Client) httpClient(fingerprint string) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.clients[fingerprint]; ok {
		return hc
	}
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		// Chain verification is replaced by the fingerprint check below.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: pinned(fingerprint),
	}
	if c.cfg.Certificate != nil {
		tlsCfg.Certificates = []tls.Certificate{*c.cfg.Certificate}
	}
	hc := &http.Client{
		Timeout: c.cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig:     tlsCfg,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	c.clients[fingerprint] = hc
	return hc
}

func pinned(fingerprint string) func([][]byte, [][]*x509.Certificate) error {
	want := strings.ToUpper(fingerprint)
	return func(raw [][]byte, _ [][]*x509.Certificate) error {
		if len(raw) == 0 {
			return errors.New("peer presented no certificate")
		}
		cert, err := x509.ParseCertificate(raw[0])
		if err != nil {
			return err
		}
		if got := pki.Fingerprint(cert); got != want {
			return fmt.Errorf("peer certificate fingerprint %s does not match pinned %s", got, want)
		}
		return nil
	}
}

// SubmitQuery forwards q to relay and waits for its terminal response.
func (c *Client) SubmitQuery(ctx context.Context, relay registry.Relay, q Query) (*Response, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSuffix(relay.RestEndpoint, "/") + "/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRemote, relay.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient(relay.Fingerprint).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRemote, relay.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read response: %v", ErrRemote, relay.Name, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: %s: status %d: %s", ErrRemote, relay.Name, resp.StatusCode, errorMessage(data))
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: decode response: %v", ErrRemote, relay.Name, err)
	}
	c.logger.Debug("peer query answered",
		"relay", relay.Name,
		"state", out.State,
		"fragments", len(out.Fragments),
		"duration", time.Since(start).String())
	return &out, nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && (e.Error != "" || e.Message != "") {
		if e.Message != "" {
			return e.Message
		}
		return e.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
