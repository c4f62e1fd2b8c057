// Package main is a container probe for relay-server. It requests the
// readiness endpoint and exits 0 on a 2xx answer, 1 otherwise.
//
// Usage: healthcheck [-insecure] [url]
//
// Without a url the probe targets /readyz on the port of RELAY_LISTEN,
// over https when RELAY_SERVER_CERT_FILE is set.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

func main() {
	insecure := flag.Bool("insecure", true, "skip server certificate verification")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Parse()

	url := flag.Arg(0)
	if url == "" {
		url = defaultURL(os.Getenv("RELAY_LISTEN"), os.Getenv("RELAY_SERVER_CERT_FILE") != "")
	}

	client := &http.Client{
		Timeout: *timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: *insecure}, //nolint:gosec // probes hit localhost
		},
	}
	if err := probe(client, url); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
}

func probe(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return nil
}

// defaultURL maps a listen address such as ":8000" or "0.0.0.0:8443" to a
// loopback readiness URL.
func defaultURL(listen string, tlsEnabled bool) string {
	port := "8000"
	if listen != "" {
		if _, p, err := net.SplitHostPort(listen); err == nil && p != "" {
			port = p
		}
	}
	scheme := "http"
	if tlsEnabled {
		scheme = "https"
	}
	return scheme + "://localhost:" + port + "/readyz"
}
