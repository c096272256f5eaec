// Package tsa requests and verifies RFC 3161 timestamp tokens against a
// configured timestamp authority.
package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"
)

// Client requests timestamp tokens over HTTP from a single TSA endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{url: url, httpClient: &http.Client{Timeout: timeout}}
}

// Token is the result of a successful timestamp request: the raw DER token
// plus the fields callers most often need without re-parsing it.
type Token struct {
	DER          []byte
	SerialNumber string
	TSATime      time.Time
}

// Request timestamps a SHA-256 digest, returning the DER-encoded token, the
// TSA's serial number for it, and the time the TSA attested.
func (c *Client) Request(ctx context.Context, digest [32]byte) (*Token, error) {
	query, err := timestamp.CreateRequest(bytes.NewReader(digest[:]), &timestamp.RequestOptions{
		Hash:         crypto.SHA256,
		Certificates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("tsa: build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("tsa: build http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/timestamp-query")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tsa: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tsa: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tsa: unexpected status %d", resp.StatusCode)
	}

	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("tsa: parse response: %w", err)
	}

	serial := ""
	if ts.SerialNumber != nil {
		serial = ts.SerialNumber.String()
	}

	return &Token{DER: ts.RawToken, SerialNumber: serial, TSATime: ts.Time}, nil
}

// Verify re-parses a token and checks its hashed message against digest.
// When tsaCert is non-nil, Verify additionally checks only that the token
// carries a TSA certificate; the token's signature is not checked against
// tsaCert.
func Verify(tokenDER []byte, digest [32]byte, tsaCert *x509.Certificate) error {
	ts, err := timestamp.ParseResponse(tokenDER)
	if err != nil {
		if ts, err = timestamp.Parse(tokenDER); err != nil {
			return fmt.Errorf("tsa: parse token: %w", err)
		}
	}
	if !bytes.Equal(ts.HashedMessage, digest[:]) {
		return fmt.Errorf("tsa: token digest mismatch")
	}
	if tsaCert != nil {
		if _, err := ts.GetTSACertificate(nil); err != nil {
			return fmt.Errorf("tsa: certificate lookup failed: %w", err)
		}
	}
	return nil
}
