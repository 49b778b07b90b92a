// Package dnsclient reconciles A records for deployed domains against the
// edge CDN (C5 in the design). No Cloudflare SDK appears anywhere in the
// reference corpus, so this talks to the v4 REST API directly over
// net/http with the same bounded-backoff retry helper nodeagent uses.
package dnsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/shiplane/controlplane/internal/errs"
)

const defaultAPIBase = "https://api.cloudflare.com/client/v4"

// Client manages A records for a single Cloudflare account/zone set,
// authenticated with an API token.
type Client struct {
	token      string
	apiBase    string
	httpClient *http.Client
}

// New creates a Client authenticated with the given Cloudflare API token.
func New(token string) *Client {
	return &Client{
		token:      token,
		apiBase:    defaultAPIBase,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type dnsRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	ZoneID  string `json:"zone_id"`
}

type cfResponse[T any] struct {
	Success bool      `json:"success"`
	Errors  []cfError `json:"errors"`
	Result  T         `json:"result"`
}

type cfError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) request(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = b
	}

	operation := func() (*http.Response, error) {
		// A fresh reader per attempt so a retried request resends the body.
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reqBody)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("calling cloudflare: %w", err)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return nil, fmt.Errorf("cloudflare returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			defer resp.Body.Close()
			msg, _ := io.ReadAll(resp.Body)
			return nil, backoff.Permanent(fmt.Errorf("cloudflare returned status %d: %s", resp.StatusCode, msg))
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("%w: %s", errs.ErrDNSError, err)
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding cloudflare response: %w", err)
	}
	return nil
}

func (c *Client) listARecords(ctx context.Context, zoneID, domain string) ([]dnsRecord, error) {
	var out cfResponse[[]dnsRecord]
	path := fmt.Sprintf("/zones/%s/dns_records?type=A&name=%s", zoneID, domain)
	if err := c.request(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: %v", errs.ErrDNSError, out.Errors)
	}
	return out.Result, nil
}

func (c *Client) deleteRecord(ctx context.Context, zoneID, recordID string) error {
	path := fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, recordID)
	var out cfResponse[json.RawMessage]
	if err := c.request(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("%w: %v", errs.ErrDNSError, out.Errors)
	}
	return nil
}

func (c *Client) createARecord(ctx context.Context, zoneID, domain, ip string) error {
	path := fmt.Sprintf("/zones/%s/dns_records", zoneID)
	body := map[string]any{
		"type":    "A",
		"name":    domain,
		"content": ip,
		"proxied": true,
	}
	var out cfResponse[dnsRecord]
	if err := c.request(ctx, http.MethodPost, path, body, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("%w: %v", errs.ErrDNSError, out.Errors)
	}
	return nil
}

// SetupMultiServer replaces every A record for domain with one record per
// ip in ips: it enumerates current A records, deletes them, then creates
// the new set. The net effect is atomic from the caller's perspective but
// not the provider's; a brief interval with a partial record set is
// expected and tolerated by callers.
func (c *Client) SetupMultiServer(ctx context.Context, zoneID, domain string, ips []string) error {
	existing, err := c.listARecords(ctx, zoneID, domain)
	if err != nil {
		return err
	}

	var errs2 []error
	for _, rec := range existing {
		if err := c.deleteRecord(ctx, zoneID, rec.ID); err != nil {
			errs2 = append(errs2, err)
		}
	}

	for _, ip := range ips {
		if err := c.createARecord(ctx, zoneID, domain, ip); err != nil {
			errs2 = append(errs2, err)
		}
	}

	if len(errs2) > 0 {
		return fmt.Errorf("%w: %s", errs.ErrDNSError, errors.Join(errs2...))
	}
	return nil
}

// RemoveDomain deletes every A record for domain.
func (c *Client) RemoveDomain(ctx context.Context, zoneID, domain string) error {
	existing, err := c.listARecords(ctx, zoneID, domain)
	if err != nil {
		return err
	}

	var errs2 []error
	for _, rec := range existing {
		if err := c.deleteRecord(ctx, zoneID, rec.ID); err != nil {
			errs2 = append(errs2, err)
		}
	}
	if len(errs2) > 0 {
		return fmt.Errorf("%w: %s", errs.ErrDNSError, errors.Join(errs2...))
	}
	return nil
}
