// Package whatsapp is the store-and-forward channel adapter. The provider
// speaks a Twilio-style REST API outbound and form-encoded webhooks inbound.
package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.twilio.com"

// Client talks to the provider's messaging REST API
type Client struct {
	accountSID string
	authToken  string
	fromNumber string
	apiBase    string
	http       *http.Client
}

// NewClient creates a provider client
func NewClient(accountSID, authToken, fromNumber string) *Client {
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		apiBase:    defaultAPIBase,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// ValidateCredentials fetches the account record, proving the credentials
// work before any message traffic
func (c *Client) ValidateCredentials(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", c.apiBase, c.accountSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("credential check returned %d", resp.StatusCode)
	}
	return nil
}

// SendText sends one text message and returns the provider message id
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	return c.sendMessage(ctx, url.Values{
		"From": {c.fromNumber},
		"To":   {to},
		"Body": {body},
	})
}

// SendMedia sends one media message and returns the provider message id
func (c *Client) SendMedia(ctx context.Context, to, mediaURL string) (string, error) {
	return c.sendMessage(ctx, url.Values{
		"From":     {c.fromNumber},
		"To":       {to},
		"MediaUrl": {mediaURL},
	})
}

func (c *Client) sendMessage(ctx context.Context, form url.Values) (string, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.apiBase, c.accountSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode, msg)
	}

	var payload struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode provider response: %w", err)
	}
	return payload.SID, nil
}

// ComputeSignature builds the webhook signature for a request: the public
// URL concatenated with every form field in key order, HMAC-SHA1 signed
// with the auth token, base64 encoded.
func ComputeSignature(authToken, publicURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(publicURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time
func VerifySignature(authToken, publicURL string, form url.Values, signature string) bool {
	expected := ComputeSignature(authToken, publicURL, form)
	return hmac.Equal([]byte(expected), []byte(signature))
}
