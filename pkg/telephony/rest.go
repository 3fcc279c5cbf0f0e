package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const restBaseURL = "https://api.twilio.com/2010-04-01"

// RestClient originates calls through the Twilio REST API. It covers only
// the single endpoint the gateway needs; anything richer should use the
// official SDK.
type RestClient struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// RestOption configures a RestClient.
type RestOption func(*RestClient)

// WithRestBaseURL overrides the API endpoint, used in tests.
func WithRestBaseURL(u string) RestOption {
	return func(c *RestClient) { c.baseURL = u }
}

// WithRestHTTPClient overrides the underlying HTTP client.
func WithRestHTTPClient(hc *http.Client) RestOption {
	return func(c *RestClient) { c.httpClient = hc }
}

// NewRestClient creates a client authenticated with the given account
// credentials.
func NewRestClient(accountSID, authToken string, opts ...RestOption) (*RestClient, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("twilio account SID and auth token are required")
	}
	c := &RestClient{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    restBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Call is the subset of the REST call resource the gateway reports back.
type Call struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	To        string `json:"to"`
	From      string `json:"from"`
	Direction string `json:"direction"`
}

// CreateCall originates an outbound call to an E.164 number, executing the
// given TwiML when the callee answers.
func (c *RestClient) CreateCall(ctx context.Context, to, from, twiml string) (*Call, error) {
	if to == "" || from == "" {
		return nil, fmt.Errorf("both to and from numbers are required")
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Twiml", twiml)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("could not build call request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call creation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("call creation returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var call Call
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		return nil, fmt.Errorf("could not decode call response: %w", err)
	}
	return &call, nil
}
