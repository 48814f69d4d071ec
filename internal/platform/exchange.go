package platform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUpstreamUnavailable marks failures reaching the brokerage's
// authorization or account endpoints. The user can retry the flow.
var ErrUpstreamUnavailable = errors.New("platform: upstream unavailable")

// TokenResponse is the brokerage's answer to a code exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Client talks to brokerage authorization servers: it builds grant URLs,
// exchanges codes for tokens and fetches account identifiers.
type Client struct {
	httpClient *http.Client
	apps       map[Platform]App
	resolve    func(Platform, Environment) (Endpoints, error)
}

// NewClient creates a brokerage OAuth client. Calls carry a bounded timeout
// so a hung brokerage cannot pin a request handler.
func NewClient(apps map[Platform]App) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apps:       apps,
		resolve:    ResolveEndpoints,
	}
}

// NewClientWithResolver creates a client whose endpoint resolution is
// supplied by the caller. Lets tests point the client at local servers.
func NewClientWithResolver(apps map[Platform]App, resolve func(Platform, Environment) (Endpoints, error)) *Client {
	c := NewClient(apps)
	c.resolve = resolve
	return c
}

// Configured reports whether app credentials exist for a platform.
func (c *Client) Configured(p Platform) bool {
	_, ok := c.apps[p]
	return ok
}

// AuthorizeURL builds the brokerage grant URL for the initiate redirect.
func (c *Client) AuthorizeURL(p Platform, env Environment, state, challenge, redirectURI string) (string, error) {
	app, ok := c.apps[p]
	if !ok {
		return "", fmt.Errorf("%w: no app credentials configured", ErrUnsupportedPlatform)
	}
	endpoints, err := c.resolve(p, env)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", app.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("state", state)
	params.Set("code_challenge", challenge)
	params.Set("code_challenge_method", "S256")
	return endpoints.AuthorizeURL + "?" + params.Encode(), nil
}

// ExchangeCode trades an authorization code plus PKCE verifier for brokerage
// tokens.
func (c *Client) ExchangeCode(ctx context.Context, p Platform, env Environment, code, verifier, redirectURI string) (*TokenResponse, error) {
	app, ok := c.apps[p]
	if !ok {
		return nil, fmt.Errorf("%w: no app credentials configured", ErrUnsupportedPlatform)
	}
	endpoints, err := c.resolve(p, env)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("code_verifier", verifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+basicAuth(app.ClientID, app.ClientSecret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: token endpoint returned %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token exchange failed with %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &token, nil
}

// FetchAccountID retrieves the account identifier trading calls need. Tradier
// returns it in the user profile; Schwab returns opaque account hashes.
func (c *Client) FetchAccountID(ctx context.Context, p Platform, env Environment, accessToken string) (string, error) {
	endpoints, err := c.resolve(p, env)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoints.AccountsURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: accounts endpoint returned %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("account lookup failed with %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	switch p {
	case Tradier:
		return parseTradierAccount(body)
	case Schwab:
		return parseSchwabAccount(body)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, p)
	}
}

// parseTradierAccount extracts the first account number from the user
// profile. Tradier serializes a single account as an object and multiple as
// an array.
func parseTradierAccount(body []byte) (string, error) {
	var profile struct {
		Profile struct {
			Account json.RawMessage `json:"account"`
		} `json:"profile"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return "", fmt.Errorf("decoding profile: %w", err)
	}

	type account struct {
		AccountNumber string `json:"account_number"`
	}

	var single account
	if err := json.Unmarshal(profile.Profile.Account, &single); err == nil && single.AccountNumber != "" {
		return single.AccountNumber, nil
	}

	var many []account
	if err := json.Unmarshal(profile.Profile.Account, &many); err == nil && len(many) > 0 && many[0].AccountNumber != "" {
		return many[0].AccountNumber, nil
	}

	return "", fmt.Errorf("profile contains no account number")
}

// parseSchwabAccount extracts the first account hash. Schwab's trading API
// addresses accounts by hash, not by raw number.
func parseSchwabAccount(body []byte) (string, error) {
	var accounts []struct {
		AccountNumber string `json:"accountNumber"`
		HashValue     string `json:"hashValue"`
	}
	if err := json.Unmarshal(body, &accounts); err != nil {
		return "", fmt.Errorf("decoding account numbers: %w", err)
	}
	if len(accounts) == 0 {
		return "", fmt.Errorf("no accounts returned")
	}
	if accounts[0].HashValue != "" {
		return accounts[0].HashValue, nil
	}
	return accounts[0].AccountNumber, nil
}

func basicAuth(clientID, clientSecret string) string {
	return base64.StdEncoding.EncodeToString([]byte(clientID + ":" + clientSecret))
}
