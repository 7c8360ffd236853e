// Package salesforce holds the HTTP clients for the Salesforce OAuth and Tooling APIs.
package salesforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// APIError is a failed call against Salesforce, carrying the upstream HTTP status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("salesforce: request failed status=%d body=%s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is an APIError with a 401 or 403 status.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}

// TokenResponse is the OAuth token endpoint response for both the code exchange
// and the refresh grant. RefreshToken and InstanceURL may be absent on refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	InstanceURL  string `json:"instance_url"`
}

// UserInfo is the OAuth userinfo endpoint response.
type UserInfo struct {
	Name             string `json:"name"`
	Email            string `json:"email"`
	Username         string `json:"preferred_username"`
	OrganizationID   string `json:"organization_id"`
	OrganizationName string `json:"organization_name"`
}

// OAuthClient talks to the Salesforce authorization server:
// code exchange, refresh, revoke, and the userinfo endpoint.
type OAuthClient struct {
	LoginURL     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	HTTPClient   *http.Client
}

// NewOAuthClient returns an OAuth client for the given connected-app credentials.
func NewOAuthClient(loginURL, clientID, clientSecret, redirectURI string) *OAuthClient {
	return &OAuthClient{
		LoginURL:     strings.TrimSuffix(loginURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  redirectURI,
		HTTPClient:   &http.Client{Timeout: defaultTimeout},
	}
}

// AuthorizationURL builds the user-facing authorization URL. No network call.
func (c *OAuthClient) AuthorizationURL() string {
	return c.LoginURL + "/services/oauth2/authorize" +
		"?response_type=code" +
		"&client_id=" + url.QueryEscape(c.ClientID) +
		"&redirect_uri=" + url.QueryEscape(c.RedirectURI)
}

// ExchangeCode posts the authorization code to the token endpoint.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.ClientID},
		"client_secret": {c.ClientSecret},
		"redirect_uri":  {c.RedirectURI},
	}
	return c.postToken(ctx, form)
}

// Refresh posts the refresh grant to the token endpoint.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.ClientID},
		"client_secret": {c.ClientSecret},
	}
	return c.postToken(ctx, form)
}

func (c *OAuthClient) postToken(ctx context.Context, form url.Values) (*TokenResponse, error) {
	endpoint := c.LoginURL + "/services/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("salesforce: decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return &tok, nil
}

// Revoke invalidates the given token at the revoke endpoint.
func (c *OAuthClient) Revoke(ctx context.Context, token string) error {
	endpoint := c.LoginURL + "/services/oauth2/revoke?token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// UserInfo fetches the identity record for the bearer token from the given instance.
func (c *OAuthClient) UserInfo(ctx context.Context, instanceURL, accessToken string) (*UserInfo, error) {
	endpoint := strings.TrimSuffix(instanceURL, "/") + "/services/oauth2/userinfo"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("salesforce: decode userinfo: %w", err)
	}
	return &info, nil
}
