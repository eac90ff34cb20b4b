package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultAccountsURL hosts the authorize and token endpoints.
	DefaultAccountsURL = "https://accounts.spotify.com"
	// DefaultAPIURL is the Web API base.
	DefaultAPIURL = "https://api.spotify.com/v1"
	// DefaultTimeout bounds every outbound Spotify call.
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 4 << 20
)

// Scopes requested during authorization.
var Scopes = []string{
	"user-read-private",
	"user-read-email",
	"user-top-read",
	"user-read-recently-played",
	"playlist-read-private",
	"playlist-read-collaborative",
}

// AccountsClient talks to the Spotify accounts service.
type AccountsClient interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (TokenGrant, error)
	RefreshToken(ctx context.Context, refreshToken string) (TokenGrant, error)
}

// WebAPIClient issues bearer-authenticated Web API reads.
type WebAPIClient interface {
	Get(ctx context.Context, accessToken string, path string, query url.Values) (json.RawMessage, error)
	FetchProfile(ctx context.Context, accessToken string) (Profile, error)
}

// TokenGrant is a token endpoint response. RefreshToken is empty when Spotify did not rotate it.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Profile is the subset of /v1/me the account link keeps.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Images      []struct {
		URL string `json:"url"`
	} `json:"images"`
}

// FirstImageURL returns the first profile image, if any.
func (profile Profile) FirstImageURL() string {
	for _, image := range profile.Images {
		if strings.TrimSpace(image.URL) != "" {
			return image.URL
		}
	}
	return ""
}

// ClientConfig configures Client.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AccountsURL  string
	APIURL       string
	Timeout      time.Duration
}

// Client implements AccountsClient and WebAPIClient over HTTP.
type Client struct {
	oauthConfig *oauth2.Config
	apiURL      string
	httpClient  *http.Client
}

var (
	_ AccountsClient = (*Client)(nil)
	_ WebAPIClient   = (*Client)(nil)
)

// NewClient validates configuration and builds a Client.
func NewClient(configuration ClientConfig) (*Client, error) {
	if strings.TrimSpace(configuration.ClientID) == "" ||
		strings.TrimSpace(configuration.ClientSecret) == "" ||
		strings.TrimSpace(configuration.RedirectURL) == "" {
		return nil, fmt.Errorf("spotify.client.new: %w", ErrMissingClientConfig)
	}
	accountsURL := strings.TrimRight(configuration.AccountsURL, "/")
	if accountsURL == "" {
		accountsURL = DefaultAccountsURL
	}
	apiURL := strings.TrimRight(configuration.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURL,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   accountsURL + "/authorize",
				TokenURL:  accountsURL + "/api/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// AuthorizeURL composes the consent URL with response_type, client_id, scope, redirect_uri, and state.
func (client *Client) AuthorizeURL(state string) string {
	return client.oauthConfig.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for tokens using HTTP Basic client credentials.
func (client *Client) ExchangeCode(ctx context.Context, code string) (TokenGrant, error) {
	token, err := client.oauthConfig.Exchange(client.contextWithHTTPClient(ctx), code)
	if err != nil {
		return TokenGrant{}, classifyTokenError("spotify.token.exchange", err)
	}
	return grantFromToken(token), nil
}

// RefreshToken runs the refresh_token grant.
func (client *Client) RefreshToken(ctx context.Context, refreshToken string) (TokenGrant, error) {
	source := client.oauthConfig.TokenSource(client.contextWithHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return TokenGrant{}, classifyTokenError("spotify.token.refresh", err)
	}
	grant := grantFromToken(token)
	if grant.RefreshToken == refreshToken {
		grant.RefreshToken = ""
	}
	return grant, nil
}

// Get performs a bearer GET against the Web API and returns the raw JSON body.
func (client *Client) Get(ctx context.Context, accessToken string, path string, query url.Values) (json.RawMessage, error) {
	endpoint := client.apiURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("spotify.api.request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("spotify.api.get %s: %w: %w", path, ErrNetwork, err)
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if readErr != nil {
		return nil, fmt.Errorf("spotify.api.read %s: %w: %w", path, ErrNetwork, readErr)
	}
	if response.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Operation: "spotify.api.get " + path, StatusCode: response.StatusCode, Body: truncateBody(body)}
	}
	if !json.Valid(body) {
		return nil, &UpstreamError{Operation: "spotify.api.decode " + path, StatusCode: response.StatusCode, Body: truncateBody(body)}
	}
	return json.RawMessage(body), nil
}

// FetchProfile loads /me for the token owner.
func (client *Client) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	raw, err := client.Get(ctx, accessToken, "/me", nil)
	if err != nil {
		return Profile{}, err
	}
	var profile Profile
	if decodeErr := json.Unmarshal(raw, &profile); decodeErr != nil || profile.ID == "" {
		return Profile{}, &UpstreamError{Operation: "spotify.api.profile", StatusCode: http.StatusOK, Body: truncateBody(raw)}
	}
	return profile, nil
}

func (client *Client) contextWithHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client.httpClient)
}

func classifyTokenError(operation string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		statusCode := 0
		if retrieveErr.Response != nil {
			statusCode = retrieveErr.Response.StatusCode
		}
		return &UpstreamError{Operation: operation, StatusCode: statusCode, Body: truncateBody(retrieveErr.Body)}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", operation, ErrNetwork, err)
	}
	return &UpstreamError{Operation: operation, StatusCode: http.StatusOK, Body: err.Error()}
}

func grantFromToken(token *oauth2.Token) TokenGrant {
	return TokenGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    expiresIn(token),
	}
}

func expiresIn(token *oauth2.Token) time.Duration {
	switch value := token.Extra("expires_in").(type) {
	case float64:
		return time.Duration(value) * time.Second
	case json.Number:
		if seconds, err := value.Int64(); err == nil {
			return time.Duration(seconds) * time.Second
		}
	case string:
		if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	if !token.Expiry.IsZero() {
		return time.Until(token.Expiry).Round(time.Second)
	}
	return 0
}
