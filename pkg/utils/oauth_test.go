package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jakechorley/carevisit/internal/config"
)

func TestTokenFile_RoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	token, err := LoadTokenFromFile("test")
	require.NoError(t, err)
	assert.Nil(t, token)

	expiry := time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, SaveTokenToFile("test", &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", Expiry: expiry}))

	token, err = LoadTokenFromFile("test")
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "access", token.AccessToken)
	assert.Equal(t, "refresh", token.RefreshToken)
	assert.True(t, token.Expiry.Equal(expiry))

	other, err := LoadTokenFromFile("prod")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, DeleteTokenFile("test"))
	require.NoError(t, DeleteTokenFile("test"))
	token, err = LoadTokenFromFile("test")
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestMissingScopes(t *testing.T) {
	assert.Empty(t, MissingScopes("openid "+ScopeSheets))
	assert.Equal(t, []string{ScopeSheets}, MissingScopes("openid email"))
	assert.Equal(t, []string{ScopeSheets}, MissingScopes(""))
}

func TestGetOAuthConfig(t *testing.T) {
	cfg := &config.OAuthClientConfig{
		Installed: config.OAuthInstalled{
			ClientID:                "client-id",
			ProjectID:               "project",
			AuthURI:                 "https://accounts.google.com/o/oauth2/auth",
			TokenURI:                "https://oauth2.googleapis.com/token",
			AuthProviderX509CertURL: "https://www.googleapis.com/oauth2/v1/certs",
			ClientSecret:            "secret",
			RedirectURIs:            []string{"http://localhost"},
		},
	}

	oauthConfig, err := GetOAuthConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, "client-id", oauthConfig.ClientID)
	assert.Equal(t, []string{ScopeSheets}, oauthConfig.Scopes)
	assert.Equal(t, "http://localhost:3000/oauth/callback", oauthConfig.RedirectURL)
}
