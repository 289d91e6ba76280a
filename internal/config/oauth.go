package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// OAuthClientConfig is the Google "installed app" client the billing export signs in with.
// The JSON shape is the one the Google Cloud console downloads.
type OAuthClientConfig struct {
	Installed OAuthInstalled `json:"installed"`
}

// OAuthInstalled holds the client credentials and Google's endpoints
type OAuthInstalled struct {
	ClientID                string   `json:"client_id" validate:"required"`
	ProjectID               string   `json:"project_id" validate:"required"`
	AuthURI                 string   `json:"auth_uri" validate:"required,url"`
	TokenURI                string   `json:"token_uri" validate:"required,url"`
	AuthProviderX509CertURL string   `json:"auth_provider_x509_cert_url" validate:"required,url"`
	ClientSecret            string   `json:"client_secret" validate:"required"`
	RedirectURIs            []string `json:"redirect_uris" validate:"required,min=1,dive,uri"`
}

// billingOAuthFile names the client file for an environment
func billingOAuthFile(env string) string {
	if env == "" {
		return "oauthClient.json"
	}
	return "oauthClient." + env + ".json"
}

// LoadBillingOAuthClient finds the billing export's client file for env in the working
// directory or the home directory
func LoadBillingOAuthClient(env string) (*OAuthClientConfig, error) {
	path, err := findFile(billingOAuthFile(env))
	if err != nil {
		return nil, fmt.Errorf("failed to find billing oauth client file for env %q: %w", env, err)
	}
	return LoadBillingOAuthClientFromPath(path)
}

// LoadBillingOAuthClientFromPath reads and validates a client file
func LoadBillingOAuthClientFromPath(path string) (*OAuthClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read billing oauth client file: %w", err)
	}

	var client OAuthClientConfig
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to parse billing oauth client file %s: %w", path, err)
	}
	if err := ValidateOAuthClient(&client); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &client, nil
}

// ValidateOAuthClient checks the client can run the export's browser sign-in, which
// receives its callback on a local listener
func ValidateOAuthClient(cfg *OAuthClientConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("oauth client validation failed: %w", err)
	}
	if !hasLoopbackRedirect(cfg.Installed.RedirectURIs) {
		return fmt.Errorf("oauth client validation failed: no localhost redirect uri in %v, create a Desktop app client", cfg.Installed.RedirectURIs)
	}
	return nil
}

func hasLoopbackRedirect(uris []string) bool {
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme != "http" {
			continue
		}
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	}
	return false
}
