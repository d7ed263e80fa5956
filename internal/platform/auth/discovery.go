package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SMARTConfiguration is the subset of the SMART App Launch discovery
// document (/.well-known/smart-configuration) this client uses.
type SMARTConfiguration struct {
	Issuer                 string   `json:"issuer,omitempty"`
	AuthorizationEndpoint  string   `json:"authorization_endpoint"`
	TokenEndpoint          string   `json:"token_endpoint"`
	TokenEndpointAuth      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`
	Capabilities           []string `json:"capabilities,omitempty"`
}

// HasCapability reports whether the server advertises capability c.
func (s *SMARTConfiguration) HasCapability(c string) bool {
	for _, v := range s.Capabilities {
		if v == c {
			return true
		}
	}
	return false
}

// FetchSMARTConfiguration retrieves the discovery document of a FHIR server.
// issuer is the FHIR base URL; a trailing slash is tolerated.
func FetchSMARTConfiguration(ctx context.Context, client *http.Client, issuer string) (*SMARTConfiguration, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimRight(issuer, "/") + "/.well-known/smart-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading discovery response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery returned %d: %s", resp.StatusCode, string(body))
	}

	var cfg SMARTConfiguration
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("decoding discovery document: %w", err)
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		return nil, fmt.Errorf("discovery document at %s lacks authorization or token endpoint", u)
	}
	return &cfg, nil
}
