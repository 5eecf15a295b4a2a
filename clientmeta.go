package oauth

import (
	"net/url"

	"github.com/streamplace/atproto-oauth-core/dpop"
)

type ClientMetadataJwks struct {
	Keys []dpop.PublicJWK `json:"keys"`
}

// ClientMetadata is the document an authorization server fetches from the
// client_id URL.
type ClientMetadata struct {
	ClientId                string             `json:"client_id"`
	ClientName              string             `json:"client_name,omitempty"`
	ClientUri               string             `json:"client_uri,omitempty"`
	LogoUri                 string             `json:"logo_uri,omitempty"`
	TosUri                  string             `json:"tos_uri,omitempty"`
	PolicyUri               string             `json:"policy_uri,omitempty"`
	RedirectUris            []string           `json:"redirect_uris"`
	GrantTypes              []string           `json:"grant_types"`
	ResponseTypes           []string           `json:"response_types"`
	Scope                   string             `json:"scope"`
	TokenEndpointAuthMethod string             `json:"token_endpoint_auth_method"`
	ApplicationType         string             `json:"application_type"`
	DpopBoundAccessTokens   bool               `json:"dpop_bound_access_tokens"`
	Jwks                    ClientMetadataJwks `json:"jwks"`
}

type ClientMetadataArgs struct {
	ClientId     string
	ClientName   string
	ClientUri    string
	LogoUri      string
	TosUri       string
	PolicyUri    string
	RedirectUris []string
	Scope        string
	JWK          dpop.PublicJWK
}

func NewClientMetadata(args ClientMetadataArgs) *ClientMetadata {
	scope := args.Scope
	if scope == "" {
		scope = DefaultScope
	}

	clientUri := args.ClientUri
	if clientUri == "" {
		if u, err := url.Parse(args.ClientId); err == nil && u.Host != "" {
			clientUri = u.Scheme + "://" + u.Host
		}
	}

	return &ClientMetadata{
		ClientId:                args.ClientId,
		ClientName:              args.ClientName,
		ClientUri:               clientUri,
		LogoUri:                 args.LogoUri,
		TosUri:                  args.TosUri,
		PolicyUri:               args.PolicyUri,
		RedirectUris:            args.RedirectUris,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   scope,
		TokenEndpointAuthMethod: "none",
		ApplicationType:         "web",
		DpopBoundAccessTokens:   true,
		Jwks: ClientMetadataJwks{
			Keys: []dpop.PublicJWK{args.JWK},
		},
	}
}
