package oauth

import (
	"fmt"
	"net/url"
	"slices"
	"time"
)

type OauthProtectedResource struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceDocumentation  string   `json:"resource_documentation"`
}

type OauthAuthorizationMetadata struct {
	Issuer                                     string   `json:"issuer"`
	RequestParameterSupported                  bool     `json:"request_parameter_supported"`
	RequestUriParameterSupported               bool     `json:"request_uri_parameter_supported"`
	ScopesSupported                            []string `json:"scopes_supported"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	AuthorizationResponseISSParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
	JwksUri                                    string   `json:"jwks_uri"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpoint                         string   `json:"revocation_endpoint"`
	PushedAuthorizationRequestEndpoint         string   `json:"pushed_authorization_request_endpoint"`
	RequirePushedAuthorizationRequests         bool     `json:"require_pushed_authorization_requests"`
	DpopSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported"`
	ClientIDMetadataDocumentSupported          bool     `json:"client_id_metadata_document_supported"`
}

// Validate checks the metadata fetched from fetchUrl is usable by this
// client. A missing PAR endpoint is not rejected here; it surfaces as a
// configuration error when an authorization is started.
func (oam *OauthAuthorizationMetadata) Validate(fetchUrl *url.URL) error {
	if fetchUrl == nil {
		return fmt.Errorf("fetch url was nil")
	}

	iu, err := url.Parse(oam.Issuer)
	if err != nil {
		return fmt.Errorf("could not parse issuer: %w", err)
	}

	if iu.Scheme != "https" {
		return fmt.Errorf("issuer url is not https")
	}

	if iu.Host != fetchUrl.Host {
		return fmt.Errorf("issuer host does not match fetch url host")
	}

	if iu.Path != "" && iu.Path != "/" {
		return fmt.Errorf("issuer path is not /")
	}

	if iu.RawQuery != "" {
		return fmt.Errorf("issuer url params are not empty")
	}

	if oam.AuthorizationEndpoint == "" {
		return fmt.Errorf("authorization_endpoint is empty")
	}

	if oam.TokenEndpoint == "" {
		return fmt.Errorf("token_endpoint is empty")
	}

	if len(oam.CodeChallengeMethodsSupported) > 0 && !slices.Contains(oam.CodeChallengeMethodsSupported, "S256") {
		return fmt.Errorf("`S256` is not in code_challenge_methods_supported")
	}

	if len(oam.DpopSigningAlgValuesSupported) > 0 && !slices.Contains(oam.DpopSigningAlgValuesSupported, "ES256") {
		return fmt.Errorf("`ES256` is not in dpop_signing_alg_values_supported")
	}

	return nil
}

type parResponse struct {
	RequestUri string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e errorResponse) String() string {
	if e.ErrorDescription != "" {
		return e.Error + ": " + e.ErrorDescription
	}
	return e.Error
}

// TokenSet is the result of a successful code exchange or refresh.
type TokenSet struct {
	AccessToken string
	// RefreshToken is empty when the server did not issue one.
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Scope        string
	// Did is empty when the server did not identify the subject and the
	// access token could not be decoded. Callers must not trust an empty Did.
	Did        string
	PdsUrl     string
	AuthServer string
	DpopNonce  string
}

// AuthorizationAttempt is the transient state of one login, keyed by State
// and consumed exactly once by the matching callback.
type AuthorizationAttempt struct {
	State         string    `json:"state"`
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	Did           string    `json:"did"`
	Handle        string    `json:"handle,omitempty"`
	PdsUrl        string    `json:"pds_url"`
	AuthServerIss string    `json:"auth_server_iss"`
	DpopNonce     string    `json:"dpop_nonce,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
