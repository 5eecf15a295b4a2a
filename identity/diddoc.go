package identity

import (
	"fmt"
	"net/url"
	"strings"

	atpidentity "github.com/bluesky-social/indigo/atproto/identity"
)

type DIDDocument = atpidentity.DIDDocument

const (
	pdsServiceType   = "AtprotoPersonalDataServer"
	pdsServiceSuffix = "#atproto_pds"
)

// ExtractPdsURL returns the serviceEndpoint of the document's atproto PDS
// service entry.
func ExtractPdsURL(doc *DIDDocument) (string, bool) {
	if doc == nil {
		return "", false
	}

	for _, svc := range doc.Service {
		if svc.Type != pdsServiceType {
			continue
		}

		if svc.ID == pdsServiceSuffix || strings.HasSuffix(svc.ID, pdsServiceSuffix) {
			if svc.ServiceEndpoint == "" {
				continue
			}
			return svc.ServiceEndpoint, true
		}
	}

	return "", false
}

// didWebURL maps the method-specific id of a did:web to its document URL.
// did:web:example.com resolves to https://example.com/.well-known/did.json,
// did:web:example.com:user:alice to https://example.com/user/alice/did.json.
func didWebURL(identifier string) (string, error) {
	segments := strings.Split(identifier, ":")

	host, err := url.PathUnescape(segments[0])
	if err != nil || host == "" {
		return "", fmt.Errorf("invalid did:web host %q", segments[0])
	}

	if len(segments) == 1 {
		u := url.URL{Scheme: "https", Host: host, Path: "/.well-known/did.json"}
		return u.String(), nil
	}

	path := make([]string, 0, len(segments))
	for _, seg := range segments[1:] {
		p, err := url.PathUnescape(seg)
		if err != nil || p == "" {
			return "", fmt.Errorf("invalid did:web path segment %q", seg)
		}
		path = append(path, p)
	}

	u := url.URL{Scheme: "https", Host: host, Path: "/" + strings.Join(path, "/") + "/did.json"}
	return u.String(), nil
}
