// Package signing attaches identity, timestamp, and signature headers to
// outgoing requests from an activated node.
//
// The canonical payload is the byte concatenation of the uppercased
// method, the URL path (query excluded), the exact body bytes sent, and
// the millisecond timestamp in decimal. The verifier rebuilds it from the
// same parts, so both ends agree byte for byte.
package signing

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/benbjohnson/clock"

	"nodetrust.mini/ntm/internal/credentials"
	"nodetrust.mini/ntm/internal/keys"
	"nodetrust.mini/ntm/internal/types"
)

// Headers names the three authentication headers for one identity flavor.
type Headers struct {
	Identity  string
	Timestamp string
	Signature string
}

var (
	ServerHeaders = Headers{Identity: "X-Server-Id", Timestamp: "X-Timestamp", Signature: "X-Signature"}
	TabletHeaders = Headers{Identity: "X-Tablet-Id", Timestamp: "X-Timestamp", Signature: "X-Signature"}
)

// HeadersFor returns the header set used by identities of flavor.
func HeadersFor(flavor types.Flavor) Headers {
	if flavor == types.FlavorTablet {
		return TabletHeaders
	}
	return ServerHeaders
}

// CanonicalPayload builds the bytes that are signed for a request.
func CanonicalPayload(method, path string, body []byte, timestampMs int64) []byte {
	ts := strconv.FormatInt(timestampMs, 10)
	buf := make([]byte, 0, len(method)+len(path)+len(body)+len(ts))
	buf = append(buf, strings.ToUpper(method)...)
	buf = append(buf, path...)
	buf = append(buf, body...)
	buf = append(buf, ts...)
	return buf
}

// CredentialSource yields the node's credentials, or nil when it has none.
// *credentials.File satisfies it.
type CredentialSource interface {
	Read() (*credentials.Credentials, error)
}

// Signer signs requests with the node's stored private key.
type Signer struct {
	creds   CredentialSource
	headers Headers
	clock   clock.Clock
}

// NewSigner returns a Signer that reads credentials from creds on every
// request. A nil clk uses the wall clock.
func NewSigner(creds CredentialSource, headers Headers, clk clock.Clock) *Signer {
	if clk == nil {
		clk = clock.New()
	}
	return &Signer{creds: creds, headers: headers, clock: clk}
}

// Sign reads and restores req.Body and sets the authentication headers.
// When no credentials are stored the request is left unsigned.
func (s *Signer) Sign(req *http.Request) error {
	creds, err := s.creds.Read()
	if err != nil {
		return err
	}
	if creds == nil {
		return nil
	}

	body, err := readBody(req)
	if err != nil {
		return err
	}

	ts := s.clock.Now().UnixMilli()
	sig, err := keys.Sign(CanonicalPayload(req.Method, req.URL.Path, body, ts), creds.PrivateKey)
	if err != nil {
		return err
	}

	req.Header.Set(s.headers.Identity, creds.ExternalID)
	req.Header.Set(s.headers.Timestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(s.headers.Signature, sig)
	return nil
}

// readBody drains req.Body and replaces it with an identical reader.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	return body, nil
}

// Transport is an http.RoundTripper that signs every request before
// handing it to Base.
type Transport struct {
	Base   http.RoundTripper
	Signer *Signer
}

// RoundTrip implements http.RoundTripper. The caller's request is not
// modified.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if err := t.Signer.Sign(clone); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}
