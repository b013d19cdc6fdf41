// Package verify authenticates signed inbound requests. Verify runs the
// checks in a fixed order and stops at the first failure:
//
//  1. identity, timestamp and signature headers are present
//  2. the timestamp parses as a decimal integer (milliseconds)
//  3. the timestamp is within the allowed skew of now, in either direction
//  4. the claimed identity exists, is active and has a public key
//  5. the canonical payload is rebuilt from method, path, body and timestamp
//  6. the signature verifies against the identity's public key
//
// Require wraps a handler with Verify and attaches the identity to the
// request context.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"nodetrust.mini/ntm/internal/apierr"
	"nodetrust.mini/ntm/internal/identities"
	"nodetrust.mini/ntm/internal/keys"
	"nodetrust.mini/ntm/internal/signing"
	"nodetrust.mini/ntm/internal/types"
)

// MaxBodyBytes caps the body buffered before the signature is checked.
const MaxBodyBytes = 1 << 20

// DefaultMaxSkew is the replay window in each direction.
const DefaultMaxSkew = 5 * time.Minute

// Lookup finds active identities. *identities.Store satisfies it.
type Lookup interface {
	FindActiveByExternalID(ctx context.Context, flavor types.Flavor, externalID string) (*types.Identity, error)
}

// Options configures a Verifier.
type Options struct {
	Flavor  types.Flavor
	MaxSkew time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Verifier checks request signatures for one identity flavor.
type Verifier struct {
	lookup  Lookup
	flavor  types.Flavor
	headers signing.Headers
	maxSkew time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// New returns a Verifier.
func New(lookup Lookup, opts Options) *Verifier {
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = DefaultMaxSkew
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Verifier{
		lookup:  lookup,
		flavor:  opts.Flavor,
		headers: signing.HeadersFor(opts.Flavor),
		maxSkew: opts.MaxSkew,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "verify", "flavor", string(opts.Flavor)),
	}
}

// Verify authenticates r and returns the verified identity. On success
// r.Body is replaced with an identical reader so handlers can still
// consume it.
func (v *Verifier) Verify(r *http.Request) (*types.Identity, error) {
	externalID := r.Header.Get(v.headers.Identity)
	tsHeader := r.Header.Get(v.headers.Timestamp)
	signature := r.Header.Get(v.headers.Signature)
	if externalID == "" || tsHeader == "" || signature == "" {
		return nil, apierr.ErrMissingHeaders
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, apierr.ErrMalformedTimestamp
	}

	// Compare against the window edges rather than subtracting so extreme
	// timestamps cannot overflow.
	now := v.clock.Now().UnixMilli()
	skew := v.maxSkew.Milliseconds()
	if ts < now-skew || ts > now+skew {
		return nil, apierr.ErrStaleOrFutureTimestamp
	}

	identity, err := v.lookup.FindActiveByExternalID(r.Context(), v.flavor, externalID)
	if err != nil {
		if errors.Is(err, identities.ErrNotFound) {
			return nil, apierr.ErrUnknownOrInactiveIdentity
		}
		return nil, err
	}
	if !identity.Active() {
		return nil, apierr.ErrUnknownOrInactiveIdentity
	}

	body, err := readBody(r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return nil, apierr.New(apierr.KindInvalidArgument, "request body too large")
		}
		return nil, apierr.Wrap(apierr.KindInvalidArgument, "unable to read request body", err)
	}

	payload := signing.CanonicalPayload(r.Method, r.URL.Path, body, ts)
	if !keys.Verify(payload, signature, identity.PublicKey) {
		return nil, apierr.ErrInvalidSignature
	}

	return identity, nil
}

var errBodyTooLarge = errors.New("request body too large")

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	if len(body) > MaxBodyBytes {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity *types.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// FromContext returns the verified identity attached by Require.
func FromContext(ctx context.Context) (*types.Identity, bool) {
	identity, ok := ctx.Value(contextKey{}).(*types.Identity)
	return identity, ok && identity != nil
}

// Require returns a handler that only calls next for requests passing
// Verify. Rejections are answered with {"error", "kind"} JSON.
func (v *Verifier) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := v.Verify(r)
		if err != nil {
			v.logger.Warn("request rejected",
				"method", r.Method,
				"path", r.URL.Path,
				"identity", r.Header.Get(v.headers.Identity),
				"kind", apierr.KindOf(err),
				"remote", r.RemoteAddr,
			)
			writeRejection(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireFunc is Require for a HandlerFunc.
func (v *Verifier) RequireFunc(next http.HandlerFunc) http.Handler {
	return v.Require(next)
}

func writeRejection(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.StatusOf(err))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": apierr.MessageOf(err),
		"kind":  string(apierr.KindOf(err)),
	})
}
