package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/benbjohnson/clock"

	"nodetrust.mini/ntm/internal/apierr"
	"nodetrust.mini/ntm/internal/claimant"
	"nodetrust.mini/ntm/internal/docs"
	"nodetrust.mini/ntm/internal/identities"
	"nodetrust.mini/ntm/internal/issuer"
	"nodetrust.mini/ntm/internal/logger"
	"nodetrust.mini/ntm/internal/types"
	"nodetrust.mini/ntm/internal/upstream"
)

const maxRequestBody = 1 << 20

// Role names the deployment a Service runs in.
type Role string

const (
	RoleAuthority Role = "authority" // issues server identities
	RoleNode      Role = "node"      // claims a server identity, issues tablet identities
)

// Options wires a Service. Claimant and Upstream are only set on nodes.
type Options struct {
	Role       Role
	Store      *identities.Store
	Issuer     *issuer.Issuer
	Claimant   *claimant.Claimant
	Upstream   *upstream.Client
	Docs       *docs.Service
	Ring       *logger.Logger
	Logger     *slog.Logger
	Clock      clock.Clock
	MaxBackups int
}

// Service handles API requests
type Service struct {
	role       Role
	store      *identities.Store
	issuer     *issuer.Issuer
	claimant   *claimant.Claimant
	upstream   *upstream.Client
	docs       *docs.Service
	ring       *logger.Logger
	logger     *slog.Logger
	clock      clock.Clock
	maxBackups int
}

// NewService creates a new API service
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Ring == nil {
		opts.Ring = logger.New(0)
	}
	return &Service{
		role:       opts.Role,
		store:      opts.Store,
		issuer:     opts.Issuer,
		claimant:   opts.Claimant,
		upstream:   opts.Upstream,
		docs:       opts.Docs,
		ring:       opts.Ring,
		logger:     opts.Logger.With("component", "api"),
		clock:      opts.Clock,
		maxBackups: opts.MaxBackups,
	}
}

// Role returns the deployment this service runs in.
func (s *Service) Role() Role {
	return s.role
}

// Flavor returns the identity flavor this service issues.
func (s *Service) Flavor() types.Flavor {
	return s.issuer.Flavor()
}

// writeJSON writes a JSON response
func (s *Service) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a {"error", "kind"} response with the status for err's
// kind. Errors without a kind are logged and reported generically.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apierr.KindOf(err)
	if kind == apierr.KindInternal {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, apierr.StatusOf(err), map[string]string{
		"error": apierr.MessageOf(err),
		"kind":  string(kind),
	})
}

// decodeJSON reads a JSON object body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apierr.New(apierr.KindInvalidArgument, "request body is required")
		}
		return apierr.Wrap(apierr.KindInvalidArgument, fmt.Sprintf("invalid JSON body: %v", err), err)
	}
	return nil
}

// endpointFor returns the request and response field names used for
// flavor's activation route.
func endpointFor(flavor types.Flavor) upstream.Endpoint {
	if flavor == types.FlavorTablet {
		return upstream.TabletActivation
	}
	return upstream.ServerActivation
}
