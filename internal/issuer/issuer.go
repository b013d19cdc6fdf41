// Package issuer creates pending identities with single-use activation
// secrets and promotes them to active when a node presents a valid secret
// together with its own public key.
package issuer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"nodetrust.mini/ntm/internal/apierr"
	"nodetrust.mini/ntm/internal/events"
	"nodetrust.mini/ntm/internal/identities"
	"nodetrust.mini/ntm/internal/keys"
	"nodetrust.mini/ntm/internal/types"
)

// Store is the persistence the issuer needs. *identities.Store satisfies it.
type Store interface {
	Create(ctx context.Context, identity types.Identity) error
	FindPendingBySecretHash(ctx context.Context, flavor types.Flavor, hash string) (*types.Identity, error)
	ConditionalActivate(ctx context.Context, id string, expected identities.PendingState, fields identities.Activation) (bool, error)
}

// Options configures an Issuer for one identity flavor.
type Options struct {
	Flavor         types.Flavor
	SecretLength   int           // keys.SecretLength for servers, keys.CodeLength for tablets
	TTL            time.Duration // zero means secrets never expire
	RequireAddress bool
	Clock          clock.Clock
	Events         *events.Bus
	Logger         *slog.Logger
}

// Issuer issues and activates identities of a single flavor.
type Issuer struct {
	store Store
	opts  Options
}

// Pending is the result of CreatePending. Secret is the only copy of the
// plaintext activation secret; it cannot be recovered later.
type Pending struct {
	Identity types.Identity
	Secret   string
}

// New returns an Issuer backed by store.
func New(store Store, opts Options) *Issuer {
	if opts.SecretLength <= 0 {
		opts.SecretLength = keys.SecretLength
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "issuer", "flavor", string(opts.Flavor))
	return &Issuer{store: store, opts: opts}
}

// Flavor returns the identity flavor this issuer manages.
func (is *Issuer) Flavor() types.Flavor { return is.opts.Flavor }

// CreatePending registers a new pending identity and returns its
// plaintext secret. Only the secret's hash is stored.
func (is *Issuer) CreatePending(ctx context.Context, name, address string) (*Pending, error) {
	name = strings.TrimSpace(name)
	address = strings.TrimSpace(address)
	if name == "" {
		return nil, apierr.New(apierr.KindInvalidArgument, "name is required")
	}
	if is.opts.RequireAddress && address == "" {
		return nil, apierr.New(apierr.KindInvalidArgument, "address is required")
	}

	secret, err := keys.GenerateOTP(is.opts.SecretLength)
	if err != nil {
		return nil, err
	}

	now := is.opts.Clock.Now().UTC()
	identity := types.Identity{
		ID:                   uuid.NewString(),
		Flavor:               is.opts.Flavor,
		Name:                 name,
		Address:              address,
		ActivationSecretHash: keys.HashSecret(secret),
		CreatedAt:            now,
	}
	if is.opts.TTL > 0 {
		expires := now.Add(is.opts.TTL)
		identity.ActivationExpiresAt = &expires
	}

	if err := is.store.Create(ctx, identity); err != nil {
		return nil, err
	}

	is.opts.Logger.Info("pending identity created", "id", identity.ID, "name", identity.Name)
	is.opts.Events.Publish(ctx, events.Event{
		Type:   events.TypeCreated,
		Flavor: identity.Flavor,
		ID:     identity.ID,
		Name:   identity.Name,
		At:     now,
	})

	return &Pending{Identity: identity, Secret: secret}, nil
}

// Activate consumes secret and binds publicKey to the matching pending
// identity, returning the newly issued external id. Unknown and already
// consumed secrets fail identically with InvalidActivationCredential.
func (is *Issuer) Activate(ctx context.Context, secret, publicKey string) (string, error) {
	if secret == "" {
		return "", apierr.New(apierr.KindInvalidArgument, "activation secret is required")
	}
	if _, err := keys.ParsePublicKey(publicKey); err != nil {
		return "", apierr.Wrap(apierr.KindInvalidArgument, "public_key must be an Ed25519 public key in PEM format", err)
	}

	hash := keys.HashSecret(secret)
	pending, err := is.store.FindPendingBySecretHash(ctx, is.opts.Flavor, hash)
	if err != nil {
		if errors.Is(err, identities.ErrNotFound) {
			is.opts.Logger.Warn("activation rejected", "kind", apierr.KindInvalidActivationCredential)
			return "", apierr.ErrInvalidActivationCredential
		}
		return "", err
	}

	now := is.opts.Clock.Now().UTC()
	if pending.Expired(now) {
		is.opts.Logger.Warn("activation rejected", "id", pending.ID, "kind", apierr.KindActivationExpired)
		return "", apierr.ErrActivationExpired
	}

	externalID := uuid.NewString()
	ok, err := is.store.ConditionalActivate(ctx, pending.ID,
		identities.PendingState{SecretHash: hash, At: now},
		identities.Activation{ExternalID: externalID, PublicKey: publicKey, ActivatedAt: now},
	)
	if err != nil {
		return "", err
	}
	if !ok {
		// Lost the race to a concurrent activation of the same secret.
		is.opts.Logger.Warn("activation rejected", "id", pending.ID, "kind", apierr.KindInvalidActivationCredential)
		return "", apierr.ErrInvalidActivationCredential
	}

	is.opts.Logger.Info("identity activated", "id", pending.ID, "external_id", externalID)
	is.opts.Events.Publish(ctx, events.Event{
		Type:       events.TypeActivated,
		Flavor:     pending.Flavor,
		ID:         pending.ID,
		ExternalID: externalID,
		Name:       pending.Name,
		At:         now,
	})

	return externalID, nil
}
