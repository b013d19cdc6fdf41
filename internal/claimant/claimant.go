// Package claimant activates the local node against its issuer: it
// generates a key pair locally, sends only the public half with the
// activation secret, and persists the returned identity with both keys.
package claimant

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"nodetrust.mini/ntm/internal/apierr"
	"nodetrust.mini/ntm/internal/credentials"
	"nodetrust.mini/ntm/internal/keys"
	"nodetrust.mini/ntm/internal/upstream"
)

// Activator submits an activation to the issuer. *upstream.Client
// satisfies it.
type Activator interface {
	Activate(ctx context.Context, secret, publicKey string) (string, error)
}

// Store is the node's durable credential storage. *credentials.File
// satisfies it.
type Store interface {
	Read() (*credentials.Credentials, error)
	Write(creds credentials.Credentials) error
}

// Claimant performs the one-shot activation of this node.
type Claimant struct {
	mu       sync.Mutex
	issuer   Activator
	store    Store
	timeout  time.Duration
	generate func() (keys.KeyPair, error)
	logger   *slog.Logger
}

// New returns a Claimant. timeout bounds the call to the issuer.
func New(issuer Activator, store Store, timeout time.Duration, logger *slog.Logger) *Claimant {
	if timeout <= 0 {
		timeout = upstream.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Claimant{
		issuer:   issuer,
		store:    store,
		timeout:  timeout,
		generate: keys.GenerateKeyPair,
		logger:   logger.With("component", "claimant"),
	}
}

// Current returns the persisted credentials, or nil when not activated.
func (c *Claimant) Current() (*credentials.Credentials, error) {
	return c.store.Read()
}

// ActivateSelf exchanges secret for an identity and stores it. Nothing is
// persisted unless the issuer accepted the activation. Issuer and
// transport failures are returned as ActivationFailed wrapping the cause.
func (c *Claimant) ActivateSelf(ctx context.Context, secret string) (string, error) {
	if secret == "" {
		return "", apierr.New(apierr.KindInvalidArgument, "activation secret is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.store.Read()
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", apierr.ErrAlreadyActivated
	}

	kp, err := c.generate()
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	externalID, err := c.issuer.Activate(callCtx, secret, kp.PublicKey)
	if err != nil {
		c.logger.Warn("activation failed", "kind", apierr.KindOf(err), "error", err)
		return "", apierr.Wrap(apierr.KindActivationFailed, failureMessage(err), err)
	}

	creds := credentials.Credentials{
		ExternalID: externalID,
		PublicKey:  kp.PublicKey,
		PrivateKey: kp.PrivateKey,
	}
	if err := c.store.Write(creds); err != nil {
		if errors.Is(err, credentials.ErrExists) {
			return "", apierr.ErrAlreadyActivated
		}
		return "", err
	}

	c.logger.Info("node activated", "external_id", externalID)
	return externalID, nil
}

func failureMessage(err error) string {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return "activation failed: " + apiErr.Message
	}
	return "activation failed: issuer unreachable"
}
