package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"nodetrust.mini/ntm/internal/claimant"
	"nodetrust.mini/ntm/internal/credentials"
	"nodetrust.mini/ntm/internal/docs"
	"nodetrust.mini/ntm/internal/identities"
	"nodetrust.mini/ntm/internal/issuer"
	"nodetrust.mini/ntm/internal/keys"
	"nodetrust.mini/ntm/internal/logger"
	"nodetrust.mini/ntm/internal/signing"
	"nodetrust.mini/ntm/internal/types"
	"nodetrust.mini/ntm/internal/upstream"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc   *Service
	store *identities.Store
	clock *clock.Mock
	ring  *logger.Logger
	dir   string
}

func newStore(t *testing.T, dir string) *identities.Store {
	t.Helper()
	store, err := identities.NewStore(filepath.Join(dir, "identities.db"), "")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

// setupTest creates a temporary store and an authority service issuing
// server identities.
func setupTest(t *testing.T) (*testEnv, func()) {
	t.Helper()
	dir := t.TempDir()
	store := newStore(t, dir)

	mock := clock.NewMock()
	mock.Set(testStart)
	ring := logger.New(100)
	log := slog.New(logger.NewHandler(ring, slog.NewTextHandler(io.Discard, nil)))

	svc := NewService(Options{
		Role:       RoleAuthority,
		Store:      store,
		Issuer:     issuer.New(store, issuer.Options{Flavor: types.FlavorServer, RequireAddress: true, Clock: mock, Logger: log}),
		Docs:       docs.NewService(dir),
		Ring:       ring,
		Logger:     log,
		Clock:      mock,
		MaxBackups: 3,
	})

	cleanup := func() {
		store.Close()
	}
	return &testEnv{svc: svc, store: store, clock: mock, ring: ring, dir: dir}, cleanup
}

// setupNodeTest creates a node service issuing tablet identities whose
// claimant and upstream client talk to cloudURL.
func setupNodeTest(t *testing.T, cloudURL string) (*testEnv, *credentials.File, func()) {
	t.Helper()
	dir := t.TempDir()
	store := newStore(t, dir)

	mock := clock.NewMock()
	mock.Set(testStart)

	creds := credentials.NewFile(filepath.Join(dir, "credentials.json"))
	signer := signing.NewSigner(creds, signing.ServerHeaders, nil)
	client := upstream.NewClient(cloudURL, upstream.ServerActivation, signer, time.Second)

	svc := NewService(Options{
		Role:  RoleNode,
		Store: store,
		Issuer: issuer.New(store, issuer.Options{
			Flavor:       types.FlavorTablet,
			SecretLength: keys.CodeLength,
			TTL:          10 * time.Minute,
			Clock:        mock,
		}),
		Claimant: claimant.New(client, creds, time.Second, nil),
		Upstream: client,
		Docs:     docs.NewService(dir),
		Clock:    mock,
	})

	return &testEnv{svc: svc, store: store, clock: mock, dir: dir}, creds, func() { store.Close() }
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}
