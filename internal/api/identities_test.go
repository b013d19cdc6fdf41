package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nodetrust.mini/ntm/internal/keys"
	"nodetrust.mini/ntm/internal/types"
	"nodetrust.mini/ntm/internal/verify"
)

func TestHandleHealth(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()

	env.svc.HandleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status OK, got %v", w.Code)
	}
}

func TestHandleVersion(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	w := httptest.NewRecorder()
	env.svc.HandleVersion(w, httptest.NewRequest(http.MethodGet, "/api/version", nil))

	body := decodeBody(t, w)
	if body["version"] != types.Version || body["role"] != string(RoleAuthority) {
		t.Fatalf("unexpected version body: %v", body)
	}
}

func TestHandleCreateServer(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	w := httptest.NewRecorder()
	env.svc.HandleCreateServer(w, jsonRequest(t, http.MethodPost, "/api/servers", map[string]string{
		"name": "Main Street", "address": "1 Main St",
	}))

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	secret, _ := body["activation_secret"].(string)
	if len(secret) != keys.SecretLength {
		t.Fatalf("expected %d-char secret, got %q", keys.SecretLength, secret)
	}
	if _, ok := body["expires_at"]; ok {
		t.Fatal("server secrets must not carry an expiry")
	}

	stored, err := env.store.GetByID(context.Background(), types.FlavorServer, body["id"].(string))
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.ActivationSecretHash != keys.HashSecret(secret) {
		t.Fatal("stored hash does not match returned secret")
	}
}

func TestHandleCreateServerValidation(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	cases := map[string]*http.Request{
		"missing address": jsonRequest(t, http.MethodPost, "/api/servers", map[string]string{"name": "x"}),
		"empty body":      httptest.NewRequest(http.MethodPost, "/api/servers", nil),
		"bad json":        httptest.NewRequest(http.MethodPost, "/api/servers", strings.NewReader("{")),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.svc.HandleCreateServer(w, req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d", w.Code)
			}
			if kind := decodeBody(t, w)["kind"]; kind != "InvalidArgument" {
				t.Fatalf("Expected InvalidArgument, got %v", kind)
			}
		})
	}
}

func createServer(t *testing.T, env *testEnv) string {
	t.Helper()
	w := httptest.NewRecorder()
	env.svc.HandleCreateServer(w, jsonRequest(t, http.MethodPost, "/api/servers", map[string]string{
		"name": "Main Street", "address": "1 Main St",
	}))
	if w.Code != http.StatusCreated {
		t.Fatalf("create server: %d %s", w.Code, w.Body.String())
	}
	return decodeBody(t, w)["activation_secret"].(string)
}

func TestHandleActivateServer(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	secret := createServer(t, env)
	kp, err := keys.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	env.svc.HandleActivateServer(w, jsonRequest(t, http.MethodPost, "/api/servers/activate", map[string]string{
		"activation_secret": secret, "public_key": kp.PublicKey,
	}))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	serverID, _ := decodeBody(t, w)["server_id"].(string)
	if serverID == "" {
		t.Fatal("missing server_id")
	}

	w = httptest.NewRecorder()
	env.svc.HandleActivateServer(w, jsonRequest(t, http.MethodPost, "/api/servers/activate", map[string]string{
		"activation_secret": secret, "public_key": kp.PublicKey,
	}))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 on reuse, got %d", w.Code)
	}
	reused := decodeBody(t, w)

	w = httptest.NewRecorder()
	env.svc.HandleActivateServer(w, jsonRequest(t, http.MethodPost, "/api/servers/activate", map[string]string{
		"activation_secret": "UNKNOWNSECRET000", "public_key": kp.PublicKey,
	}))
	unknown := decodeBody(t, w)
	if reused["error"] != unknown["error"] || reused["kind"] != "InvalidActivationCredential" || unknown["kind"] != reused["kind"] {
		t.Fatalf("reused and unknown secrets must be indistinguishable: %v vs %v", reused, unknown)
	}
}

func TestHandleActivateRejectsBadKey(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	secret := createServer(t, env)
	w := httptest.NewRecorder()
	env.svc.HandleActivateServer(w, jsonRequest(t, http.MethodPost, "/api/servers/activate", map[string]string{
		"activation_secret": secret, "public_key": "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n",
	}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestHandleGetServer(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	createServer(t, env)
	list, err := env.store.List(context.Background(), types.FlavorServer)
	if err != nil || len(list) != 1 {
		t.Fatalf("List: %v %v", list, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/servers/"+list[0].ID, nil)
	req.SetPathValue("id", list[0].ID)
	w := httptest.NewRecorder()
	env.svc.HandleGetServer(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "activation_secret_hash") {
		t.Fatal("secret hash must not be serialized")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/servers/nope", nil)
	req.SetPathValue("id", "nope")
	w = httptest.NewRecorder()
	env.svc.HandleGetServer(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
	if decodeBody(t, w)["kind"] != "NotFound" {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestHandleListServers(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	createServer(t, env)
	createServer(t, env)

	w := httptest.NewRecorder()
	env.svc.HandleListServers(w, httptest.NewRequest(http.MethodGet, "/api/servers", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if n := strings.Count(w.Body.String(), `"flavor":"server"`); n != 2 {
		t.Fatalf("expected 2 servers, got %d in %s", n, w.Body.String())
	}
}

func TestHandleServerMe(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	w := httptest.NewRecorder()
	env.svc.HandleServerMe(w, httptest.NewRequest(http.MethodGet, "/api/servers/me", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 without verified identity, got %d", w.Code)
	}

	identity := &types.Identity{ID: "rec", Flavor: types.FlavorServer, ExternalID: "ext", IsActivated: true}
	req := httptest.NewRequest(http.MethodGet, "/api/servers/me", nil)
	req = req.WithContext(verify.WithIdentity(req.Context(), identity))
	w = httptest.NewRecorder()
	env.svc.HandleServerMe(w, req)
	if w.Code != http.StatusOK || decodeBody(t, w)["external_id"] != "ext" {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}
}

func TestHandleTabletLifecycle(t *testing.T) {
	env, _, cleanup := setupNodeTest(t, "http://127.0.0.1:0")
	defer cleanup()

	w := httptest.NewRecorder()
	env.svc.HandleCreateTablet(w, jsonRequest(t, http.MethodPost, "/api/tablets", map[string]string{"name": "Bar"}))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	code, _ := body["activation_code"].(string)
	if len(code) != keys.CodeLength {
		t.Fatalf("expected %d-char code, got %q", keys.CodeLength, code)
	}
	if body["expires_at"] != testStart.Add(10*time.Minute).Format(time.RFC3339) {
		t.Fatalf("unexpected expires_at %v", body["expires_at"])
	}

	kp, _ := keys.GenerateKeyPair()
	env.clock.Add(10*time.Minute + time.Second)
	w = httptest.NewRecorder()
	env.svc.HandleActivateTablet(w, jsonRequest(t, http.MethodPost, "/api/tablets/activate", map[string]string{
		"activation_code": code, "public_key": kp.PublicKey,
	}))
	if w.Code != http.StatusUnauthorized || decodeBody(t, w)["kind"] != "ActivationExpired" {
		t.Fatalf("expected ActivationExpired, got %d %s", w.Code, w.Body.String())
	}
}

func TestHandleLogs(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	createServer(t, env)

	w := httptest.NewRecorder()
	env.svc.HandleLogs(w, httptest.NewRequest(http.MethodGet, "/api/logs?limit=5", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "pending identity created") {
		t.Fatalf("expected issuer log line, got %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	env.svc.HandleLogs(w, httptest.NewRequest(http.MethodGet, "/api/logs?limit=abc", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestHandleBackup(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	createServer(t, env)
	w := httptest.NewRecorder()
	env.svc.HandleBackup(w, httptest.NewRequest(http.MethodPost, "/api/backups", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	file, _ := decodeBody(t, w)["file"].(string)
	if _, err := os.Stat(filepath.Join(env.dir, "backups", file)); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
}

func TestHandleDocs(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	if err := os.WriteFile(filepath.Join(env.dir, "protocol.adoc"), []byte("= Protocol\n\nHello docs.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	env.svc.HandleDocsList(w, httptest.NewRequest(http.MethodGet, "/api/docs", nil))
	if !strings.Contains(w.Body.String(), "protocol.adoc") {
		t.Fatalf("doc not listed: %s", w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/docs/protocol.adoc", nil)
	req.SetPathValue("name", "protocol.adoc")
	w = httptest.NewRecorder()
	env.svc.HandleDoc(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Hello docs.") {
		t.Fatalf("unexpected render %d %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/docs/missing.adoc", nil)
	req.SetPathValue("name", "missing.adoc")
	w = httptest.NewRecorder()
	env.svc.HandleDoc(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
}
