package identities

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nodetrust.mini/ntm/internal/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "identities.db"), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func pendingTablet(id, hash string, expires time.Time) types.Identity {
	return types.Identity{
		ID:                   id,
		Flavor:               types.FlavorTablet,
		Name:                 "Tablet " + id,
		ActivationSecretHash: hash,
		ActivationExpiresAt:  &expires,
		CreatedAt:            t0,
	}
}

func TestCreateAndLookupPending(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, pendingTablet("rec-1", "hash-1", t0.Add(10*time.Minute))); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.FindPendingBySecretHash(ctx, types.FlavorTablet, "hash-1")
	if err != nil {
		t.Fatalf("FindPendingBySecretHash: %v", err)
	}
	if got.ID != "rec-1" || got.IsActivated || !got.Pending() {
		t.Fatalf("unexpected pending record: %+v", got)
	}
	if got.ActivationExpiresAt == nil || !got.ActivationExpiresAt.Equal(t0.Add(10*time.Minute)) {
		t.Fatalf("expiry not round-tripped: %v", got.ActivationExpiresAt)
	}

	if _, err := store.FindPendingBySecretHash(ctx, types.FlavorServer, "hash-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across flavors, got %v", err)
	}
	if _, err := store.FindActiveByExternalID(ctx, types.FlavorTablet, "anything"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown external id, got %v", err)
	}
}

func TestConditionalActivateOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, pendingTablet("rec-1", "hash-1", t0.Add(10*time.Minute))); err != nil {
		t.Fatalf("Create: %v", err)
	}

	fields := Activation{ExternalID: "ext-1", PublicKey: "PEM", ActivatedAt: t0.Add(time.Minute)}
	ok, err := store.ConditionalActivate(ctx, "rec-1", PendingState{SecretHash: "hash-1", At: t0.Add(time.Minute)}, fields)
	if err != nil || !ok {
		t.Fatalf("first activation: ok=%v err=%v", ok, err)
	}

	ok, err = store.ConditionalActivate(ctx, "rec-1", PendingState{SecretHash: "hash-1", At: t0.Add(time.Minute)},
		Activation{ExternalID: "ext-2", PublicKey: "OTHER", ActivatedAt: t0.Add(2 * time.Minute)})
	if err != nil {
		t.Fatalf("second activation: %v", err)
	}
	if ok {
		t.Fatal("second activation must not apply")
	}

	active, err := store.FindActiveByExternalID(ctx, types.FlavorTablet, "ext-1")
	if err != nil {
		t.Fatalf("FindActiveByExternalID: %v", err)
	}
	if active.PublicKey != "PEM" || active.ActivationSecretHash != "" || active.ActivationExpiresAt != nil {
		t.Fatalf("activation fields not applied: %+v", active)
	}
	if !active.Active() || active.ActivatedAt == nil {
		t.Fatalf("identity should be active: %+v", active)
	}

	if _, err := store.FindPendingBySecretHash(ctx, types.FlavorTablet, "hash-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("secret must be consumed, got %v", err)
	}
}

func TestConditionalActivateRespectsExpiry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	expires := t0.Add(10 * time.Minute)

	if err := store.Create(ctx, pendingTablet("rec-1", "hash-1", expires)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	fields := Activation{ExternalID: "ext-1", PublicKey: "PEM", ActivatedAt: expires}
	ok, err := store.ConditionalActivate(ctx, "rec-1", PendingState{SecretHash: "hash-1", At: expires.Add(time.Millisecond)}, fields)
	if err != nil {
		t.Fatalf("activation after expiry: %v", err)
	}
	if ok {
		t.Fatal("activation after expiry must not apply")
	}

	ok, err = store.ConditionalActivate(ctx, "rec-1", PendingState{SecretHash: "hash-1", At: expires}, fields)
	if err != nil || !ok {
		t.Fatalf("activation at the deadline should apply: ok=%v err=%v", ok, err)
	}
}

func TestConditionalActivateWrongHash(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, pendingTablet("rec-1", "hash-1", t0.Add(time.Hour))); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, err := store.ConditionalActivate(ctx, "rec-1", PendingState{SecretHash: "hash-2", At: t0},
		Activation{ExternalID: "ext-1", PublicKey: "PEM", ActivatedAt: t0})
	if err != nil {
		t.Fatalf("ConditionalActivate: %v", err)
	}
	if ok {
		t.Fatal("mismatched hash must not activate")
	}
}

func TestConditionalActivateConcurrent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	server := types.Identity{
		ID:                   "srv-1",
		Flavor:               types.FlavorServer,
		Name:                 "Main St",
		Address:              "1 Main St",
		ActivationSecretHash: "hash-srv",
		CreatedAt:            t0,
	}
	if err := store.Create(ctx, server); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const attempts = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.ConditionalActivate(ctx, "srv-1", PendingState{SecretHash: "hash-srv", At: t0},
				Activation{ExternalID: fmt.Sprintf("ext-%d", i), PublicKey: "PEM", ActivatedAt: t0})
			if err != nil {
				t.Errorf("attempt %d: %v", i, err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one activation, got %d", wins)
	}

	list, err := store.List(ctx, types.FlavorServer)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || !list[0].IsActivated {
		t.Fatalf("unexpected list after race: %+v", list)
	}
}

func TestListFiltersByFlavor(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		identity := pendingTablet(fmt.Sprintf("tab-%d", i), fmt.Sprintf("hash-%d", i), t0.Add(time.Hour))
		identity.CreatedAt = t0.Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, identity); err != nil {
			t.Fatalf("Create tablet %d: %v", i, err)
		}
	}
	if err := store.Create(ctx, types.Identity{ID: "srv", Flavor: types.FlavorServer, Name: "s", ActivationSecretHash: "hash-s", CreatedAt: t0}); err != nil {
		t.Fatalf("Create server: %v", err)
	}

	tablets, err := store.List(ctx, types.FlavorTablet)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tablets) != 3 {
		t.Fatalf("expected 3 tablets, got %d", len(tablets))
	}
	if tablets[0].ID != "tab-0" || tablets[2].ID != "tab-2" {
		t.Fatalf("tablets not ordered by creation: %s..%s", tablets[0].ID, tablets[2].ID)
	}

	got, err := store.GetByID(ctx, types.FlavorServer, "srv")
	if err != nil || got.Name != "s" {
		t.Fatalf("GetByID: %+v %v", got, err)
	}
	if _, err := store.GetByID(ctx, types.FlavorTablet, "srv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong flavor, got %v", err)
	}
}

func TestBackupCurrentCreatesAndPrunesBackups(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, pendingTablet("rec-0", "hash-0", t0.Add(time.Hour))); err != nil {
		t.Fatalf("Create: %v", err)
	}

	backupPath, err := store.BackupCurrent(t0, 10)
	if err != nil {
		t.Fatalf("BackupCurrent: %v", err)
	}
	if backupPath == "" {
		t.Fatalf("expected backup path, got empty string")
	}
	if filepath.Dir(backupPath) != filepath.Join(dir, "backups") {
		t.Fatalf("expected backup in backups directory, got %q", filepath.Dir(backupPath))
	}
	info, err := os.Stat(backupPath)
	if err != nil {
		t.Fatalf("backup file should exist: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("backup should be owner-only, got %v", info.Mode().Perm())
	}

	for i := 1; i <= 12; i++ {
		if _, err := store.BackupCurrent(t0, 10); err != nil {
			t.Fatalf("backup iteration %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var backupCount int
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "identities-") && strings.HasSuffix(entry.Name(), ".db") {
			backupCount++
		}
	}
	if backupCount != 10 {
		t.Fatalf("expected 10 backup files after pruning, found %d", backupCount)
	}
}

func TestNewStoreFailsOnCorruptDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "identities.db")
	garbage := []byte("this is not sqlite")

	if err := os.WriteFile(dbPath, garbage, 0o600); err != nil {
		t.Fatalf("write corrupt db: %v", err)
	}

	store, err := NewStore(dbPath, "")
	if err == nil {
		store.Close()
		t.Fatal("expected NewStore to fail on a corrupt database")
	}

	data, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("corrupt db should be left in place: %v", err)
	}
	if string(data) != string(garbage) {
		t.Fatalf("corrupt db was modified: %q", data)
	}
}

func TestNewStoreDoesNotRestoreBackupsAutomatically(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "identities.db")

	store, err := NewStore(dbPath, "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Create(context.Background(), pendingTablet("rec-0", "hash-0", t0.Add(time.Hour))); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.BackupCurrent(t0, 5); err != nil {
		t.Fatalf("BackupCurrent: %v", err)
	}
	store.Close()
	corruptDB(t, dbPath)

	if reopened, err := NewStore(dbPath, ""); err == nil {
		reopened.Close()
		t.Fatal("expected NewStore to fail instead of restoring a backup")
	}
}

func TestRestoreLatestBackupDropsPendingIdentities(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "identities.db")
	ctx := context.Background()

	store, err := NewStore(dbPath, "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Create(ctx, pendingTablet("rec-active", "hash-active", t0.Add(time.Hour))); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.ConditionalActivate(ctx, "rec-active",
		PendingState{SecretHash: "hash-active", At: t0},
		Activation{ExternalID: "ext-active", PublicKey: "pem", ActivatedAt: t0}); err != nil {
		t.Fatalf("ConditionalActivate: %v", err)
	}
	if err := store.Create(ctx, pendingTablet("rec-pending", "hash-pending", t0.Add(time.Hour))); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.BackupCurrent(t0, 5); err != nil {
		t.Fatalf("BackupCurrent: %v", err)
	}
	store.Close()
	corruptDB(t, dbPath)

	used, dropped, err := RestoreLatestBackup(dbPath, "", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("RestoreLatestBackup: %v", err)
	}
	if used == "" || dropped != 1 {
		t.Fatalf("expected one dropped pending identity, got %d from %q", dropped, used)
	}
	if _, err := os.Stat(fmt.Sprintf("%s.replaced-%d", dbPath, t0.Add(time.Hour).Unix())); err != nil {
		t.Fatalf("replaced database should be kept: %v", err)
	}

	restored, err := NewStore(dbPath, "")
	if err != nil {
		t.Fatalf("NewStore after restore: %v", err)
	}
	defer restored.Close()

	active, err := restored.FindActiveByExternalID(ctx, types.FlavorTablet, "ext-active")
	if err != nil || active.ID != "rec-active" {
		t.Fatalf("active identity should survive restore: %+v %v", active, err)
	}
	if _, err := restored.FindPendingBySecretHash(ctx, types.FlavorTablet, "hash-pending"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending secret must not survive restore, got %v", err)
	}
}

func TestRestoreLatestBackupWithoutBackups(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "identities.db")
	if _, _, err := RestoreLatestBackup(dbPath, "", t0); !errors.Is(err, ErrNoBackups) {
		t.Fatalf("expected ErrNoBackups, got %v", err)
	}
}

func corruptDB(t *testing.T, dbPath string) {
	t.Helper()
	for _, path := range []string{dbPath + "-wal", dbPath + "-shm"} {
		os.Remove(path)
	}
	if err := os.WriteFile(dbPath, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("corrupt db: %v", err)
	}
}
