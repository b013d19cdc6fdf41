package identities

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultMaxBackups = 20

// ErrNoBackups is returned by RestoreLatestBackup when the backup
// directory holds no backups of the database.
var ErrNoBackups = errors.New("no identity backups available")

type backupInfo struct {
	path      string
	timestamp int64
}

// BackupCurrent writes a snapshot of the registry to a file stamped with
// now and prunes the oldest backups beyond maxBackups. It returns the path
// of the new backup, or "" when there is no database file yet.
func (s *Store) BackupCurrent(now time.Time, maxBackups int) (string, error) {
	snapshot, err := s.ExportSnapshot()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure backup directory: %w", err)
	}

	prefix, ext := s.backupNaming()
	timestamp := now.Unix()
	var backupPath string
	for {
		backupPath = filepath.Join(s.backupDir, fmt.Sprintf("%s-%d%s", prefix, timestamp, ext))
		if _, err := os.Stat(backupPath); errors.Is(err, os.ErrNotExist) {
			break
		}
		timestamp++
	}

	// Secret hashes and public keys live in here; keep it owner-only.
	if err := os.WriteFile(backupPath, snapshot, 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	s.pruneBackups(maxBackups)

	return backupPath, nil
}

// ExportSnapshot returns a consistent copy of the current database contents.
func (s *Store) ExportSnapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.file); errors.Is(err, os.ErrNotExist) {
		return nil, os.ErrNotExist
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.file), "identities-export-*.db")
	if err != nil {
		return nil, fmt.Errorf("create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	tempFile.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(tempPath)

	escaped := strings.ReplaceAll(tempPath, "'", "''")
	if _, err := s.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", escaped)); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("vacuum into temp file: %w", err)
	}

	data, err := os.ReadFile(tempPath)
	os.Remove(tempPath)
	if err != nil {
		return nil, fmt.Errorf("read export file: %w", err)
	}

	return data, nil
}

// RestoreLatestBackup replaces the database at filePath with the newest
// backup in backupDir. The store must not be open. Files it replaces are
// kept beside it with a ".replaced-<unix>" suffix.
//
// Every identity still pending in the backup is deleted: its secret may
// have been consumed after the backup was taken, and a consumed secret
// must never activate again. Operators reissue those entries. Identities
// activated after the backup are missing and must be reissued too.
//
// It returns the backup used and the number of pending identities dropped.
func RestoreLatestBackup(filePath, backupDir string, now time.Time) (string, int64, error) {
	s, err := newStoreFiles(filePath, backupDir)
	if err != nil {
		return "", 0, err
	}

	backups, err := s.listBackups()
	if err != nil {
		return "", 0, err
	}
	if len(backups) == 0 {
		return "", 0, ErrNoBackups
	}
	latest := backups[len(backups)-1]

	if err := s.setAsideDatabaseFiles(now); err != nil {
		return "", 0, err
	}
	if err := copyFile(latest.path, s.file); err != nil {
		return "", 0, fmt.Errorf("copy backup %s: %w", filepath.Base(latest.path), err)
	}
	if err := s.openDB(); err != nil {
		return "", 0, fmt.Errorf("open restored backup %s: %w", filepath.Base(latest.path), err)
	}
	defer s.closeDB()

	if err := s.ensureSchema(); err != nil {
		return "", 0, err
	}
	res, err := s.db.Exec(`DELETE FROM identities WHERE is_activated = 0`)
	if err != nil {
		return "", 0, fmt.Errorf("drop pending identities: %w", err)
	}
	dropped, err := res.RowsAffected()
	if err != nil {
		return "", 0, fmt.Errorf("drop pending identities: %w", err)
	}

	return latest.path, dropped, nil
}

func (s *Store) setAsideDatabaseFiles(now time.Time) error {
	suffix := fmt.Sprintf(".replaced-%d", now.Unix())
	for _, path := range []string{s.file, s.file + "-wal", s.file + "-shm"} {
		if err := os.Rename(path, path+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set aside %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func (s *Store) backupNaming() (prefix, ext string) {
	base := filepath.Base(s.file)
	ext = filepath.Ext(base)
	prefix = strings.TrimSuffix(base, ext)
	if prefix == "" {
		prefix = base
	}
	return prefix, ext
}

// listBackups returns this store's backups sorted oldest first.
func (s *Store) listBackups() ([]backupInfo, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	prefix, ext := s.backupNaming()
	var backups []backupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if ext != "" && !strings.HasSuffix(name, ext) {
			continue
		}

		tsPart := strings.TrimPrefix(strings.TrimSuffix(name, ext), prefix+"-")
		ts, parseErr := strconv.ParseInt(tsPart, 10, 64)
		if parseErr != nil {
			info, statErr := entry.Info()
			if statErr != nil {
				continue
			}
			ts = info.ModTime().Unix()
		}

		backups = append(backups, backupInfo{
			path:      filepath.Join(s.backupDir, name),
			timestamp: ts,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].timestamp == backups[j].timestamp {
			return backups[i].path < backups[j].path
		}
		return backups[i].timestamp < backups[j].timestamp
	})

	return backups, nil
}

func (s *Store) pruneBackups(maxBackups int) {
	backups, err := s.listBackups()
	if err != nil || len(backups) <= maxBackups {
		return
	}
	for i := 0; i < len(backups)-maxBackups; i++ {
		_ = os.Remove(backups[i].path)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
