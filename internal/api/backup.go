package api

import (
	"net/http"
	"path/filepath"
)

// @Title: Create Backup
// @Route: POST /api/backups
// @Description: Snapshots the identity database into the backup directory and prunes old backups
// @Response: {"status": "ok", "file": "identities-1700000000.db"}
func (s *Service) HandleBackup(w http.ResponseWriter, r *http.Request) {
	backupPath, err := s.store.BackupCurrent(s.clock.Now(), s.maxBackups)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("created backup", "path", backupPath)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"file":   filepath.Base(backupPath),
	})
}
