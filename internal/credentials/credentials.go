// Package credentials persists a node's activated identity: its external
// id and the Ed25519 key pair generated during activation. The file is
// written once, with 0600 permissions, and only read afterwards. Losing it
// means the node must be activated again with a new secret.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"nodetrust.mini/ntm/internal/keys"
)

// ErrExists is returned by Write when credentials are already persisted.
var ErrExists = errors.New("credentials already written")

// Credentials is the node-local key material.
type Credentials struct {
	ExternalID string `json:"external_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// File stores Credentials as JSON at a fixed path.
type File struct {
	path string
}

// NewFile returns a File for path. Nothing is touched on disk.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the location of the credentials file.
func (f *File) Path() string { return f.path }

// Read loads the stored credentials. A missing or empty file yields
// (nil, nil): the node is simply not activated yet.
func (f *File) Read() (*Credentials, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", filepath.Base(f.path), err)
	}
	if creds.ExternalID == "" {
		return nil, fmt.Errorf("credentials %s: missing external_id", filepath.Base(f.path))
	}
	if _, err := keys.ParsePrivateKey(creds.PrivateKey); err != nil {
		return nil, fmt.Errorf("credentials %s: %w", filepath.Base(f.path), err)
	}
	return &creds, nil
}

// Write persists creds. It refuses to replace existing credentials; an
// empty leftover file is treated as absent.
func (f *File) Write(creds Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create credentials directory: %w", err)
		}
	}

	if info, err := os.Stat(f.path); err == nil && info.Size() == 0 {
		if err := os.Remove(f.path); err != nil {
			return fmt.Errorf("remove empty credentials file: %w", err)
		}
	}

	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("create credentials file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(f.path)
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(f.path)
		return fmt.Errorf("sync credentials: %w", err)
	}
	return file.Close()
}
