// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jeranaias/gemweb/internal/util"
)

// =============================================================================
// ENCRYPTION CONSTANTS
// =============================================================================

const (
	// storeMagic identifies an encrypted credential blob (format version 1).
	storeMagic = "GWC1"

	// saltSize is the PBKDF2 salt length in bytes.
	saltSize = 32

	// nonceSize is the AES-GCM nonce length in bytes (96 bits).
	nonceSize = 12

	// keySize is the derived AES-256 key length in bytes.
	keySize = 32

	// pbkdf2Iterations follows OWASP guidance for PBKDF2-SHA-256.
	pbkdf2Iterations = 600000

	// storeFileMode is owner read/write only.
	storeFileMode = os.FileMode(0600)

	// storeDirMode is owner access only.
	storeDirMode = os.FileMode(0700)
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoCredentials indicates no credential blob exists on disk yet.
	ErrNoCredentials = errors.New("no stored credentials")

	// ErrDecryptFailed indicates the blob could not be decrypted (wrong
	// passphrase or tampered/corrupted file).
	ErrDecryptFailed = errors.New("credential decryption failed")

	// ErrBadBlobFormat indicates the file is not a recognized credential blob.
	ErrBadBlobFormat = errors.New("unrecognized credential blob format")
)

// =============================================================================
// STORE
// =============================================================================

// Store persists one credential set as an encrypted blob at a fixed path.
// Encryption is AES-256-GCM with a key derived from the passphrase via
// PBKDF2-SHA-256; a fresh salt and nonce are generated on every save.
type Store struct {
	path       string
	passphrase []byte
}

// NewStore creates a store for the given path and passphrase. The parent
// directory and file permissions are enforced lazily on first use.
func NewStore(path, passphrase string) *Store {
	return &Store{path: path, passphrase: []byte(passphrase)}
}

// Path returns the blob location.
func (st *Store) Path() string {
	return st.path
}

// Exists reports whether a credential blob is present.
func (st *Store) Exists() bool {
	_, err := os.Stat(st.path)
	return err == nil
}

// EnsurePermissions creates the parent directory if missing and corrects the
// directory and file modes if they have drifted. Called on startup: a
// world-readable credential file is a finding we fix, not one we ignore.
func (st *Store) EnsurePermissions() error {
	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, storeDirMode); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}
	if info, err := os.Stat(dir); err == nil && info.Mode().Perm() != storeDirMode {
		log.Printf("credentials: correcting directory mode %o -> %o on %s", info.Mode().Perm(), storeDirMode, dir)
		if err := os.Chmod(dir, storeDirMode); err != nil {
			return fmt.Errorf("failed to restrict credential directory: %w", err)
		}
	}
	if info, err := os.Stat(st.path); err == nil && info.Mode().Perm() != storeFileMode {
		log.Printf("credentials: correcting file mode %o -> %o on %s", info.Mode().Perm(), storeFileMode, st.path)
		if err := os.Chmod(st.path, storeFileMode); err != nil {
			return fmt.Errorf("failed to restrict credential file: %w", err)
		}
	}
	return nil
}

// Save encrypts and atomically writes the set.
func (st *Store) Save(set Set) error {
	if err := st.EnsurePermissions(); err != nil {
		return err
	}

	plain, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key(st.passphrase, salt, pbkdf2Iterations, keySize, sha256.New)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to initialize GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plain, []byte(storeMagic))
	zeroBytes(plain)

	blob := make([]byte, 0, len(storeMagic)+saltSize+nonceSize+len(sealed))
	blob = append(blob, storeMagic...)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	// The write helper creates the parent itself; it must use the
	// owner-only mode.
	if err := util.AtomicWriteFile(st.path, blob, storeFileMode, storeDirMode); err != nil {
		return fmt.Errorf("failed to write credential blob: %w", err)
	}
	return nil
}

// Load reads and decrypts the stored set.
func (st *Store) Load() (Set, error) {
	if err := st.EnsurePermissions(); err != nil {
		return Set{}, err
	}

	blob, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Set{}, ErrNoCredentials
		}
		return Set{}, fmt.Errorf("failed to read credential blob: %w", err)
	}

	if len(blob) < len(storeMagic)+saltSize+nonceSize+1 || string(blob[:len(storeMagic)]) != storeMagic {
		return Set{}, ErrBadBlobFormat
	}
	rest := blob[len(storeMagic):]
	salt, rest := rest[:saltSize], rest[saltSize:]
	nonce, sealed := rest[:nonceSize], rest[nonceSize:]

	key := pbkdf2.Key(st.passphrase, salt, pbkdf2Iterations, keySize, sha256.New)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return Set{}, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Set{}, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	plain, err := gcm.Open(nil, nonce, sealed, []byte(storeMagic))
	if err != nil {
		return Set{}, ErrDecryptFailed
	}
	defer zeroBytes(plain)

	var set Set
	if err := json.Unmarshal(plain, &set); err != nil {
		return Set{}, fmt.Errorf("%w: %v", ErrBadBlobFormat, err)
	}
	return set, nil
}

// zeroBytes overwrites sensitive material so it does not linger in heap dumps.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
