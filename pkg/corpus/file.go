package corpus

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32

	encryptedSuffix = ".enc"
)

// FileCorpus stores training images in a local directory tree.
// With encryption enabled new images are sealed with NaCl secretbox and get
// an extra ".enc" suffix; existing plaintext images stay readable.
type FileCorpus struct {
	store

	dataDir           string
	encryptionEnabled bool
	encryptionKey     [KeySize]byte
}

// NewFileCorpus creates a FileCorpus rooted at dataDir, creating it if needed.
func NewFileCorpus(dataDir string, encryptionEnabled bool) (*FileCorpus, error) {
	fc := &FileCorpus{
		dataDir:           dataDir,
		encryptionEnabled: encryptionEnabled,
	}
	fc.store.init(fc, "corpus")

	// Encrypted files may exist even when new writes are plaintext.
	key, err := deriveKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	fc.encryptionKey = key

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create corpus directory: %w", err)
	}

	return fc, nil
}

// DataDir returns the corpus root directory.
func (fc *FileCorpus) DataDir() string {
	return fc.dataDir
}

// deriveKey derives an encryption key from machine-specific information.
// This ties the encrypted data to this specific machine.
func deriveKey() ([KeySize]byte, error) {
	var key [KeySize]byte

	var identity strings.Builder

	// Machine ID (Linux specific)
	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}

	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}

	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("faceid-corpus-v1")

	hash := sha256.Sum256([]byte(identity.String()))
	copy(key[:], hash[:])

	return key, nil
}

func (fc *FileCorpus) list(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(fc.dataDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == fc.dataDir {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(fc.dataDir, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (fc *FileCorpus) read(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(fc.location(key))
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(key, encryptedSuffix) {
		return fc.decrypt(data)
	}
	return data, nil
}

// write stores data through a hidden temporary file in the same directory,
// renamed into place once fully written and synced.
func (fc *FileCorpus) write(ctx context.Context, key string, data []byte) (string, error) {
	if fc.encryptionEnabled {
		sealed, err := fc.encrypt(data)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt face: %w", err)
		}
		data = sealed
		key += encryptedSuffix
	}

	final := fc.location(key)
	tmp, err := os.CreateTemp(filepath.Dir(final), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write face: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync face: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close face: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("failed to commit face: %w", err)
	}
	committed = true

	return key, nil
}

func (fc *FileCorpus) location(key string) string {
	return filepath.Join(fc.dataDir, filepath.FromSlash(key))
}

// encrypt encrypts data using NaCl secretbox.
func (fc *FileCorpus) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, &fc.encryptionKey), nil
}

// decrypt decrypts data using NaCl secretbox.
func (fc *FileCorpus) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &fc.encryptionKey)
	if !ok {
		return nil, ErrEncryption
	}

	return plaintext, nil
}
