// Package credentials keeps per-user build credentials (deployment tokens,
// API keys) in a local bbolt file, sealed with NaCl secretbox.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	bucketCredentials = []byte("credentials")
	bucketMeta        = []byte("meta")
	keySalt           = []byte("salt")
)

// ErrLocked is returned when no passphrase is configured or it does not open
// the stored values
var ErrLocked = errors.New("credential store is locked")

const (
	nonceSize = 24
	saltSize  = 16
)

// Store is an encrypted key/value store of credentials per user
type Store struct {
	db     *bolt.DB
	key    *[32]byte
	locked bool
}

// Open opens (creating if needed) the store at path. An empty passphrase
// opens the store locked: reads and writes return ErrLocked.
func Open(path, passphrase string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("credentials path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials db: %w", err)
	}

	var salt []byte
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCredentials); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if existing := meta.Get(keySalt); existing != nil {
			salt = append([]byte(nil), existing...)
			return nil
		}
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return err
		}
		return meta.Put(keySalt, salt)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize credentials db: %w", err)
	}

	s := &Store{db: db, locked: passphrase == ""}
	if !s.locked {
		s.key = deriveKey(passphrase, salt)
	}
	return s, nil
}

func deriveKey(passphrase string, salt []byte) *[32]byte {
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32))
	return &key
}

// Close closes the underlying database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the user's credentials, or an empty map if none were stored
func (s *Store) Get(ctx context.Context, userID string) (map[string]string, error) {
	if s.locked {
		return nil, ErrLocked
	}

	var sealed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketCredentials).Get([]byte(userID)); v != nil {
			sealed = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sealed == nil {
		return map[string]string{}, nil
	}

	plain, err := s.open(sealed)
	if err != nil {
		return nil, err
	}
	values := map[string]string{}
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return values, nil
}

// Put merges values into the user's credentials. An empty value removes its key.
func (s *Store) Put(ctx context.Context, userID string, values map[string]string) error {
	if s.locked {
		return ErrLocked
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCredentials)
		current := map[string]string{}
		if v := bucket.Get([]byte(userID)); v != nil {
			plain, err := s.open(v)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(plain, &current); err != nil {
				return fmt.Errorf("failed to decode credentials: %w", err)
			}
		}

		for k, v := range values {
			if v == "" {
				delete(current, k)
				continue
			}
			current[k] = v
		}

		plain, err := json.Marshal(current)
		if err != nil {
			return err
		}
		sealed, err := s.seal(plain)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(userID), sealed)
	})
}

func (s *Store) seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, s.key), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrLocked
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, s.key)
	if !ok {
		return nil, ErrLocked
	}
	return plain, nil
}

// Mask hides all but the last four characters of each value
func Mask(values map[string]string) map[string]string {
	masked := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) <= 4 {
			masked[k] = strings.Repeat("*", len(v))
			continue
		}
		masked[k] = strings.Repeat("*", len(v)-4) + v[len(v)-4:]
	}
	return masked
}
