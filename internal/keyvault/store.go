package keyvault

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/argon2"
)

const (
	prefixChunk    = "chunk/"
	prefixDocument = "doc/"
)

const (
	saltFile       = "STORE_SALT"
	saltLen        = 16
	indexCacheSize = 16 << 20
)

// Argon2id parameters for the at-rest key. Changing them makes existing
// stores unreadable.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

type storedKey struct {
	SecretKey string `json:"secret_key"`
	PublicKey string `json:"public_key"`
}

// Store persists key records in badger. Chunk and document secrets live in
// separate key spaces so ids may collide across the two.
type Store struct {
	db *badger.DB
}

// OpenStore opens (or creates) the store under dir. An empty dir opens an
// in-memory store. A non-empty passphrase encrypts an on-disk store at rest;
// reopening it with a different passphrase fails.
func OpenStore(dir, passphrase string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	} else if passphrase != "" {
		key, err := storeKey(dir, passphrase)
		if err != nil {
			return nil, err
		}
		opts = opts.WithEncryptionKey(key).WithIndexCacheSize(indexCacheSize)
	}
	opts = opts.WithLogger(badgerLogger{slog.Default().With("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening key store: %w", err)
	}
	return &Store{db: db}, nil
}

// storeKey derives the badger encryption key from passphrase with Argon2id.
// The salt is generated on first open and kept beside the data files.
func storeKey(dir, passphrase string) ([]byte, error) {
	path := filepath.Join(dir, saltFile)
	salt, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generating store salt: %w", err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating key store dir: %w", err)
		}
		if err := os.WriteFile(path, salt, 0o600); err != nil {
			return nil, fmt.Errorf("writing store salt: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("reading store salt: %w", err)
	case len(salt) != saltLen:
		return nil, fmt.Errorf("store salt %s is %d bytes, want %d", path, len(salt), saltLen)
	}
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen), nil
}

// Put writes every chunk record and, if doc is non-nil, the document secret
// in one transaction. Existing records are replaced.
func (s *Store) Put(records []KeyRecord, doc *DocumentKey) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, r := range records {
			if err := setJSON(txn, prefixChunk+r.ChunkID, storedKey{SecretKey: r.SecretKey, PublicKey: r.PublicKey}); err != nil {
				return err
			}
		}
		if doc != nil {
			return setJSON(txn, prefixDocument+doc.DocumentID, storedKey{SecretKey: doc.SecretKey, PublicKey: doc.PublicKey})
		}
		return nil
	})
}

// ChunkKeys returns the records for ids in request order, plus the ids that
// have no record.
func (s *Store) ChunkKeys(ids []string) (found []KeyRecord, missing []string, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			var sk storedKey
			ok, err := getJSON(txn, prefixChunk+id, &sk)
			if err != nil {
				return err
			}
			if !ok {
				missing = append(missing, id)
				continue
			}
			found = append(found, KeyRecord{ChunkID: id, SecretKey: sk.SecretKey, PublicKey: sk.PublicKey})
		}
		return nil
	})
	return found, missing, err
}

// DocumentKey returns the document-level secret for documentID.
func (s *Store) DocumentKey(documentID string) (*DocumentKey, error) {
	var sk storedKey
	err := s.db.View(func(txn *badger.Txn) error {
		ok, err := getJSON(txn, prefixDocument+documentID, &sk)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no secret for document %s", apperrors.ErrNotFound, documentID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &DocumentKey{DocumentID: documentID, SecretKey: sk.SecretKey, PublicKey: sk.PublicKey}, nil
}

// Ping verifies the store is open and readable.
func (s *Store) Ping() error {
	if s.db.IsClosed() {
		return errors.New("key store closed")
	}
	return s.db.View(func(*badger.Txn) error { return nil })
}

func (s *Store) Close() error {
	return s.db.Close()
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := txn.Set([]byte(key), data); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func getJSON(txn *badger.Txn, key string, v any) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", key, err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
	if err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(f string, args ...any)   { b.l.Error(fmt.Sprintf(f, args...)) }
func (b badgerLogger) Warningf(f string, args ...any) { b.l.Warn(fmt.Sprintf(f, args...)) }
func (b badgerLogger) Infof(f string, args ...any)    { b.l.Debug(fmt.Sprintf(f, args...)) }
func (b badgerLogger) Debugf(f string, args ...any)   { b.l.Debug(fmt.Sprintf(f, args...)) }
