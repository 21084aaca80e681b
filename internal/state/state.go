package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	credentialsKey = []byte("credentials")
)

// cachedCredentials is the on-disk record. Username ties the token to the
// account it was issued for so a config change forces a fresh login.
type cachedCredentials struct {
	Username    string             `json:"username"`
	Credentials models.Credentials `json:"credentials"`
}

// State wraps a bbolt database holding the credential cache.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Credentials returns the cached credentials for username, or nil when
// nothing is cached or the cache belongs to a different account.
func (s *State) Credentials(username string) (*models.Credentials, error) {
	var creds *models.Credentials

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(credentialsKey)
		if v == nil {
			return nil
		}

		var cc cachedCredentials
		if err := json.Unmarshal(v, &cc); err != nil {
			return fmt.Errorf("decoding cached credentials: %w", err)
		}

		if cc.Username != username || cc.Credentials.Token == "" {
			return nil
		}

		creds = &cc.Credentials

		return nil
	})

	return creds, err
}

// SetCredentials persists the credentials issued for username,
// replacing any previous entry.
func (s *State) SetCredentials(username string, creds models.Credentials) error {
	data, err := json.Marshal(cachedCredentials{Username: username, Credentials: creds})
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(credentialsKey, data)
	})
}

// ClearCredentials removes any cached credentials. A no-op when empty.
func (s *State) ClearCredentials() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(credentialsKey)
	})
}
