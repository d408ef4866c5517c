package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

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
	appBucket           = []byte("app")
	readsBucket         = []byte("reads")
	conversationsBucket = []byte("conversations")
	tokenKey            = []byte("token")
)

// ReadMark records the most recent read acknowledgement the client has
// emitted for a conversation. Unread derivation compares incoming message
// timestamps against ReadAt.
type ReadMark struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	ReadAt         time.Time `json:"read_at"`
}

// ConversationSnapshot is a persisted copy of a conversation list entry,
// used to warm-start the list before the first fetch completes.
type ConversationSnapshot struct {
	ID           string    `json:"id"`
	LastContent  string    `json:"last_content,omitempty"`
	LastSentAt   time.Time `json:"last_sent_at,omitzero"`
	UpdatedAt    time.Time `json:"updated_at"`
	Participants []string  `json:"participants,omitempty"`
}

// State wraps a bbolt database for all persistent client state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chat-sync/state.db, creating it
// if it does not exist. All buckets are created on open.
func Load() (*State, error) {
	return LoadAt(dbPath())
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
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(readsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(conversationsBucket)

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

// Token returns the cached authentication token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		v := b.Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the authentication token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// GetReadMark returns the read acknowledgement for a conversation, or nil
// if none has been recorded.
func (s *State) GetReadMark(conversationID string) (*ReadMark, error) {
	var rm *ReadMark

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(readsBucket)

		v := b.Get([]byte(conversationID))
		if v == nil {
			return nil
		}

		rm = &ReadMark{}

		return json.Unmarshal(v, rm)
	})

	return rm, err
}

// SetReadMark persists the read acknowledgement for a conversation.
func (s *State) SetReadMark(rm ReadMark) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rm)
		if err != nil {
			return err
		}

		return tx.Bucket(readsBucket).Put([]byte(rm.ConversationID), data)
	})
}

// AllReadMarks returns every recorded read acknowledgement, keyed by
// conversation id.
func (s *State) AllReadMarks() (map[string]ReadMark, error) {
	result := make(map[string]ReadMark)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(readsBucket)

		return b.ForEach(func(k, v []byte) error {
			var rm ReadMark
			if err := json.Unmarshal(v, &rm); err != nil {
				return err
			}

			result[string(k)] = rm

			return nil
		})
	})

	return result, err
}

// SetConversation persists a conversation list snapshot entry.
func (s *State) SetConversation(cs ConversationSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cs)
		if err != nil {
			return err
		}

		return tx.Bucket(conversationsBucket).Put([]byte(cs.ID), data)
	})
}

// GetConversation returns a persisted conversation snapshot, or nil if
// not found.
func (s *State) GetConversation(id string) (*ConversationSnapshot, error) {
	var cs *ConversationSnapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		cs = &ConversationSnapshot{}

		return json.Unmarshal(v, cs)
	})

	return cs, err
}

// AllConversations returns every persisted conversation snapshot, keyed
// by conversation id.
func (s *State) AllConversations() (map[string]ConversationSnapshot, error) {
	result := make(map[string]ConversationSnapshot)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)

		return b.ForEach(func(k, v []byte) error {
			var cs ConversationSnapshot
			if err := json.Unmarshal(v, &cs); err != nil {
				return err
			}

			result[string(k)] = cs

			return nil
		})
	})

	return result, err
}

// ClearConversations removes every persisted conversation snapshot. Called
// on logout so stale entries do not leak across accounts.
func (s *State) ClearConversations() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(conversationsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(conversationsBucket)

		return err
	})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing session tokens) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".chat-sync", "state.db")
}
