package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the metadata store using a BoltDB file. Conversation records live in a single
// bucket keyed by conversation id. The same file also holds the buckets of the local backend.
type BoltDB struct {
	db *bolt.DB
}

var conversationsBucket = []byte("conversations")

// NewBoltDB opens, or creates with 0600 permissions, the BoltDB file at path and initializes the
// buckets of the metadata store.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to initialize bolt db: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// ListConversations returns the records owned by userID, most recently updated first.
func (b BoltDB) ListConversations(_ context.Context, userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			if conv.UserID == userID {
				convs = append(convs, conv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(convs, func(a, b models.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return convs, nil
}

// UpsertConversation stores the record, replacing any record with the same id.
func (b BoltDB) UpsertConversation(_ context.Context, conv models.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return putConversation(tx, conv)
	})
}

// RenameConversation changes the name of a stored record. It fails with ErrNotFound if the record
// does not exist.
func (b BoltDB) RenameConversation(_ context.Context, conversationID, newName string) error {
	return b.updateConversation(conversationID, func(conv *models.Conversation) {
		conv.Name = newName
	})
}

// TouchConversation sets the update time of a stored record. It fails with ErrNotFound if the
// record does not exist.
func (b BoltDB) TouchConversation(_ context.Context, conversationID string, updatedAt time.Time) error {
	return b.updateConversation(conversationID, func(conv *models.Conversation) {
		conv.UpdatedAt = updatedAt
	})
}

// DeleteConversation removes a record. Removing a missing record is not an error.
func (b BoltDB) DeleteConversation(_ context.Context, conversationID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(conversationID))
	})
}

func (b BoltDB) updateConversation(conversationID string, fn func(conv *models.Conversation)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(conversationID))
		if v == nil {
			return models.Errorf(models.ErrNotFound, "conversation %s", conversationID)
		}

		var conv models.Conversation
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		fn(&conv)
		return putConversation(tx, conv)
	})
}

func putConversation(tx *bolt.Tx, conv models.Conversation) error {
	v, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return tx.Bucket(conversationsBucket).Put([]byte(conv.ID), v)
}
