package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/erc7824/nitrolite/keyring/pkg/keyring"
	"github.com/erc7824/nitrolite/keyring/pkg/keyring/multisig"
	"github.com/erc7824/nitrolite/keyring/pkg/safe"
)

// KeyringRecord holds the serialized state of one keyring.
type KeyringRecord struct {
	Type      string         `gorm:"column:type;primaryKey"`
	State     datatypes.JSON `gorm:"column:state;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (KeyringRecord) TableName() string {
	return "keyring_records"
}

// SafeSessionRecord keeps a Safe transaction and the signatures collected
// for it, so co-signing can continue after a restart.
type SafeSessionRecord struct {
	SafeTxHash     string         `gorm:"column:safe_tx_hash;primaryKey"`
	SessionID      uuid.UUID      `gorm:"column:session_id;type:uuid;not null"`
	SafeAddress    string         `gorm:"column:safe_address;not null;index:idx_safe_session_records_safe"`
	ChainID        string         `gorm:"column:chain_id;not null;index:idx_safe_session_records_safe"`
	Transaction    datatypes.JSON `gorm:"column:transaction;not null"`
	Posted         bool           `gorm:"column:posted;not null;default:false"`
	ExecutedTxHash *string        `gorm:"column:executed_tx_hash"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (SafeSessionRecord) TableName() string {
	return "safe_session_records"
}

// Store persists keyring state and Safe sessions.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// SaveKeyring upserts the state of k.
func (s *Store) SaveKeyring(k keyring.Keyring) error {
	state, err := k.Serialize()
	if err != nil {
		return fmt.Errorf("serialize %s keyring: %w", k.Type(), err)
	}
	rec := KeyringRecord{Type: string(k.Type()), State: datatypes.JSON(state)}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
	}).Create(&rec).Error
}

// LoadKeyring restores k from its stored state. It reports false when no
// state was saved for k's type.
func (s *Store) LoadKeyring(k keyring.Keyring) (bool, error) {
	var rec KeyringRecord
	err := s.db.Where("type = ?", string(k.Type())).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := k.Deserialize(rec.State); err != nil {
		return false, err
	}
	return true, nil
}

// KeyringStates returns every stored state keyed by keyring type.
func (s *Store) KeyringStates() (map[string]json.RawMessage, error) {
	var recs []KeyringRecord
	if err := s.db.Order("type").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(recs))
	for _, r := range recs {
		out[r.Type] = json.RawMessage(r.State)
	}
	return out, nil
}

// SaveSession upserts the transaction of a Safe session.
func (s *Store) SaveSession(sess *multisig.Session) error {
	raw, err := json.Marshal(sess.Tx)
	if err != nil {
		return err
	}
	rec := SafeSessionRecord{
		SafeTxHash:  sess.Tx.Hash().Hex(),
		SessionID:   sess.ID,
		SafeAddress: sess.Tx.Safe().Hex(),
		ChainID:     sess.Tx.ChainID().String(),
		Transaction: datatypes.JSON(raw),
		Posted:      sess.Posted(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "safe_tx_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"transaction", "posted", "updated_at"}),
	}).Create(&rec).Error
}

// MarkExecuted records the on-chain transaction of a Safe session.
func (s *Store) MarkExecuted(safeTxHash, txHash common.Hash) error {
	h := txHash.Hex()
	return s.db.Model(&SafeSessionRecord{}).
		Where("safe_tx_hash = ?", safeTxHash.Hex()).
		Update("executed_tx_hash", h).Error
}

// Session loads a stored Safe session by its Safe transaction hash.
func (s *Store) Session(safeTxHash common.Hash) (*multisig.Session, error) {
	var rec SafeSessionRecord
	if err := s.db.Where("safe_tx_hash = ?", safeTxHash.Hex()).First(&rec).Error; err != nil {
		return nil, err
	}
	return rec.session()
}

// PendingSessions lists the sessions of safe that were not executed yet,
// oldest first.
func (s *Store) PendingSessions(safeAddr common.Address) ([]*multisig.Session, error) {
	var recs []SafeSessionRecord
	err := s.db.Where("safe_address = ? AND executed_tx_hash IS NULL", safeAddr.Hex()).
		Order("created_at").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*multisig.Session, 0, len(recs))
	for _, r := range recs {
		sess, err := r.session()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (r SafeSessionRecord) session() (*multisig.Session, error) {
	tx := new(safe.Transaction)
	if err := json.Unmarshal(r.Transaction, tx); err != nil {
		return nil, fmt.Errorf("decode safe session %s: %w", r.SafeTxHash, err)
	}
	sess := &multisig.Session{ID: r.SessionID, Tx: tx}
	if r.Posted {
		sess.MarkPosted()
	}
	return sess, nil
}
