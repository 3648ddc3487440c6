package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// valuePrefix marks an audit value encrypted in place.
const valuePrefix = "enc:v1:"

// ErrNotSealed is returned for a record written without encryption.
var ErrNotSealed = errors.New("session is missing its encrypted envelope")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

// sealedFields is the clinical content moved into Session.Sealed.
type sealedFields struct {
	ChiefComplaint string               `json:"chief_complaint"`
	CurrentState   string               `json:"current_state_description"`
	Diagnosis      *domain.Diagnosis    `json:"diagnosis,omitempty"`
	PendingTests   *domain.PendingTests `json:"pending_tests,omitempty"`
	Inference      domain.Inference     `json:"inference"`
	Chat           []domain.ChatMessage `json:"vlm_chat_history"`
}

type encryptionMiddleware struct {
	ports.Repository
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that encrypts the clinical
// content of every session using AES-GCM. Status, ownership and timestamps
// stay readable so the store can filter and compare-and-swap on them; audit
// values are encrypted one by one so appends need no key. Patients pass
// through untouched.
func NewEncryptionMiddleware(config EncryptionConfig) Middleware {
	if len(config.ActiveKey) != KeySize {
		panic("active key must be 32 bytes (AES-256)")
	}
	return func(next ports.Repository) ports.Repository {
		return &encryptionMiddleware{Repository: next, config: config}
	}
}

func (m *encryptionMiddleware) Create(ctx context.Context, session *domain.Session) error {
	sealed := session.Clone()
	if err := m.seal(sealed); err != nil {
		return err
	}
	return m.Repository.Create(ctx, sealed)
}

func (m *encryptionMiddleware) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := m.Repository.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.open(session); err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return session, nil
}

// Apply hands the mutation a decrypted record and seals the result before the
// store writes it.
func (m *encryptionMiddleware) Apply(ctx context.Context, sessionID string, change ports.Change) (*domain.Session, error) {
	if inner := change.Mutate; inner != nil {
		change.Mutate = func(s *domain.Session) error {
			if err := m.open(s); err != nil {
				return fmt.Errorf("session %s: %w", sessionID, err)
			}
			if err := inner(s); err != nil {
				return err
			}
			return m.seal(s)
		}
	}
	if change.Spawn != nil {
		spawn := change.Spawn.Clone()
		if err := m.seal(spawn); err != nil {
			return nil, err
		}
		change.Spawn = spawn
	}

	updated, err := m.Repository.Apply(ctx, sessionID, change)
	if err != nil {
		return nil, err
	}
	if err := m.open(updated); err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return updated, nil
}

func (m *encryptionMiddleware) AppendAudit(ctx context.Context, sessionID string, entry domain.EditEntry) error {
	if err := m.sealEntry(&entry); err != nil {
		return err
	}
	return m.Repository.AppendAudit(ctx, sessionID, entry)
}

func (m *encryptionMiddleware) List(ctx context.Context, q ports.Query) ([]*domain.Session, error) {
	list, err := m.Repository.List(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, s := range list {
		if err := m.open(s); err != nil {
			return nil, fmt.Errorf("session %s: %w", s.ID, err)
		}
	}
	return list, nil
}

// seal moves the clinical fields of s into s.Sealed.
func (m *encryptionMiddleware) seal(s *domain.Session) error {
	plainText, err := json.Marshal(sealedFields{
		ChiefComplaint: s.ChiefComplaint,
		CurrentState:   s.CurrentState,
		Diagnosis:      s.Diagnosis,
		PendingTests:   s.PendingTests,
		Inference:      s.Inference,
		Chat:           s.Chat,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sealed fields: %w", err)
	}
	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt session: %w", err)
	}

	s.Sealed = base64.StdEncoding.EncodeToString(ciphertext)
	s.ChiefComplaint = ""
	s.CurrentState = ""
	s.Diagnosis = nil
	s.PendingTests = nil
	s.Inference = domain.Inference{}
	s.Chat = nil
	for i := range s.EditHistory {
		if err := m.sealEntry(&s.EditHistory[i]); err != nil {
			return err
		}
	}
	return nil
}

// open restores the clinical fields of s from s.Sealed.
func (m *encryptionMiddleware) open(s *domain.Session) error {
	if s.Sealed == "" {
		return ErrNotSealed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(s.Sealed)
	if err != nil {
		return fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}
	plainText, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return fmt.Errorf("failed to decrypt session: %w", err)
	}
	var f sealedFields
	if err := json.Unmarshal(plainText, &f); err != nil {
		return fmt.Errorf("failed to unmarshal decrypted session: %w", err)
	}

	s.ChiefComplaint = f.ChiefComplaint
	s.CurrentState = f.CurrentState
	s.Diagnosis = f.Diagnosis
	s.PendingTests = f.PendingTests
	s.Inference = f.Inference
	s.Chat = f.Chat
	s.Sealed = ""
	for i := range s.EditHistory {
		e := &s.EditHistory[i]
		if e.OldValue, err = m.openValue(e.OldValue); err != nil {
			return err
		}
		if e.NewValue, err = m.openValue(e.NewValue); err != nil {
			return err
		}
	}
	return nil
}

func (m *encryptionMiddleware) sealEntry(e *domain.EditEntry) error {
	var err error
	if e.OldValue, err = m.sealValue(e.OldValue); err != nil {
		return err
	}
	e.NewValue, err = m.sealValue(e.NewValue)
	return err
}

func (m *encryptionMiddleware) sealValue(v string) (string, error) {
	if v == "" || strings.HasPrefix(v, valuePrefix) {
		return v, nil
	}
	ciphertext, err := encrypt([]byte(v), m.config.ActiveKey)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt audit value: %w", err)
	}
	return valuePrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (m *encryptionMiddleware) openValue(v string) (string, error) {
	encoded, ok := strings.CutPrefix(v, valuePrefix)
	if !ok {
		return v, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode audit value: %w", err)
	}
	plain, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt audit value: %w", err)
	}
	return string(plain), nil
}

// Helpers

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}
	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}
