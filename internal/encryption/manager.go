package encryption

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
	"sync"
	"time"

	"haven-service/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const envelopeVersion = "v1"

// KeyService is the subset of the KMS API used for envelope encryption.
type KeyService interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Envelope is a sealed value together with its wrapped data key.
type Envelope struct {
	Ciphertext   string    `json:"ct"`
	EncryptedDEK string    `json:"dek"`
	KeyID        string    `json:"kid"`
	Purpose      string    `json:"purpose"`
	Version      string    `json:"v"`
	CreatedAt    time.Time `json:"created_at"`
}

type Manager struct {
	keys     KeyService
	kmsKeyID string
	useKMS   bool
	keyCache sync.Map // wrapped DEK -> plaintext DEK
}

// NewManager returns a manager that wraps data keys with KMS when keys is
// non-nil and KMS is enabled, and with a local passthrough otherwise.
func NewManager(cfg config.KMSConfig, keys KeyService) *Manager {
	return &Manager{
		keys:     keys,
		kmsKeyID: cfg.KeyID,
		useKMS:   cfg.Enabled && keys != nil,
	}
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, cfg config.KMSConfig) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

type dataKey struct {
	plaintext  []byte
	ciphertext []byte
	keyID      string
}

func (m *Manager) generateDataKey(ctx context.Context) (*dataKey, error) {
	if !m.useKMS {
		return generateLocalKey()
	}

	result, err := m.keys.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.kmsKeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &dataKey{
		plaintext:  result.Plaintext,
		ciphertext: result.CiphertextBlob,
		keyID:      m.kmsKeyID,
	}, nil
}

// Local keys are stored unwrapped. Development only.
func generateLocalKey() (*dataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return &dataKey{
		plaintext:  key,
		ciphertext: []byte(base64.StdEncoding.EncodeToString(key)),
		keyID:      uuid.New().String(),
	}, nil
}

// Seal encrypts plaintext under a fresh AES-256-GCM data key.
func (m *Manager) Seal(ctx context.Context, purpose string, plaintext []byte) (*Envelope, error) {
	dk, err := m.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(dk.plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	// purpose is bound as associated data so an envelope can't be replayed into another column
	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(purpose))

	wrapped := base64.StdEncoding.EncodeToString(dk.ciphertext)
	m.keyCache.Store(wrapped, dk.plaintext)

	return &Envelope{
		Ciphertext:   base64.StdEncoding.EncodeToString(sealed),
		EncryptedDEK: wrapped,
		KeyID:        dk.keyID,
		Purpose:      purpose,
		Version:      envelopeVersion,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Open reverses Seal.
func (m *Manager) Open(ctx context.Context, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrDecryptionFailed)
	}

	key, err := m.unwrapKey(ctx, env.EncryptedDEK)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	plaintext, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(env.Purpose))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// SealString seals plaintext and serializes the envelope for a text column.
func (m *Manager) SealString(ctx context.Context, purpose string, plaintext []byte) (string, error) {
	env, err := m.Seal(ctx, purpose, plaintext)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return string(out), nil
}

// OpenString reverses SealString. An empty column opens to nil.
func (m *Manager) OpenString(ctx context.Context, column string) ([]byte, error) {
	if column == "" {
		return nil, nil
	}
	var env Envelope
	if err := json.Unmarshal([]byte(column), &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	}
	return m.Open(ctx, &env)
}

func (m *Manager) unwrapKey(ctx context.Context, wrapped string) ([]byte, error) {
	if cached, ok := m.keyCache.Load(wrapped); ok {
		return cached.([]byte), nil
	}

	blob, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var key []byte
	if m.useKMS {
		result, err := m.keys.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		key = result.Plaintext
	} else {
		key, err = base64.StdEncoding.DecodeString(string(blob))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
	}

	m.keyCache.Store(wrapped, key)
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ClearCache drops every cached plaintext data key.
func (m *Manager) ClearCache() {
	m.keyCache.Range(func(key, _ interface{}) bool {
		m.keyCache.Delete(key)
		return true
	})
}

func (m *Manager) CacheSize() int {
	count := 0
	m.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
