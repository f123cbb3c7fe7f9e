package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/grantline/grantline/internal/domain"
	apperrors "github.com/grantline/grantline/internal/errors"
	"github.com/grantline/grantline/internal/security"
)

// recordCodec encodes session records for untrusted storage: the serialized
// record gets a keyed integrity tag, and the tagged envelope is sealed with
// AES-256-GCM. Decoding recomputes the tag and refuses records that fail it
// rather than trusting unverified data.
type recordCodec struct {
	cipherKey []byte
	macKey    []byte
}

type envelope struct {
	Payload []byte `json:"payload"`
	Tag     string `json:"tag"`
}

// newRecordCodec derives independent cipher and MAC keys from the master key.
func newRecordCodec(key []byte) (*recordCodec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: session encryption key must be 32 bytes", apperrors.ErrInvalidInput)
	}
	cipherKey := sha256.Sum256(append(append([]byte(nil), key...), []byte("grantline-cipher")...))
	macKey := sha256.Sum256(append(append([]byte(nil), key...), []byte("grantline-mac")...))
	return &recordCodec{cipherKey: cipherKey[:], macKey: macKey[:]}, nil
}

func (c *recordCodec) tag(payload []byte) string {
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *recordCodec) encode(s *domain.Session) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	env, err := json.Marshal(envelope{Payload: payload, Tag: c.tag(payload)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return security.Encrypt(c.cipherKey, env)
}

func (c *recordCodec) decode(data []byte) (*domain.Session, error) {
	plain, err := security.Decrypt(c.cipherKey, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrRecordTampered, err)
	}

	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", apperrors.ErrRecordTampered)
	}

	expected, err := hex.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed tag", apperrors.ErrRecordTampered)
	}
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(env.Payload)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return nil, fmt.Errorf("%w: tag mismatch", apperrors.ErrRecordTampered)
	}

	var s domain.Session
	if err := json.Unmarshal(env.Payload, &s); err != nil {
		return nil, fmt.Errorf("%w: malformed record", apperrors.ErrRecordTampered)
	}
	return &s, nil
}
