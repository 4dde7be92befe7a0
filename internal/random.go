package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// TokenID is the random identifier half of every opaque token the engine
// issues (sessions, reset tokens, verification tokens, login challenges).
type TokenID [16]byte

const (
	opaqueTokenRawSize = 48
	tokenSecretSize    = 32
)

func NewTokenID() (TokenID, error) {
	var id TokenID
	_, err := rand.Read(id[:])
	return id, err
}

func (t TokenID) Bytes() []byte {
	return t[:]
}

func (t TokenID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(t[:])
}

func ParseTokenID(tokenID string) (TokenID, error) {
	var id TokenID

	raw, err := base64.RawURLEncoding.DecodeString(tokenID)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid token id size")
	}

	copy(id[:], raw)
	return id, nil
}

func NewTokenSecret() ([tokenSecretSize]byte, error) {
	var secret [tokenSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashTokenSecret(secret [tokenSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

func HashBytes(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// EncodeOpaqueToken packs id||secret into a single base64url blob. Only the
// SHA-256 of the secret half is ever persisted server-side.
func EncodeOpaqueToken(tokenID string, secret [tokenSecretSize]byte) (string, error) {
	id, err := ParseTokenID(tokenID)
	if err != nil {
		return "", err
	}

	var raw [opaqueTokenRawSize]byte
	copy(raw[:len(id)], id[:])
	copy(raw[len(id):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeOpaqueToken(token string) (string, [tokenSecretSize]byte, error) {
	var secret [tokenSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != opaqueTokenRawSize {
		return "", secret, errors.New("invalid opaque token size")
	}

	var id TokenID
	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])

	return id.String(), secret, nil
}

// backupCodeAlphabet avoids 0/O and 1/I/L so codes survive being read aloud.
const backupCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func NewBackupCode(length int) (string, error) {
	if length < 8 || length > 32 {
		return "", errors.New("invalid backup code length")
	}

	var b strings.Builder
	b.Grow(length)

	max := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(backupCodeAlphabet[n.Int64()])
	}

	return b.String(), nil
}

func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}
