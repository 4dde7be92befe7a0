package authcore

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const opaqueRecordVersionV1 = 1

// Shared failure taxonomy for single-use token stores (password reset,
// email verification). The engine maps these to flow-specific sentinels.
var (
	errOpaqueNotFound    = errors.New("token record not found")
	errOpaqueExpired     = errors.New("token record expired")
	errOpaqueUsed        = errors.New("token record already used")
	errOpaqueMismatch    = errors.New("token secret mismatch")
	errOpaqueAttempts    = errors.New("token attempts exceeded")
	errOpaqueUnavailable = errors.New("token store backend unavailable")
)

// opaqueTokenRecord backs one issued single-use token. Only the SHA-256 of
// the secret is stored. Used records are retained past consumption (and
// expired ones past expiry) so repeat presentations fail with the precise
// reason instead of a generic unknown-token error.
type opaqueTokenRecord struct {
	IdentityID string
	SecretHash [32]byte
	ExpiresAt  int64
	Attempts   uint16
	Used       bool
	UsedAt     int64
	Strategy   ResetStrategyType
}

// opaqueTokenStore is a Redis store enforcing at most one live token per
// identity: issuing a new token deletes the previous one through a
// per-identity pointer key.
type opaqueTokenStore struct {
	redis  *redis.Client
	prefix string
}

func newOpaqueTokenStore(redisClient *redis.Client, prefix string) *opaqueTokenStore {
	return &opaqueTokenStore{redis: redisClient, prefix: prefix}
}

func (s *opaqueTokenStore) key(tokenID string) string {
	return s.prefix + ":" + tokenID
}

func (s *opaqueTokenStore) pointerKey(identityID string) string {
	return s.prefix + ":cur:" + identityID
}

// Issue stores a fresh record and supersedes the identity's previous
// token, if any. The record key outlives ExpiresAt by retention so late
// presentations classify as expired rather than unknown.
func (s *opaqueTokenStore) Issue(
	ctx context.Context,
	identityID, tokenID string,
	secretHash [32]byte,
	strategy ResetStrategyType,
	ttl, retention time.Duration,
) error {
	record := &opaqueTokenRecord{
		IdentityID: identityID,
		SecretHash: secretHash,
		ExpiresAt:  time.Now().Add(ttl).Unix(),
		Strategy:   strategy,
	}
	encoded, err := encodeOpaqueTokenRecord(record)
	if err != nil {
		return err
	}

	previous, err := s.redis.Get(ctx, s.pointerKey(identityID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", errOpaqueUnavailable, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != "" && previous != tokenID {
			pipe.Del(ctx, s.key(previous))
		}
		pipe.Set(ctx, s.key(tokenID), encoded, ttl+retention)
		pipe.Set(ctx, s.pointerKey(identityID), tokenID, ttl+retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errOpaqueUnavailable, err)
	}

	return nil
}

// Get classifies a token without mutating it: not found, used, expired,
// or live. The secret hash is compared by the caller for read-only
// validation via Peek.
func (s *opaqueTokenStore) Get(ctx context.Context, tokenID string) (*opaqueTokenRecord, error) {
	data, err := s.redis.Get(ctx, s.key(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errOpaqueNotFound
		}
		return nil, fmt.Errorf("%w: %v", errOpaqueUnavailable, err)
	}

	record, err := decodeOpaqueTokenRecord(data)
	if err != nil {
		return nil, err
	}
	if record.Used {
		return nil, errOpaqueUsed
	}
	if time.Now().Unix() > record.ExpiresAt {
		return nil, errOpaqueExpired
	}

	return record, nil
}

// Peek is the read-only validation path: it classifies the token and
// checks the secret in constant time, with no state change whatsoever.
func (s *opaqueTokenStore) Peek(ctx context.Context, tokenID string, providedHash [32]byte) (*opaqueTokenRecord, error) {
	record, err := s.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
		return nil, errOpaqueMismatch
	}
	return record, nil
}

// Consume atomically marks a live token used. Under WATCH, of two
// concurrent consumers exactly one succeeds; the loser observes Used.
// Wrong secrets burn an attempt; reaching maxAttempts destroys the record.
func (s *opaqueTokenStore) Consume(
	ctx context.Context,
	tokenID string,
	providedHash [32]byte,
	expectedStrategy ResetStrategyType,
	maxAttempts int,
) (*opaqueTokenRecord, error) {
	const maxRetries = 4
	key := s.key(tokenID)

	for i := 0; i < maxRetries; i++ {
		var matched *opaqueTokenRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeOpaqueTokenRecord(data)
			if err != nil {
				return err
			}

			if record.Used {
				return errOpaqueUsed
			}
			if time.Now().Unix() > record.ExpiresAt {
				return errOpaqueExpired
			}
			if record.Strategy != expectedStrategy {
				return errOpaqueMismatch
			}

			ttl, err := tx.PTTL(ctx, key).Result()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return errOpaqueExpired
			}

			if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
				record.Attempts++
				if int(record.Attempts) >= maxAttempts {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						pipe.Del(ctx, s.pointerKey(record.IdentityID))
						return nil
					})
					if err != nil {
						return err
					}
					return errOpaqueAttempts
				}

				updated, err := encodeOpaqueTokenRecord(record)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return errOpaqueMismatch
			}

			record.Used = true
			record.UsedAt = time.Now().Unix()

			updated, err := encodeOpaqueTokenRecord(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				pipe.Del(ctx, s.pointerKey(record.IdentityID))
				return nil
			})
			if err != nil {
				return err
			}

			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, errOpaqueNotFound
			case errors.Is(err, errOpaqueUsed),
				errors.Is(err, errOpaqueExpired),
				errors.Is(err, errOpaqueMismatch),
				errors.Is(err, errOpaqueAttempts):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", errOpaqueUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, errOpaqueNotFound
}

func encodeOpaqueTokenRecord(record *opaqueTokenRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(opaqueRecordVersionV1)
	buf.WriteByte(byte(record.Strategy))

	var flags byte
	if record.Used {
		flags |= 1
	}
	buf.WriteByte(flags)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.UsedAt); err != nil {
		return nil, err
	}

	if len(record.IdentityID) > 65535 {
		return nil, errors.New("token record identity id too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.IdentityID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.IdentityID)
	buf.Write(record.SecretHash[:])

	return buf.Bytes(), nil
}

func decodeOpaqueTokenRecord(data []byte) (*opaqueTokenRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != opaqueRecordVersionV1 {
		return nil, errors.New("invalid token record version")
	}

	strategy, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &opaqueTokenRecord{
		Strategy: ResetStrategyType(strategy),
		Used:     flags&1 != 0,
	}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.UsedAt); err != nil {
		return nil, err
	}

	var idLen uint16
	if err := binary.Read(reader, binary.BigEndian, &idLen); err != nil {
		return nil, err
	}
	identityID := make([]byte, idLen)
	if _, err := io.ReadFull(reader, identityID); err != nil {
		return nil, err
	}
	record.IdentityID = string(identityID)

	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
