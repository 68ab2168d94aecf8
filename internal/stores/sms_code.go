package stores

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

const (
	smsCodeRecordVersion1 = 1
)

var (
	ErrSMSCodeNotFound = errors.New("sms code not found")
	ErrSMSCodeExpired  = errors.New("sms code expired")
	ErrSMSCodeUsed     = errors.New("sms code already used")
	ErrSMSCodeMismatch = errors.New("sms code mismatch")
	ErrSMSCodeBackend  = errors.New("sms code backend unavailable")
)

// SMSCode is the pending SMS challenge of one identity. Only the code hash is
// stored.
type SMSCode struct {
	IdentityID string
	CodeHash   [32]byte
	ExpiresAt  int64
	Used       bool
	Attempts   uint16
}

type SMSCodeStore struct {
	redis       redis.UniversalClient
	prefix      string
	maxAttempts int
}

// NewSMSCodeStore creates a store. A code is discarded after maxAttempts
// mismatches.
func NewSMSCodeStore(redisClient redis.UniversalClient, prefix string, maxAttempts int) *SMSCodeStore {
	if prefix == "" {
		prefix = "asc"
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &SMSCodeStore{
		redis:       redisClient,
		prefix:      prefix,
		maxAttempts: maxAttempts,
	}
}

func (s *SMSCodeStore) key(identityID string) string {
	return s.prefix + ":" + identityID
}

// Save replaces the pending code of the identity. The key outlives ExpiresAt
// by ttl so late submissions are reported as expired rather than unknown.
func (s *SMSCodeStore) Save(ctx context.Context, record *SMSCode, ttl time.Duration) error {
	encoded, err := encodeSMSCode(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(record.IdentityID), encoded, 2*ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSMSCodeBackend, err)
	}
	return nil
}

// Get returns the pending code without consuming it.
func (s *SMSCodeStore) Get(ctx context.Context, identityID string) (*SMSCode, error) {
	data, err := s.redis.Get(ctx, s.key(identityID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSMSCodeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrSMSCodeBackend, err)
	}
	return decodeSMSCode(data)
}

// Delete removes the pending code.
func (s *SMSCodeStore) Delete(ctx context.Context, identityID string) error {
	if err := s.redis.Del(ctx, s.key(identityID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSMSCodeBackend, err)
	}
	return nil
}

// Consume checks codeHash against the pending code and marks it used on a
// match. Once used, only the same code yields ErrSMSCodeUsed. The read-modify-write runs under WATCH so two concurrent submissions
// of the same code cannot both succeed.
func (s *SMSCodeStore) Consume(ctx context.Context, identityID string, codeHash [32]byte, now time.Time) error {
	const maxRetries = 4
	key := s.key(identityID)

	for i := 0; i < maxRetries; i++ {
		var outcome error
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			record, err := decodeSMSCode(data)
			if err != nil {
				return err
			}

			matches := subtle.ConstantTimeCompare(record.CodeHash[:], codeHash[:]) == 1
			if record.Used {
				// Only the consumed code itself is reported as reused.
				outcome = ErrSMSCodeMismatch
				if matches {
					outcome = ErrSMSCodeUsed
				}
				return nil
			}
			if now.UnixMilli() >= record.ExpiresAt {
				outcome = ErrSMSCodeExpired
				return nil
			}

			ttl, err := tx.PTTL(ctx, key).Result()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = time.Minute
			}

			if !matches {
				outcome = ErrSMSCodeMismatch
				record.Attempts++
				if int(record.Attempts) >= s.maxAttempts {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					return err
				}
			} else {
				record.Used = true
			}

			updated, err := encodeSMSCode(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSMSCodeNotFound
			}
			return fmt.Errorf("%w: %v", ErrSMSCodeBackend, err)
		}
		return outcome
	}

	return fmt.Errorf("%w: contention", ErrSMSCodeBackend)
}

func encodeSMSCode(record *SMSCode) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(smsCodeRecordVersion1)

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
	buf.Write(record.CodeHash[:])

	if len(record.IdentityID) > 65535 {
		return nil, errors.New("sms code identity length exceeded")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.IdentityID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.IdentityID)

	return buf.Bytes(), nil
}

func decodeSMSCode(data []byte) (*SMSCode, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != smsCodeRecordVersion1 {
		return nil, errors.New("invalid sms code version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &SMSCode{Used: flags&1 == 1}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}

	var idLen uint16
	if err := binary.Read(reader, binary.BigEndian, &idLen); err != nil {
		return nil, err
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(reader, id); err != nil {
		return nil, err
	}
	record.IdentityID = string(id)

	return record, nil
}
