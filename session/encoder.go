package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	sessionFormatVersionCurrent = 1

	flagRevoked = 1 << 0
)

// Encode serializes a session record into the compact binary wire format
// stored in Redis: version byte, flags byte, fixed int64 timestamps, then
// length-prefixed strings.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(sessionFormatVersionCurrent)

	var flags byte
	if s.Revoked {
		flags |= flagRevoked
	}
	buf.WriteByte(flags)

	for _, v := range []int64{s.CreatedAt, s.ExpiresAt, s.LastSeenAt, s.RevokedAt} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	for _, field := range []string{s.IdentityID, s.IP, s.UserAgent} {
		if len(field) > 65535 {
			return nil, errors.New("session field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

// Decode parses a binary session record. SessionID is not part of the blob;
// callers set it from the Redis key.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionFormatVersionCurrent {
		return nil, errors.New("invalid session version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	s := &Session{
		Revoked: flags&flagRevoked != 0,
	}

	for _, dst := range []*int64{&s.CreatedAt, &s.ExpiresAt, &s.LastSeenAt, &s.RevokedAt} {
		if err := binary.Read(reader, binary.BigEndian, dst); err != nil {
			return nil, err
		}
	}

	for _, dst := range []*string{&s.IdentityID, &s.IP, &s.UserAgent} {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		*dst = string(raw)
	}

	if reader.Len() != 0 {
		return nil, errors.New("trailing session bytes")
	}

	return s, nil
}
