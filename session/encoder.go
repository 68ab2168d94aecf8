package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	recordFormatVersionCurrent = 1
)

// Encode serializes a record. The session ID is not part of the payload; it
// is the Redis key.
func Encode(r *Record) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(recordFormatVersionCurrent)

	if err := writeShortString(&buf, r.IdentityID, "identityID too long"); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, r.Method, "method too long"); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.VerifiedAt); err != nil {
		return nil, err
	}

	buf.Write(r.FingerprintHash[:])
	buf.Write(r.UserAgentHash[:])

	if err := writeShortString(&buf, r.IP, "ip too long"); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func Decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordFormatVersionCurrent {
		return nil, errors.New("invalid verification record version")
	}

	r := &Record{}

	if r.IdentityID, err = readShortString(reader); err != nil {
		return nil, err
	}
	if r.Method, err = readShortString(reader); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &r.VerifiedAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, r.FingerprintHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, r.UserAgentHash[:]); err != nil {
		return nil, err
	}
	if r.IP, err = readShortString(reader); err != nil {
		return nil, err
	}

	return r, nil
}

func writeShortString(buf *bytes.Buffer, s, tooLong string) error {
	if len(s) > 255 {
		return errors.New(tooLong)
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}

func readShortString(reader *bytes.Reader) (string, error) {
	n, err := reader.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(reader, b); err != nil {
		return "", err
	}
	return string(b), nil
}
