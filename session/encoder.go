package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// CurrentSchemaVersion is the first byte of every encoded session.
const CurrentSchemaVersion = 1

const (
	maxShortField   = 255
	maxLongField    = 4096
	maxPermissions  = 255
	encodedTimeSize = 8
)

// Encode serializes s into the versioned binary session format. SessionID is
// not part of the payload; it is carried by the storage key.
func Encode(s *Session) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil session")
	}
	var buf bytes.Buffer
	buf.WriteByte(CurrentSchemaVersion)

	for _, f := range []struct {
		name  string
		value string
	}{
		{"userID", s.UserID},
		{"role", s.Role},
		{"tier", s.Tier},
	} {
		if err := writeShort(&buf, f.name, f.value); err != nil {
			return nil, err
		}
	}
	if err := writeLong(&buf, "email", s.Email); err != nil {
		return nil, err
	}
	if err := writeLong(&buf, "deviceInfo", s.DeviceInfo); err != nil {
		return nil, err
	}

	if len(s.Permissions) > maxPermissions {
		return nil, errors.New("too many permissions")
	}
	buf.WriteByte(byte(len(s.Permissions)))
	for _, p := range s.Permissions {
		if p == "" {
			return nil, errors.New("empty permission")
		}
		if err := writeShort(&buf, "permission", p); err != nil {
			return nil, err
		}
	}

	for _, ts := range []time.Time{s.CreatedAt, s.LastAccessAt, s.ExpiresAt} {
		if err := binary.Write(&buf, binary.BigEndian, ts.UnixMilli()); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Decode parses the versioned binary session format. Unknown versions,
// truncated input and trailing bytes are rejected.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != CurrentSchemaVersion {
		return nil, fmt.Errorf("unsupported session schema version %d", version)
	}

	s := &Session{}
	if s.UserID, err = readShort(reader); err != nil {
		return nil, err
	}
	if s.UserID == "" {
		return nil, errors.New("session without user id")
	}
	if s.Role, err = readShort(reader); err != nil {
		return nil, err
	}
	if s.Tier, err = readShort(reader); err != nil {
		return nil, err
	}
	if s.Email, err = readLong(reader); err != nil {
		return nil, err
	}
	if s.DeviceInfo, err = readLong(reader); err != nil {
		return nil, err
	}

	permCount, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if permCount > 0 {
		s.Permissions = make([]string, 0, permCount)
	}
	for i := 0; i < int(permCount); i++ {
		p, err := readShort(reader)
		if err != nil {
			return nil, err
		}
		if p == "" {
			return nil, errors.New("empty permission")
		}
		s.Permissions = append(s.Permissions, p)
	}

	if reader.Len() != 3*encodedTimeSize {
		return nil, errors.New("invalid session timestamp block")
	}
	var stamps [3]int64
	if err := binary.Read(reader, binary.BigEndian, &stamps); err != nil {
		return nil, err
	}
	s.CreatedAt = time.UnixMilli(stamps[0])
	s.LastAccessAt = time.UnixMilli(stamps[1])
	s.ExpiresAt = time.UnixMilli(stamps[2])

	return s, nil
}

func writeShort(buf *bytes.Buffer, name, value string) error {
	if len(value) > maxShortField {
		return fmt.Errorf("%s too long", name)
	}
	buf.WriteByte(byte(len(value)))
	buf.WriteString(value)
	return nil
}

func writeLong(buf *bytes.Buffer, name, value string) error {
	if len(value) > maxLongField {
		return fmt.Errorf("%s too long", name)
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(value)))
	buf.Write(n[:])
	buf.WriteString(value)
	return nil
}

func readShort(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	return readN(r, int(n))
}

func readLong(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int(n) > maxLongField {
		return "", errors.New("field too long")
	}
	return readN(r, int(n))
}

func readN(r *bytes.Reader, n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	if n > r.Len() {
		return "", io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
