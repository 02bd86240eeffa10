// Package credentials holds the username/password table consulted during
// RFC 1929 authentication.
package credentials

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

// Store is an immutable username to password table. It is safe for
// concurrent use.
type Store struct {
	passwords map[string][]byte
}

// New copies pairs into a Store.
func New(pairs map[string]string) *Store {
	s := &Store{passwords: make(map[string][]byte, len(pairs))}
	for u, p := range pairs {
		s.passwords[u] = []byte(p)
	}
	return s
}

// Len returns the number of users.
func (s *Store) Len() int {
	return len(s.passwords)
}

// Authenticate compares username and password as raw bytes.
func (s *Store) Authenticate(username, password []byte) bool {
	want, ok := s.passwords[string(username)]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare(want, password) == 1
}

// Load reads a password file: one "base64(user),base64(password)" row per
// line. Rows that do not have exactly two fields are skipped.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open password file: %w", err)
	}
	defer f.Close()

	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse reads the password file format from r.
func Parse(r io.Reader) (*Store, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	s := &Store{passwords: make(map[string][]byte)}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return s, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read password file: %w", err)
		}
		if len(row) != 2 {
			continue
		}

		user, err := base64.StdEncoding.DecodeString(row[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: username: %w", lineOf(cr), err)
		}
		pass, err := base64.StdEncoding.DecodeString(row[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: password: %w", lineOf(cr), err)
		}
		s.passwords[string(user)] = pass
	}
}

func lineOf(cr *csv.Reader) int {
	line, _ := cr.FieldPos(0)
	return line
}
