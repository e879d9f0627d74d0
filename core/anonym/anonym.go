/*Package anonym provides deterministic one-way anonymisation of sensitive
field values.

A raw value is mapped to a stable externally-visible token keyed by
(project, site, field, normalized value): the same raw value from the same
site always maps to the same token, while the same raw value from a
different site maps to a different token. Mappings are persisted lazily on
first write so that raw values can be audited by operators with database
access, but never travel through the API again.
*/
package anonym

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/trellis-data/trellis/core/csql"
)

// TokenPrefix is the fixed prefix of all anonymised tokens
const TokenPrefix = "anon_"

// tokenDigits is the number of encoded digits following the prefix
const tokenDigits = 12

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Coder computes deterministic site-scoped tokens with an HMAC over a
// service secret.
type Coder struct {
	secret []byte
}

// NewCoder creates a tokenizer for the given service secret
func NewCoder(secret []byte) *Coder {
	return &Coder{secret: secret}
}

// Token computes the stable token for a normalized raw value
func (c *Coder) Token(project, site, field, value string) string {
	mac := hmac.New(sha256.New, c.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%s", project, site, field, value)
	sum := mac.Sum(nil)
	return TokenPrefix + strings.ToLower(tokenEncoding.EncodeToString(sum))[:tokenDigits]
}

// Memory is an in-memory anonymiser for tests and the in-memory store
type Memory struct {
	coder    *Coder
	mappings map[string]string
}

// NewMemory creates an in-memory anonymiser
func NewMemory(secret []byte) *Memory {
	return &Memory{
		coder:    NewCoder(secret),
		mappings: make(map[string]string),
	}
}

// Tokenize implements the engine's Anonymiser interface
func (m *Memory) Tokenize(ctx context.Context, project, site, field, value string) (string, error) {
	token := m.coder.Token(project, site, field, value)
	m.mappings[token] = value
	return token, nil
}

// Store persists the token mappings in a database table, lazily on first
// write. Tokens are deterministic, the table is strictly a lookup aid.
type Store struct {
	coder *Coder
	db    *csql.DB
}

// NewStore creates a database-backed anonymiser. The mapping table gets
// created if it does not exist yet.
func NewStore(db *csql.DB, secret []byte) *Store {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."_anonym_"
(token varchar NOT NULL,
project varchar NOT NULL,
site varchar NOT NULL,
field varchar NOT NULL,
value varchar NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(token)
);`)
	if err != nil {
		panic(err)
	}
	return &Store{coder: NewCoder(secret), db: db}
}

// Tokenize computes the token for a normalized raw value and records the
// mapping if it is new.
func (s *Store) Tokenize(ctx context.Context, project, site, field, value string) (string, error) {
	token := s.coder.Token(project, site, field, value)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`."_anonym_" (token, project, site, field, value, timestamp)
VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (token) DO NOTHING;`,
		token, project, site, field, value, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("cannot record anonymised value: %w", err)
	}
	return token, nil
}

// Lookup returns the raw value behind a token, for operators with
// database access.
func (s *Store) Lookup(ctx context.Context, token string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM `+s.db.Schema+`."_anonym_" WHERE token=$1;`, token).Scan(&value)
	if err == csql.ErrNoRows {
		return "", fmt.Errorf("unknown token %s", token)
	}
	return value, err
}
