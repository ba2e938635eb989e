// Package identity defines the stable 128-bit peer identity shared by both
// transports and helpers to load or generate it.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerhub/pkg/config"
)

// PeerID is a random (v4) UUID. The zero value means "not assigned yet".
type PeerID uuid.UUID

// Nil is the unassigned identity.
var Nil PeerID

// New returns a fresh random identity.
func New() PeerID { return PeerID(uuid.New()) }

// Parse decodes the canonical text form.
func Parse(s string) (PeerID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return Nil, fmt.Errorf("parse peer id %q: %w", s, err)
	}
	return PeerID(u), nil
}

func (id PeerID) IsNil() bool    { return id == Nil }
func (id PeerID) String() string { return uuid.UUID(id).String() }

// Short is the first UUID group, handy in log lines.
func (id PeerID) Short() string { return id.String()[:8] }

func (id PeerID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id PeerID) MarshalBinary() ([]byte, error) { return uuid.UUID(id).MarshalBinary() }

func (id *PeerID) UnmarshalBinary(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalBinary(b); err != nil {
		return err
	}
	*id = PeerID(u)
	return nil
}

func (id *PeerID) UnmarshalText(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*id = PeerID(u)
	return nil
}

// LoadOrGenerate resolves the local identity from config: an explicit id
// wins, then the id file, otherwise a new one is generated (and written to
// the file when one is configured).
func LoadOrGenerate(c config.IdentityConfig) (PeerID, error) {
	if s := strings.TrimSpace(c.ID); s != "" {
		return Parse(s)
	}
	if c.File == "" {
		return New(), nil
	}
	b, err := os.ReadFile(c.File)
	switch {
	case err == nil:
		return Parse(string(b))
	case !os.IsNotExist(err):
		return Nil, fmt.Errorf("read identity file: %w", err)
	}

	id := New()
	if dir := filepath.Dir(c.File); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Nil, fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(c.File, []byte(id.String()+"\n"), 0o600); err != nil {
		return Nil, fmt.Errorf("write identity file: %w", err)
	}
	zap.L().Info("generated new peer identity", zap.String("id", id.String()), zap.String("file", c.File))
	return id, nil
}
