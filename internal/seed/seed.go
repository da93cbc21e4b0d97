// Package seed loads YAML fixtures into a RemoteStore and enrolls their
// credentials with the development authenticator.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
)

//go:embed demo.yaml
var demo []byte

// maxBatch caps the ops sent in one BatchWrite.
const maxBatch = 400

// Fixture is the file format.
type Fixture struct {
	Users     []User     `yaml:"users"`
	Documents []Document `yaml:"documents"`
}

// User is one identity: its credentials and its profile document.
type User struct {
	UID      string         `yaml:"uid"`
	Email    string         `yaml:"email"`
	Password string         `yaml:"password"`
	Profile  map[string]any `yaml:"profile"`
}

// Document is any other record, addressed by its full path.
type Document struct {
	Path string         `yaml:"path"`
	Data map[string]any `yaml:"data"`
}

// Demo returns the built-in demo tenant.
func Demo() (*Fixture, error) {
	return Parse(bytes.NewReader(demo))
}

// Load reads a fixture file.
func Load(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a fixture.
func Parse(r io.Reader) (*Fixture, error) {
	var fx Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil && err != io.EOF {
		return nil, fmt.Errorf("seed: decode fixture: %w", err)
	}
	if err := fx.validate(); err != nil {
		return nil, err
	}
	return &fx, nil
}

func (fx *Fixture) validate() error {
	uids := make(map[string]struct{}, len(fx.Users))
	emails := make(map[string]struct{}, len(fx.Users))
	for i, u := range fx.Users {
		if u.UID == "" || strings.Contains(u.UID, "/") {
			return &domain.ErrValidation{Field: fmt.Sprintf("users[%d].uid", i), Message: "must be a non-empty id"}
		}
		if !strings.Contains(u.Email, "@") {
			return &domain.ErrValidation{Field: fmt.Sprintf("users[%d].email", i), Message: "is not an email address"}
		}
		if _, dup := uids[u.UID]; dup {
			return &domain.ErrValidation{Field: fmt.Sprintf("users[%d].uid", i), Message: "duplicate uid " + u.UID}
		}
		email := domain.NormalizeEmail(u.Email)
		if _, dup := emails[email]; dup {
			return &domain.ErrValidation{Field: fmt.Sprintf("users[%d].email", i), Message: "duplicate email " + u.Email}
		}
		uids[u.UID] = struct{}{}
		emails[email] = struct{}{}
	}
	for i, d := range fx.Documents {
		if c, id := port.SplitPath(d.Path); c == "" || id == "" {
			return &domain.ErrValidation{Field: fmt.Sprintf("documents[%d].path", i), Message: "must be <collection>/<id>"}
		}
	}
	return nil
}

// Apply writes every profile and document of fx, then enrolls credentials.
// enroller may be nil when the auth provider manages credentials itself.
func Apply(ctx context.Context, store port.RemoteStore, enroller port.CredentialEnroller, fx *Fixture, logger *zap.Logger) error {
	ops := make([]port.WriteOp, 0, len(fx.Users)+len(fx.Documents))
	for _, u := range fx.Users {
		profile := make(map[string]any, len(u.Profile)+2)
		for k, v := range u.Profile {
			profile[k] = v
		}
		profile["id"] = u.UID
		profile["email"] = u.Email
		ops = append(ops, port.WriteOp{Kind: port.WriteSet, Path: port.DocPath("users", u.UID), Data: profile})
	}
	for _, d := range fx.Documents {
		ops = append(ops, port.WriteOp{Kind: port.WriteSet, Path: d.Path, Data: d.Data})
	}

	for start := 0; start < len(ops); start += maxBatch {
		end := min(start+maxBatch, len(ops))
		if err := store.BatchWrite(ctx, ops[start:end]); err != nil {
			return fmt.Errorf("seed: write batch %d-%d: %w", start, end, err)
		}
	}

	enrolled := 0
	if enroller != nil {
		for _, u := range fx.Users {
			if u.Password == "" {
				continue
			}
			if err := enroller.Enroll(ctx, domain.Identity{UID: u.UID, Email: u.Email}, u.Password); err != nil {
				return fmt.Errorf("seed: enroll %s: %w", u.UID, err)
			}
			enrolled++
		}
	}

	logger.Info("fixture applied",
		zap.Int("users", len(fx.Users)),
		zap.Int("documents", len(fx.Documents)),
		zap.Int("credentials", enrolled),
	)
	return nil
}
