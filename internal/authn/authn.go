// Package authn implements the Authenticator hook qdb's engine calls
// through (internal/qdb.Authenticator), using bcrypt for credential
// storage plus an HMAC-SHA256 bearer token for callers that want to
// recognize an identity without re-running bcrypt.
package authn

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rqure/qdb/internal/qdb"
)

var (
	ErrUserNotFound       = errors.New("authn: user not found")
	ErrInvalidCredentials = errors.New("authn: invalid credentials")
	ErrInvalidToken       = errors.New("authn: invalid or expired token")
	ErrMissingSecret      = errors.New("authn: token secret not configured")
)

// Config controls hashing cost and token signing.
type Config struct {
	BcryptCost  int
	TokenSecret []byte
	TokenExpiry time.Duration // 0 = never expire
}

func DefaultConfig() Config {
	return Config{BcryptCost: bcrypt.DefaultCost}
}

// claims is the payload of the lite bearer token minted by IssueToken.
type claims struct {
	Sub qdb.EntityId `json:"sub"`
	Iat int64        `json:"iat"`
	Exp int64        `json:"exp,omitempty"`
}

// Authenticator implements qdb.Authenticator against an engine whose
// schema declares a Credential field (an opaque bcrypt hash) on the user
// entity type, plus a Name field used as the login handle.
type Authenticator struct {
	mu     sync.Mutex
	engine *qdb.Engine
	config Config

	userType        qdb.EntityTypeHandle
	nameField       qdb.FieldTypeHandle
	credentialField qdb.FieldTypeHandle
}

func New(engine *qdb.Engine, userType qdb.EntityTypeHandle, credentialField qdb.FieldTypeHandle, config Config) *Authenticator {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &Authenticator{
		engine:          engine,
		config:          config,
		userType:        userType,
		credentialField: credentialField,
		nameField:       engine.Interner.InternFieldType("Name"),
	}
}

// Authenticate looks up user by Name within userType and compares secret
// against its bcrypt-hashed Credential field.
func (a *Authenticator) Authenticate(user, secret string) (qdb.EntityId, error) {
	id, hash, err := a.lookup(user)
	if err != nil {
		return 0, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return 0, ErrInvalidCredentials
	}
	return id, nil
}

// SetCredential hashes secret and writes it to userEntity's Credential
// field unconditionally (used for initial provisioning).
func (a *Authenticator) SetCredential(userEntity qdb.EntityId, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), a.config.BcryptCost)
	if err != nil {
		return err
	}
	_, err = a.engine.Write(userEntity, []qdb.PathToken{qdb.FieldToken(a.credentialField)}, qdb.NewString(string(hash)), qdb.WriteOptions{})
	return err
}

// ChangeCredential verifies oldSecret before installing newSecret.
func (a *Authenticator) ChangeCredential(userEntity qdb.EntityId, oldSecret, newSecret string) error {
	cell, _, _, err := a.engine.Read(userEntity, []qdb.PathToken{qdb.FieldToken(a.credentialField)})
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cell.String()), []byte(oldSecret)); err != nil {
		return ErrInvalidCredentials
	}
	return a.SetCredential(userEntity, newSecret)
}

func (a *Authenticator) lookup(user string) (qdb.EntityId, string, error) {
	ids, err := a.engine.FindEntities(a.userType, "")
	if err != nil {
		return 0, "", err
	}
	nameField := a.nameField
	for _, id := range ids {
		nameCell, _, _, err := a.engine.Read(id, []qdb.PathToken{qdb.FieldToken(nameField)})
		if err != nil {
			continue
		}
		if nameCell.String() == user {
			credCell, _, _, err := a.engine.Read(id, []qdb.PathToken{qdb.FieldToken(a.credentialField)})
			if err != nil {
				return 0, "", err
			}
			return id, credCell.String(), nil
		}
	}
	return 0, "", ErrUserNotFound
}

// SetNameField overrides which field Authenticate matches user against;
// the default is the engine's interned "Name" field.
func (a *Authenticator) SetNameField(f qdb.FieldTypeHandle) { a.nameField = f }

// IssueToken mints an HMAC-SHA256 bearer token for identity. The token
// is payload.signature with both halves base64url-encoded; there is no
// header segment because no interoperating verifier needs one.
func (a *Authenticator) IssueToken(identity qdb.EntityId) (string, error) {
	if len(a.config.TokenSecret) == 0 {
		return "", ErrMissingSecret
	}
	c := claims{Sub: identity, Iat: time.Now().Unix()}
	if a.config.TokenExpiry > 0 {
		c.Exp = time.Now().Add(a.config.TokenExpiry).Unix()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, a.config.TokenSecret)
	mac.Write([]byte(payloadB64))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return payloadB64 + "." + sig, nil
}

// VerifyToken checks signature and expiry, returning the carried identity.
func (a *Authenticator) VerifyToken(token string) (qdb.EntityId, error) {
	if len(a.config.TokenSecret) == 0 {
		return 0, ErrMissingSecret
	}
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return 0, ErrInvalidToken
	}
	mac := hmac.New(sha256.New, a.config.TokenSecret)
	mac.Write([]byte(parts[0]))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(parts[1])) != 1 {
		return 0, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return 0, ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return 0, ErrInvalidToken
	}
	if c.Exp != 0 && time.Now().Unix() > c.Exp {
		return 0, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return c.Sub, nil
}

var _ qdb.Authenticator = (*Authenticator)(nil)
