package lox

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/lox/log2"
)

type HandshakeState uint8

const (
	StateInit HandshakeState = iota
	StateKeyObtained
	StateSessionKeySent
	StateCredentialsHashed
	StateCommandEncrypted
	StateTokenRequested
	StateAuthenticated
	StateClosed
)

func (s HandshakeState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateKeyObtained:
		return "KeyObtained"
	case StateSessionKeySent:
		return "SessionKeySent"
	case StateCredentialsHashed:
		return "CredentialsHashed"
	case StateCommandEncrypted:
		return "CommandEncrypted"
	case StateTokenRequested:
		return "TokenRequested"
	case StateAuthenticated:
		return "Authenticated"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("HandshakeState(%d)", uint8(s))
	}
}

const (
	PermissionShort = 2 // token lifespan in hours
	PermissionLong  = 4 // weeks

	DefaultClientInfo = "lox"
)

// Controller counts time in seconds since this moment.
var ControllerEpoch = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)

type HandshakeOptions struct {
	Log  *log2.Log
	Keys KeySource

	User       string
	Password   string
	Permission int
	ClientUUID string
	ClientInfo string
	AESKeySize int

	// SessionKey replaces random key material. Only tests should set it.
	SessionKey *SessionKey
}

func (opt *HandshakeOptions) setDefaults() {
	if opt.Permission == 0 {
		opt.Permission = PermissionShort
	}
	if opt.ClientInfo == "" {
		opt.ClientInfo = DefaultClientInfo
	}
	if opt.AESKeySize == 0 {
		opt.AESKeySize = DefaultAESKeySize
	}
}

// SessionContext is result of successful handshake. Read only, valid for one connection.
type SessionContext struct {
	Key         SessionKey
	PublicKey   *rsa.PublicKey
	Token       string
	TokenKey    string
	ValidUntil  time.Time
	TokenRights int
}

// Handshake is explicit state machine of key exchange and token authentication.
// Step methods must be called in order, Run calls all of them.
// Failed step keeps its state and every later call returns the same error.
type Handshake struct {
	conn  Conn
	opt   HandshakeOptions
	state HandshakeState
	err   error

	sctx     SessionContext
	salt     string
	userHash string
	command  string
}

func NewHandshake(conn Conn, opt HandshakeOptions) *Handshake {
	opt.setDefaults()
	return &Handshake{conn: conn, opt: opt}
}

func (h *Handshake) State() HandshakeState { return h.state }
func (h *Handshake) Err() error            { return h.err }

// Session returns context filled by handshake, complete only in Authenticated state.
func (h *Handshake) Session() SessionContext { return h.sctx }

func (h *Handshake) Close() error {
	h.state = StateClosed
	if h.conn == nil || h.conn.Closed() {
		return nil
	}
	return h.conn.Close()
}

func (h *Handshake) Run(ctx context.Context) (*SessionContext, error) {
	steps := []func(context.Context) error{
		h.ObtainKey,
		h.SendSessionKey,
		h.HashCredentials,
		func(context.Context) error { return h.EncryptCommand() },
		h.RequestToken,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return nil, err
		}
	}
	sctx := h.sctx
	return &sctx, nil
}

// ObtainKey fetches and parses controller RSA public key.
func (h *Handshake) ObtainKey(ctx context.Context) error {
	return h.step(StateInit, StateKeyObtained, func() error {
		if h.opt.Keys == nil {
			return &KeyMaterialError{Err: errors.New("key source not configured")}
		}
		cert, err := h.opt.Keys.PublicKey(ctx)
		if err != nil {
			return err
		}
		h.sctx.PublicKey, err = ParsePublicKey(cert)
		return err
	})
}

// SendSessionKey generates fresh AES key and IV, sends them RSA encrypted.
func (h *Handshake) SendSessionKey(ctx context.Context) error {
	return h.step(StateKeyObtained, StateSessionKeySent, func() error {
		if h.opt.SessionKey != nil {
			h.sctx.Key = *h.opt.SessionKey
		} else {
			sk, err := NewSessionKey(h.opt.AESKeySize)
			if err != nil {
				return &KeyMaterialError{Err: err}
			}
			h.sctx.Key = sk
		}
		b64, err := EncryptSessionKey(h.sctx.PublicKey, h.sctx.Key)
		if err != nil {
			return err
		}
		e, err := h.roundTrip(ctx, CmdKeyExchange+b64)
		if err != nil {
			return err
		}
		if !e.OK() {
			return &HandshakeError{Step: "keyexchange", Code: e.Code}
		}
		return nil
	})
}

// HashCredentials fetches user key and salt, computes user hash.
func (h *Handshake) HashCredentials(ctx context.Context) error {
	return h.step(StateSessionKeySent, StateCredentialsHashed, func() error {
		salt, err := NewSalt()
		if err != nil {
			return &KeyMaterialError{Err: err}
		}
		uk, err := h.opt.Keys.UserKey(ctx, h.opt.User)
		if err != nil {
			return err
		}
		pwHash := HashPassword(uk.HashAlg, h.opt.Password, uk.Salt)
		userHash, err := HashUser(uk.HashAlg, uk.Key, h.opt.User, pwHash)
		if err != nil {
			return err
		}
		h.salt, h.userHash = salt, userHash
		return nil
	})
}

// TokenCommand is plaintext of token request, exposed for logging and tests.
func (h *Handshake) TokenCommand() string {
	return fmt.Sprintf("salt/%s/%s%s/%s/%d/%s/%s",
		h.salt, CmdGetJWT, h.userHash, h.opt.User, h.opt.Permission, h.opt.ClientUUID, h.opt.ClientInfo)
}

func (h *Handshake) EncryptCommand() error {
	return h.step(StateCredentialsHashed, StateCommandEncrypted, func() error {
		cmd, err := EncryptCommand(h.sctx.Key, h.TokenCommand())
		if err != nil {
			return &KeyMaterialError{Err: err}
		}
		h.command = cmd
		return nil
	})
}

// RequestToken sends encrypted token request. Refusal leaves state at TokenRequested.
func (h *Handshake) RequestToken(ctx context.Context) error {
	if err := h.check(StateCommandEncrypted); err != nil {
		return err
	}
	if err := h.conn.SendText(ctx, h.command); err != nil {
		return h.fail(StateTokenRequested, err)
	}
	h.state = StateTokenRequested
	e, err := h.readEnvelope(ctx)
	if err != nil {
		return h.fail(StateAuthenticated, err)
	}
	if !e.OK() {
		return h.fail(StateAuthenticated, &AuthenticationError{Code: e.Code})
	}
	var v struct {
		Token       string `json:"token"`
		Key         string `json:"key"`
		ValidUntil  int64  `json:"validUntil"`
		TokenRights int    `json:"tokenRights"`
	}
	if err = e.DecodeValue(&v); err != nil {
		return h.fail(StateAuthenticated, &HandshakeError{Step: "getjwt", Code: e.Code, Err: err})
	}
	if v.Token == "" {
		return h.fail(StateAuthenticated, &HandshakeError{Step: "getjwt", Code: e.Code, Err: errors.New("empty token")})
	}
	h.sctx.Token = v.Token
	h.sctx.TokenKey = v.Key
	h.sctx.TokenRights = v.TokenRights
	if v.ValidUntil != 0 {
		h.sctx.ValidUntil = ControllerEpoch.Add(time.Duration(v.ValidUntil) * time.Second)
	}
	h.state = StateAuthenticated
	h.opt.Log.Debugf("handshake authenticated user=%s rights=%d valid_until=%s",
		h.opt.User, v.TokenRights, h.sctx.ValidUntil.Format(time.RFC3339))
	return nil
}

func (h *Handshake) check(expect HandshakeState) error {
	if h.err != nil {
		return h.err
	}
	if h.state != expect {
		return &ProtocolSequenceError{Expected: expect.String(), Actual: h.state.String()}
	}
	return nil
}

func (h *Handshake) fail(next HandshakeState, err error) error {
	h.err = errors.Annotatef(err, "handshake %s", next)
	h.opt.Log.Debugf("handshake failed state=%s err=%v", h.state, err)
	return h.err
}

func (h *Handshake) step(expect, next HandshakeState, f func() error) error {
	if err := h.check(expect); err != nil {
		return err
	}
	if err := f(); err != nil {
		return h.fail(next, err)
	}
	h.state = next
	h.opt.Log.Debugf("handshake state=%s", next)
	return nil
}

func (h *Handshake) roundTrip(ctx context.Context, cmd string) (*Envelope, error) {
	if err := h.conn.SendText(ctx, cmd); err != nil {
		return nil, err
	}
	return h.readEnvelope(ctx)
}

func (h *Handshake) readEnvelope(ctx context.Context) (*Envelope, error) {
	b, err := ReadResponse(ctx, h.conn)
	if err != nil {
		return nil, err
	}
	return ParseEnvelope(b)
}

// ReadResponse reads one command response. Continuation frames are joined,
// keepalive frames in between are skipped.
func ReadResponse(ctx context.Context, conn Conn) ([]byte, error) {
	var buf []byte
	started := false
	for {
		h, payload, err := conn.ReadFrame(ctx)
		if err != nil {
			return nil, err
		}
		switch h.Kind {
		case KindKeepAlive:
			continue
		case KindText, KindBinary:
		case KindOutOfService:
			return nil, &TransportError{Op: "read response", Err: errors.New("controller out of service")}
		default:
			return nil, &ProtocolSequenceError{Expected: "response", Actual: h.Kind.String()}
		}
		if !started {
			buf = payload
			started = true
		} else {
			buf = append(buf, payload...)
		}
		if !h.MoreFollows {
			return buf, nil
		}
	}
}
