package lox

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/lox/helpers"
	"github.com/temoto/lox/log2"
)

const testClientUUID = "093302e1-02b4-603c-ffa4ege000d80cfd"

type stubKeys struct {
	cert string
	uk   UserKey
	err  error
}

func (s *stubKeys) PublicKey(context.Context) (string, error)        { return s.cert, s.err }
func (s *stubKeys) UserKey(context.Context, string) (UserKey, error) { return s.uk, s.err }

func dialMock(t testing.TB, m *mockController) Conn {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := DialContext(ctx, m.Address(), ConnOptions{NetworkTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func mockHandshakeOptions(t testing.TB, m *mockController) HandshakeOptions {
	return HandshakeOptions{
		Log:        log2.NewTest(t, log2.LDebug),
		Keys:       m.Keys(),
		User:       m.User,
		Password:   m.Password,
		ClientUUID: testClientUUID,
		ClientInfo: "lox_test",
	}
}

func TestHandshakeAuthenticated(t *testing.T) {
	t.Parallel()
	for _, alg := range []HashAlg{HashSHA1, HashSHA256} {
		alg := alg
		t.Run(string(alg), func(t *testing.T) {
			t.Parallel()
			m := newMockController(t)
			m.HashAlg = alg
			conn := dialMock(t, m)
			hs := NewHandshake(conn, mockHandshakeOptions(t, m))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			sctx, err := hs.Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, StateAuthenticated, hs.State())
			assert.Equal(t, "token-ok", sctx.Token)
			assert.Equal(t, 4, sctx.TokenRights)
			assert.Equal(t, ControllerEpoch.Add(500000000*time.Second), sctx.ValidUntil)
			assert.Len(t, sctx.Key.Key, DefaultAESKeySize)
			assert.Equal(t, m.SessionKey(), sctx.Key, "controller received the same session key")
			assert.Equal(t, hs.TokenCommand(), m.TokenCommand())
			assert.Regexp(t, `^salt/[0-9a-f]{4}/jdev/sys/getjwt/[0-9a-f]+/admin/2/`+testClientUUID+`/lox_test$`, m.TokenCommand())

			cmds := m.Commands()
			require.Len(t, cmds, 2)
			assert.True(t, strings.HasPrefix(cmds[0], CmdKeyExchange))
			assert.True(t, strings.HasPrefix(cmds[1], CmdEncrypted))
		})
	}
}

func TestHandshakeFreshKeyPerConnection(t *testing.T) {
	t.Parallel()
	m := newMockController(t)
	var keys [][]byte
	for i := 0; i < 2; i++ {
		hs := NewHandshake(dialMock(t, m), mockHandshakeOptions(t, m))
		sctx, err := hs.Run(context.Background())
		require.NoError(t, err)
		keys = append(keys, sctx.Key.Key)
	}
	assert.NotEqual(t, keys[0], keys[1])
}

func TestHandshakeTokenDenied(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		modify func(m *mockController, opt *HandshakeOptions)
		code   int
	}{
		{"401", func(m *mockController, _ *HandshakeOptions) { m.TokenCode = 401 }, 401},
		{"wrong-password", func(_ *mockController, opt *HandshakeOptions) { opt.Password = "wrong" }, 401},
		{"403", func(m *mockController, _ *HandshakeOptions) { m.TokenCode = 403 }, 403},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			m := newMockController(t)
			opt := mockHandshakeOptions(t, m)
			c.modify(m, &opt)
			hs := NewHandshake(dialMock(t, m), opt)
			_, err := hs.Run(context.Background())
			require.Error(t, err)
			aerr, ok := errors.Cause(err).(*AuthenticationError)
			require.True(t, ok, "err=%v", err)
			assert.Equal(t, c.code, aerr.Code)
			assert.Equal(t, StateTokenRequested, hs.State())
			assert.True(t, IsFatal(err))

			// poisoned
			assert.Equal(t, err, hs.RequestToken(context.Background()))
			assert.Equal(t, err, hs.Err())
		})
	}
}

func TestHandshakeKeyExchangeRefused(t *testing.T) {
	t.Parallel()
	m := newMockController(t)
	m.KeyExchangeCode = 500
	hs := NewHandshake(dialMock(t, m), mockHandshakeOptions(t, m))
	_, err := hs.Run(context.Background())
	herr, ok := errors.Cause(err).(*HandshakeError)
	require.True(t, ok, "err=%v", err)
	assert.Equal(t, "keyexchange", herr.Step)
	assert.Equal(t, 500, herr.Code)
	assert.Equal(t, StateKeyObtained, hs.State())
}

func TestHandshakeUnknownUser(t *testing.T) {
	t.Parallel()
	m := newMockController(t)
	opt := mockHandshakeOptions(t, m)
	opt.User = "nobody"
	hs := NewHandshake(dialMock(t, m), opt)
	_, err := hs.Run(context.Background())
	_, ok := errors.Cause(err).(*HandshakeError)
	require.True(t, ok, "err=%v", err)
	assert.Equal(t, StateSessionKeySent, hs.State())
}

func TestHandshakeBadPublicKey(t *testing.T) {
	t.Parallel()
	hs := NewHandshake(&fakeConn{}, HandshakeOptions{Keys: &stubKeys{cert: "-----BEGIN CERTIFICATE-----AAAA-----END CERTIFICATE-----"}})
	err := hs.ObtainKey(context.Background())
	_, ok := errors.Cause(err).(*KeyMaterialError)
	assert.True(t, ok, "err=%v", err)
	assert.Equal(t, StateInit, hs.State())

	hs = NewHandshake(&fakeConn{}, HandshakeOptions{})
	err = hs.ObtainKey(context.Background())
	_, ok = errors.Cause(err).(*KeyMaterialError)
	assert.True(t, ok, "no key source err=%v", err)
}

func TestHandshakeSequence(t *testing.T) {
	t.Parallel()
	priv := testRSAKey(t)
	keys := &stubKeys{
		cert: testCertBlock(t, &priv.PublicKey),
		uk:   UserKey{Key: "41424344", Salt: "31323334", HashAlg: HashSHA1},
	}
	conn := &fakeConn{}
	hs := NewHandshake(conn, HandshakeOptions{Keys: keys, User: "user1", Password: "passwordxyz"})
	ctx := context.Background()

	err := hs.HashCredentials(ctx)
	serr, ok := err.(*ProtocolSequenceError)
	require.True(t, ok, "err=%v", err)
	assert.Equal(t, "SessionKeySent", serr.Expected)
	assert.Equal(t, "Init", serr.Actual)
	assert.NoError(t, hs.Err(), "out of order call does not poison")

	require.NoError(t, hs.ObtainKey(ctx))
	_, ok = hs.ObtainKey(ctx).(*ProtocolSequenceError)
	assert.True(t, ok, "repeated step")
	assert.Equal(t, StateKeyObtained, hs.State())

	_, ok = hs.RequestToken(ctx).(*ProtocolSequenceError)
	assert.True(t, ok)
	assert.Empty(t, conn.sent, "nothing sent out of order")
}

// Whole handshake over in-memory connection with fixed key material.
func TestHandshakeFixedKey(t *testing.T) {
	t.Parallel()
	priv := testRSAKey(t)
	sk := SessionKey{Key: helpers.MustHex(testAESKeyHex), IV: helpers.MustHex(testAESIVHex)}
	conn := &fakeConn{onSend: func(c *fakeConn, cmd string) {
		switch {
		case strings.HasPrefix(cmd, CmdKeyExchange):
			c.push(KindText, false, testEnvelope("jdev/sys/keyexchange/", 200, `"ok"`))
		case strings.HasPrefix(cmd, CmdEncrypted):
			// continuation frames and keepalive in between
			c.push(KindText, true, []byte(`{"LL":{"control":"jdev/sys/getjwt","value":{"token":"abc",`))
			c.push(KindKeepAlive, false, nil)
			c.push(KindText, false, []byte(`"tokenRights":2},"code":200}}`))
		}
	}}
	hs := NewHandshake(conn, HandshakeOptions{
		Keys:       &stubKeys{cert: testCertBlock(t, &priv.PublicKey), uk: UserKey{Key: "41424344", Salt: "31323334"}},
		User:       "user1",
		Password:   "passwordxyz",
		Permission: PermissionLong,
		ClientUUID: testClientUUID,
		SessionKey: &sk,
	})
	sctx, err := hs.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", sctx.Token)
	assert.Equal(t, 2, sctx.TokenRights)
	assert.True(t, sctx.ValidUntil.IsZero())
	assert.Equal(t, sk, sctx.Key)

	require.Len(t, conn.sent, 2)
	b64, err := url.QueryUnescape(strings.TrimPrefix(conn.sent[1], CmdEncrypted))
	require.NoError(t, err)
	ct, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	plain := string(bytes.TrimRight(testDecryptCBC(t, sk, ct), "\x00"))
	assert.Equal(t, hs.TokenCommand(), plain)
	assert.True(t, strings.HasSuffix(plain, "/jdev/sys/getjwt/622ad695f1a7d79050b44a1953bba1d01b0860e7/user1/4/"+testClientUUID+"/"+DefaultClientInfo), plain)
}

func TestReadResponse(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	conn.push(KindKeepAlive, false, nil)
	conn.push(KindText, true, []byte("ab"))
	conn.push(KindText, true, []byte("cd"))
	conn.push(KindText, false, []byte("ef"))
	conn.push(KindValueTable, false, make([]byte, 24))
	conn.push(KindOutOfService, false, nil)

	b, err := ReadResponse(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(b))

	_, err = ReadResponse(context.Background(), conn)
	_, ok := errors.Cause(err).(*ProtocolSequenceError)
	assert.True(t, ok, "err=%v", err)

	_, err = ReadResponse(context.Background(), conn)
	_, ok = errors.Cause(err).(*TransportError)
	assert.True(t, ok, "err=%v", err)
}
