package lox

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	testAESKeyHex = "6A586E3272357538782F413F4428472B4B6250655368566B5970337336763979"
	testAESIVHex  = "782F413F442A472D4B6150645367566B"
)

var testRSA struct {
	sync.Once
	key *rsa.PrivateKey
	err error
}

func testRSAKey(t testing.TB) *rsa.PrivateKey {
	testRSA.Do(func() {
		testRSA.key, testRSA.err = rsa.GenerateKey(rand.Reader, 2048)
	})
	require.NoError(t, testRSA.err)
	return testRSA.key
}

// testCertBlock formats public key the way controller does: single line, certificate delimiters.
func testCertBlock(t testing.TB, pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return "-----BEGIN CERTIFICATE-----" + base64.StdEncoding.EncodeToString(der) + "-----END CERTIFICATE-----"
}

func testDecryptCBC(t testing.TB, sk SessionKey, ct []byte) []byte {
	block, err := aes.NewCipher(sk.Key)
	require.NoError(t, err)
	require.Equal(t, 0, len(ct)%aes.BlockSize, "ciphertext length")
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, sk.IV).CryptBlocks(out, ct)
	return out
}

func testEnvelope(control string, code int, value string) []byte {
	return []byte(fmt.Sprintf(`{"LL":{"control":%q,"value":%s,"Code":"%d"}}`, control, value, code))
}

func testFrame(kind FrameKind, more bool, payload []byte) []byte {
	b := AppendHeader(nil, Header{Kind: kind, MoreFollows: more, PayloadLength: uint32(len(payload))})
	return append(b, payload...)
}

type fakeFrame struct {
	h       Header
	payload []byte
}

// fakeConn is in-memory Conn fed with prepared frames.
type fakeConn struct {
	mu     sync.Mutex
	frames []fakeFrame
	sent   []string
	closed bool
	opt    ConnOptions
	stat   SessionStat
	onSend func(c *fakeConn, cmd string)
}

var _ Conn = &fakeConn{}

func (c *fakeConn) push(kind FrameKind, more bool, payload []byte) {
	c.frames = append(c.frames, fakeFrame{
		h:       Header{Kind: kind, Code: byte(kind), MoreFollows: more, PayloadLength: uint32(len(payload))},
		payload: payload,
	})
}

func (c *fakeConn) Close() error { return c.die(ErrClosing) }
func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
func (c *fakeConn) Options() *ConnOptions { return &c.opt }
func (c *fakeConn) ReadFrame(ctx context.Context) (Header, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Header{}, nil, &TransportError{Op: "read", Err: ErrClosed}
	}
	if len(c.frames) == 0 {
		return Header{}, nil, &TransportError{Op: "read", Err: io.EOF}
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	c.stat.Recv.Register(f.h)
	return f.h, f.payload, nil
}
func (c *fakeConn) RemoteAddr() net.Addr { return nil }
func (c *fakeConn) SendText(ctx context.Context, cmd string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &TransportError{Op: "send", Err: ErrClosed}
	}
	c.sent = append(c.sent, cmd)
	c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(c, cmd)
	}
	return nil
}
func (c *fakeConn) SinceLastRecv() time.Duration { return 0 }
func (c *fakeConn) Stat() *SessionStat           { return &c.stat }
func (c *fakeConn) String() string               { return "fake" }
func (c *fakeConn) die(e error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return e
}

// mockController serves key endpoints and websocket like the real controller.
type mockController struct {
	t      testing.TB
	key    *rsa.PrivateKey
	server *httptest.Server

	User       string
	Password   string
	UserKeyHex string
	UserSalt   string
	HashAlg    HashAlg

	KeyExchangeCode int
	TokenCode       int
	Token           string
	Structure       []byte
	// Structure split into this many continuation frames.
	StructureParts int
	// Events are raw wire bytes written after status updates enabled.
	Events []byte
	// Split events into websocket messages of this size, 0 = one message per header/payload.
	EventChunk int
	// DropSessions closes this many first websocket connections right after upgrade.
	DropSessions int

	mu         sync.Mutex
	dropped    int
	commands   []string
	sessionKey SessionKey
	tokenCmd   string
}

func newMockController(t testing.TB) *mockController {
	m := &mockController{
		t:               t,
		key:             testRSAKey(t),
		User:            "admin",
		Password:        "secret",
		UserKeyHex:      "41424344454647",
		UserSalt:        "31323334",
		HashAlg:         HashSHA1,
		KeyExchangeCode: 200,
		TokenCode:       200,
		Token:           "token-ok",
		Structure:       []byte(testStructureJSON),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(PathPublicKey, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(testEnvelope("dev/sys/getPublicKey", 200, fmt.Sprintf("%q", testCertBlock(t, &m.key.PublicKey))))
	})
	mux.HandleFunc(PathUserKey, func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimPrefix(r.URL.Path, PathUserKey)
		if user != m.User {
			_, _ = w.Write(testEnvelope("jdev/sys/getkey2/"+user, 404, `""`))
			return
		}
		_, _ = w.Write(testEnvelope("jdev/sys/getkey2/"+user, 200,
			fmt.Sprintf(`{"key":%q,"salt":%q,"hashAlg":%q}`, m.UserKeyHex, m.UserSalt, m.HashAlg)))
	})
	mux.HandleFunc(PathSocket, m.serveSocket)
	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockController) Address() string { return m.server.URL }

func (m *mockController) Keys() KeySource {
	return &HTTPKeySource{BaseURL: m.server.URL, Client: m.server.Client()}
}

func (m *mockController) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func (m *mockController) SessionKey() SessionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionKey
}

func (m *mockController) TokenCommand() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCmd
}

func (m *mockController) serveSocket(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		m.t.Logf("mock upgrade err=%v", err)
		return
	}
	defer ws.Close()
	m.mu.Lock()
	drop := m.dropped < m.DropSessions
	if drop {
		m.dropped++
	}
	m.mu.Unlock()
	if drop {
		return
	}
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		cmd := string(msg)
		m.mu.Lock()
		m.commands = append(m.commands, cmd)
		m.mu.Unlock()
		if err = m.handle(ws, cmd); err != nil {
			m.t.Logf("mock handle cmd=%s err=%v", cmd, err)
			return
		}
	}
}

func (m *mockController) handle(ws *websocket.Conn, cmd string) error {
	switch {
	case strings.HasPrefix(cmd, CmdKeyExchange):
		sk, err := m.decryptSessionKey(strings.TrimPrefix(cmd, CmdKeyExchange))
		if err != nil {
			return m.writeText(ws, testEnvelope("jdev/sys/keyexchange/", 400, `""`))
		}
		m.mu.Lock()
		m.sessionKey = sk
		m.mu.Unlock()
		return m.writeText(ws, testEnvelope("jdev/sys/keyexchange/", m.KeyExchangeCode, `"ok"`))

	case strings.HasPrefix(cmd, CmdEncrypted):
		plain, err := m.decryptCommand(strings.TrimPrefix(cmd, CmdEncrypted))
		if err != nil {
			return m.writeText(ws, testEnvelope("jdev/sys/enc/", 400, `""`))
		}
		m.mu.Lock()
		m.tokenCmd = plain
		m.mu.Unlock()
		code := m.TokenCode
		if code == 200 && !m.checkTokenCommand(plain) {
			code = 401
		}
		if code != 200 {
			return m.writeText(ws, testEnvelope("jdev/sys/getjwt", code, `""`))
		}
		return m.writeText(ws, testEnvelope("jdev/sys/getjwt", 200,
			fmt.Sprintf(`{"token":%q,"key":"4142","validUntil":500000000,"tokenRights":4,"unsecurePass":false}`, m.Token)))

	case cmd == CmdStructure:
		parts := m.StructureParts
		if parts < 1 {
			parts = 1
		}
		size := (len(m.Structure) + parts - 1) / parts
		for i := 0; i < parts; i++ {
			lo, hi := i*size, (i+1)*size
			if hi > len(m.Structure) {
				hi = len(m.Structure)
			}
			if err := m.writeFrame(ws, KindText, i < parts-1, m.Structure[lo:hi]); err != nil {
				return err
			}
		}
		return nil

	case cmd == CmdEnableStatusUpdate:
		if err := m.writeText(ws, testEnvelope("dev/sps/enablebinstatusupdate", 200, `"1"`)); err != nil {
			return err
		}
		return m.writeRaw(ws, m.Events)

	case cmd == CmdKeepalive:
		return m.writeFrame(ws, KindKeepAlive, false, nil)
	}
	return m.writeText(ws, testEnvelope(cmd, 404, `""`))
}

func (m *mockController) decryptSessionKey(b64 string) (SessionKey, error) {
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return SessionKey{}, err
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, m.key, ct)
	if err != nil {
		return SessionKey{}, err
	}
	parts := strings.SplitN(string(plain), ":", 2)
	if len(parts) != 2 {
		return SessionKey{}, fmt.Errorf("session key payload=%q", plain)
	}
	var sk SessionKey
	if sk.Key, err = hex.DecodeString(parts[0]); err != nil {
		return SessionKey{}, err
	}
	if sk.IV, err = hex.DecodeString(parts[1]); err != nil {
		return SessionKey{}, err
	}
	return sk, nil
}

func (m *mockController) decryptCommand(escaped string) (string, error) {
	b64, err := url.QueryUnescape(escaped)
	if err != nil {
		return "", err
	}
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	sk := m.SessionKey()
	block, err := aes.NewCipher(sk.Key)
	if err != nil {
		return "", err
	}
	if len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length=%d", len(ct))
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, sk.IV).CryptBlocks(out, ct)
	return string(bytes.TrimRight(out, "\x00")), nil
}

// salt/<salt>/jdev/sys/getjwt/<hash>/<user>/<permission>/<uuid>/<info>
func (m *mockController) checkTokenCommand(plain string) bool {
	parts := strings.Split(plain, "/")
	if len(parts) != 10 || parts[0] != "salt" || strings.Join(parts[2:5], "/")+"/" != CmdGetJWT {
		return false
	}
	pwHash := HashPassword(m.HashAlg, m.Password, m.UserSalt)
	expect, err := HashUser(m.HashAlg, m.UserKeyHex, m.User, pwHash)
	return err == nil && parts[5] == expect && parts[6] == m.User
}

func (m *mockController) writeText(ws *websocket.Conn, payload []byte) error {
	return m.writeFrame(ws, KindText, false, payload)
}

// writeFrame sends header and payload as separate messages, like the controller.
func (m *mockController) writeFrame(ws *websocket.Conn, kind FrameKind, more bool, payload []byte) error {
	h := AppendHeader(nil, Header{Kind: kind, MoreFollows: more, PayloadLength: uint32(len(payload))})
	if err := ws.WriteMessage(websocket.BinaryMessage, h); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	mt := websocket.BinaryMessage
	if kind == KindText {
		mt = websocket.TextMessage
	}
	return ws.WriteMessage(mt, payload)
}

func (m *mockController) writeRaw(ws *websocket.Conn, b []byte) error {
	chunk := m.EventChunk
	if chunk <= 0 {
		chunk = len(b)
	}
	for len(b) > 0 {
		n := chunk
		if n > len(b) {
			n = len(b)
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
