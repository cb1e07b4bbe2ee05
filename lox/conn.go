package lox

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/temoto/lox/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	// Structure file is the largest payload, tens of megabytes on big installations.
	DefaultReadLimit = 64 << 20

	Subprotocol = "remotecontrol"
)

// Conn is one controller connection.
// Exactly one goroutine reads frames. Writes are serialized internally.
type Conn interface {
	Close() error
	Closed() bool
	Options() *ConnOptions
	ReadFrame(context.Context) (Header, []byte, error)
	RemoteAddr() net.Addr
	SendText(context.Context, string) error
	SinceLastRecv() time.Duration
	Stat() *SessionStat
	String() string

	die(error) error
}

type ConnOptions struct {
	Log *log2.Log
	TLS *tls.Config

	NetworkTimeout time.Duration
	ReadLimit      uint32
}

func (opt *ConnOptions) setDefaults() {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReadLimit == 0 {
		opt.ReadLimit = DefaultReadLimit
	}
}

// DialContext opens websocket to controller.
// Address forms: host:port, http[s]://host:port, ws[s]://host:port[/path].
func DialContext(ctx context.Context, address string, opt ConnOptions) (Conn, error) {
	opt.setDefaults()
	socketURL, _, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: opt.NetworkTimeout,
		Subprotocols:     []string{Subprotocol},
		TLSClientConfig:  opt.TLS,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	if deadline, ok := ctx.Deadline(); ok {
		if timeout := time.Until(deadline); timeout <= 0 {
			return nil, context.DeadlineExceeded
		} else if timeout < dialer.HandshakeTimeout {
			dialer.HandshakeTimeout = timeout
		}
	}
	ws, resp, err := dialer.DialContext(ctx, socketURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &TransportError{Op: "dial " + socketURL, Err: err}
	}
	return NewStreamConn(ws, opt), nil
}

// ParseAddress returns websocket URL and matching HTTP base URL.
func ParseAddress(address string) (socketURL, httpURL string, err error) {
	if address == "" {
		return "", "", errors.NotValidf("empty controller address")
	}
	if !strings.Contains(address, "://") {
		address = "ws://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", "", errors.Annotatef(err, "controller address=%s", address)
	}
	if u.Host == "" {
		return "", "", errors.NotValidf("controller address=%s without host", address)
	}
	ws, h := *u, *u
	switch u.Scheme {
	case "ws", "http":
		ws.Scheme, h.Scheme = "ws", "http"
	case "wss", "https":
		ws.Scheme, h.Scheme = "wss", "https"
	default:
		return "", "", errors.NotValidf("controller address scheme=%s", u.Scheme)
	}
	if ws.Path == "" || ws.Path == "/" {
		ws.Path = PathSocket
	}
	h.Path, h.RawQuery = "", ""
	return ws.String(), h.String(), nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
