package lox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/juju/errors"
)

// UserKey is per-user material from getkey2.
type UserKey struct {
	Key     string  `json:"key"`
	Salt    string  `json:"salt"`
	HashAlg HashAlg `json:"hashAlg"`
}

// KeySource supplies key material for handshake, plain request/response.
type KeySource interface {
	// PublicKey returns controller certificate block as is.
	PublicKey(ctx context.Context) (string, error)
	UserKey(ctx context.Context, user string) (UserKey, error)
}

// HTTPKeySource fetches key material over controller HTTP API.
type HTTPKeySource struct {
	BaseURL string // http://host:port
	Client  *http.Client
}

var _ KeySource = &HTTPKeySource{}

const maxKeyResponse = 64 << 10

func (s *HTTPKeySource) PublicKey(ctx context.Context) (string, error) {
	e, err := s.get(ctx, PathPublicKey)
	if err != nil {
		return "", err
	}
	if !e.OK() {
		return "", &HandshakeError{Step: "getPublicKey", Code: e.Code}
	}
	cert := e.ValueString()
	if cert == "" {
		return "", &KeyMaterialError{Err: errors.New("empty public key")}
	}
	return cert, nil
}

func (s *HTTPKeySource) UserKey(ctx context.Context, user string) (UserKey, error) {
	var uk UserKey
	e, err := s.get(ctx, PathUserKey+url.PathEscape(user))
	if err != nil {
		return uk, err
	}
	if !e.OK() {
		return uk, &HandshakeError{Step: "getkey2", Code: e.Code}
	}
	if err = e.DecodeValue(&uk); err != nil {
		return uk, &KeyMaterialError{Err: errors.Annotate(err, "getkey2")}
	}
	if uk.Key == "" || uk.Salt == "" {
		return uk, &KeyMaterialError{Err: errors.Errorf("getkey2 incomplete key=%q salt=%q", uk.Key, uk.Salt)}
	}
	return uk, nil
}

func (s *HTTPKeySource) get(ctx context.Context, path string) (*Envelope, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimRight(s.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "url=%s", u)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "GET " + path, Err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyResponse))
	if err != nil {
		return nil, &TransportError{Op: "GET " + path, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "GET " + path, Err: fmt.Errorf("http status=%s", resp.Status)}
	}
	return ParseEnvelope(b)
}
