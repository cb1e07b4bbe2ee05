package helpers

import (
	"bufio"
	"bytes"
	"net/http"
)

// MockHTTP is http.RoundTripper for tests.
// Priority: Fun, Err, Routes by URL path, fixed Header+Body.
// Unknown route responds 404.
type MockHTTP struct {
	Fun    func(*http.Request) (*http.Response, error)
	Header []byte
	Body   []byte
	Err    error
	Routes map[string]string
}

func (m *MockHTTP) RoundTrip(req *http.Request) (*http.Response, error) {
	if m.Fun != nil {
		return m.Fun(req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	header, body := m.Header, m.Body
	if m.Routes != nil {
		if s, ok := m.Routes[req.URL.Path]; ok {
			body = []byte(s)
		} else {
			header, body = []byte("HTTP/1.0 404 Not Found\r\n\r\n"), nil
		}
	}
	if header == nil {
		header = []byte("HTTP/1.0 200 OK\r\n\r\n")
	}
	rb := make([]byte, 0, len(header)+len(body))
	rb = append(rb, header...)
	rb = append(rb, body...)
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(rb)), req)
}
