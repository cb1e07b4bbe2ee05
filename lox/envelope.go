package lox

import (
	"encoding/json"
	"strings"

	"github.com/juju/errors"
)

// Socket commands.
const (
	CmdKeyExchange        = "jdev/sys/keyexchange/"
	CmdEncrypted          = "jdev/sys/enc/"
	CmdGetJWT             = "jdev/sys/getjwt/"
	CmdStructure          = "data/LoxAPP3.json"
	CmdEnableStatusUpdate = "jdev/sps/enablebinstatusupdate"
	CmdKeepalive          = "keepalive"
)

// HTTP endpoints.
const (
	PathPublicKey = "/jdev/sys/getPublicKey"
	PathUserKey   = "/jdev/sys/getkey2/"
	PathSocket    = "/ws/rfc6455"
)

const CodeOK = 200

// Envelope is controller response {"LL":{"control":..., "code":..., "value":...}}.
// Controller spells code as "Code" or "code" and sends it as number or string.
type Envelope struct {
	Control string
	Code    int
	Value   json.RawMessage
}

func ParseEnvelope(b []byte) (*Envelope, error) {
	var outer struct {
		LL map[string]json.RawMessage `json:"LL"`
	}
	if err := json.Unmarshal(b, &outer); err != nil {
		return nil, errors.Annotatef(err, "envelope=%q", trimForLog(b))
	}
	if outer.LL == nil {
		return nil, errors.NotValidf("envelope without LL=%q", trimForLog(b))
	}
	e := &Envelope{}
	codeFound := false
	for k, raw := range outer.LL {
		switch strings.ToLower(k) {
		case "control":
			_ = json.Unmarshal(raw, &e.Control)
		case "value":
			e.Value = raw
		case "code":
			var n json.Number
			if err := json.Unmarshal(raw, &n); err != nil {
				return nil, errors.Annotatef(err, "envelope code=%s", string(raw))
			}
			code, err := n.Int64()
			if err != nil {
				return nil, errors.Annotatef(err, "envelope code=%s", string(raw))
			}
			e.Code = int(code)
			codeFound = true
		}
	}
	if !codeFound {
		return nil, errors.NotValidf("envelope without code=%q", trimForLog(b))
	}
	return e, nil
}

func (e *Envelope) OK() bool { return e.Code == CodeOK }

// DecodeValue unmarshals value into v. String value containing JSON object
// is decoded too, controller wraps some payloads that way.
func (e *Envelope) DecodeValue(v interface{}) error {
	if len(e.Value) == 0 {
		return errors.NotFoundf("envelope value control=%s", e.Control)
	}
	err := json.Unmarshal(e.Value, v)
	if err == nil {
		return nil
	}
	var s string
	if json.Unmarshal(e.Value, &s) == nil && strings.HasPrefix(strings.TrimSpace(s), "{") {
		return errors.Annotate(json.Unmarshal([]byte(s), v), "envelope value")
	}
	return errors.Annotate(err, "envelope value")
}

// ValueString returns value if it is JSON string, otherwise raw JSON text.
func (e *Envelope) ValueString() string {
	var s string
	if json.Unmarshal(e.Value, &s) == nil {
		return s
	}
	return string(e.Value)
}

func trimForLog(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
