package lox

import (
	"crypto/tls"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/lox/helpers"
	lox_config "github.com/temoto/lox/lox/config"
	"github.com/temoto/lox/log2"
)

const DefaultKeepalive = 60 * time.Second

// ClientOptionsFromConfig validates config and fills options with defaults.
// Sink and resolver are left for caller.
func ClientOptionsFromConfig(log *log2.Log, c lox_config.Config) (ClientOptions, error) {
	var opt ClientOptions
	if _, _, err := ParseAddress(c.Address); err != nil {
		return opt, errors.Annotate(err, "config error lox.address")
	}
	if c.User == "" {
		return opt, errors.NotValidf("config error lox.user=empty")
	}
	switch c.Permission {
	case 0, PermissionShort, PermissionLong:
	default:
		return opt, errors.NotValidf("config error lox.permission=%d expected %d or %d", c.Permission, PermissionShort, PermissionLong)
	}
	switch c.AESKeySize {
	case 0, 16, 24, 32:
	default:
		return opt, errors.NotValidf("config error lox.aes_key_size=%d", c.AESKeySize)
	}
	// both go into token command path
	if strings.Contains(c.ClientUUID, "/") || strings.Contains(c.ClientInfo, "/") {
		return opt, errors.NotValidf("config error lox.client_uuid or client_info contains '/'")
	}
	if c.NetworkTimeoutSec < 0 || c.KeepaliveSec < 0 || c.RetryMinSec < 0 || c.RetryMaxSec < 0 {
		return opt, errors.NotValidf("config error lox negative duration")
	}

	if log == nil {
		log = log2.NewStderr(log2.LInfo)
	}
	if !c.LogDebug && log.Enabled(log2.LDebug) {
		log = log.Clone(log2.LInfo)
	}
	opt.Log = log
	opt.Address = c.Address
	opt.Conn = ConnOptions{
		Log:            log,
		NetworkTimeout: helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout),
		ReadLimit:      c.ReadLimit,
	}
	if c.TlsInsecure {
		opt.Conn.TLS = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	opt.Handshake = HandshakeOptions{
		Log:        log,
		User:       c.User,
		Password:   c.Password,
		Permission: c.Permission,
		ClientUUID: strings.ToLower(c.ClientUUID),
		ClientInfo: c.ClientInfo,
		AESKeySize: c.AESKeySize,
	}
	opt.Dispatch = DispatchOptions{
		Log:          log,
		StrictDecode: c.StrictDecode,
		FrameLimit:   c.FrameLimit,
	}
	opt.Keepalive = helpers.IntSecondDefault(c.KeepaliveSec, DefaultKeepalive)
	opt.RetryMin = helpers.IntSecondDefault(c.RetryMinSec, DefaultRetryMin)
	opt.RetryMax = helpers.IntSecondDefault(c.RetryMaxSec, DefaultRetryMax)
	if opt.RetryMax < opt.RetryMin {
		return opt, errors.NotValidf("config error lox.retry_max_sec=%s < retry_min_sec=%s", opt.RetryMax, opt.RetryMin)
	}
	return opt, nil
}
