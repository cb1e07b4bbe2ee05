// Separate package is workaround to import cycles.
package lox_config

type Config struct { //nolint:maligned
	Address           string `hcl:"address"`
	User              string `hcl:"user"`
	Password          string `hcl:"password"` // secret
	Permission        int    `hcl:"permission"`
	ClientUUID        string `hcl:"client_uuid"`
	ClientInfo        string `hcl:"client_info"`
	AESKeySize        int    `hcl:"aes_key_size"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	ReadLimit         uint32 `hcl:"read_limit"`
	StrictDecode      bool   `hcl:"strict_decode"`
	FrameLimit        int    `hcl:"frame_limit"`
	LogDebug          bool   `hcl:"log_debug"`
	TlsInsecure       bool   `hcl:"tls_insecure"`
	RetryMinSec       int    `hcl:"retry_min_sec"`
	RetryMaxSec       int    `hcl:"retry_max_sec"`
}
