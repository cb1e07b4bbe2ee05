package sink

type Config struct {
	Log struct {
		Enable bool `hcl:"enable"`
		// empty or "-" is stdout
		Path          string `hcl:"path"`
		SkipKeepalive bool   `hcl:"skip_keepalive"`
	} `hcl:"log"`
	Mqtt MqttConfig `hcl:"mqtt"`
	// Spool buffers mqtt events on disk while broker is unreachable.
	Spool struct {
		Path        string `hcl:"path"`
		RetryMinSec int    `hcl:"retry_min_sec"`
		RetryMaxSec int    `hcl:"retry_max_sec"`
	} `hcl:"spool"`
}

type MqttConfig struct { //nolint:maligned
	Enable            bool   `hcl:"enable"`
	Broker            string `hcl:"broker"`
	ClientID          string `hcl:"client_id"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"` // secret
	TopicPrefix       string `hcl:"topic_prefix"`
	Qos               int    `hcl:"qos"`
	NoRetain          bool   `hcl:"no_retain"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	LogDebug          bool   `hcl:"log_debug"`
}
