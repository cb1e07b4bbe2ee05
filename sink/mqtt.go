package sink

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/lox/helpers"
	"github.com/temoto/lox/log2"
	"github.com/temoto/lox/lox"
)

const (
	DefaultTopicPrefix = "lox"

	defaultMqttKeepalive = 60 * time.Second
	defaultMqttTimeout   = 30 * time.Second
)

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// MqttSink publishes state changes to `<prefix>/<id>/value` and `<prefix>/<id>/text`.
// Other frame kinds are ignored.
type MqttSink struct {
	log    *log2.Log
	pub    publisher
	prefix string
	qos    byte
	retain bool
}

var _ lox.Sink = &MqttSink{}

func NewMqttSink(log *log2.Log, c MqttConfig) (*MqttSink, error) {
	if c.Broker == "" {
		return nil, errors.NotValidf("config error sink.mqtt.broker=empty")
	}
	if c.Qos < 0 || c.Qos > 2 {
		return nil, errors.NotValidf("config error sink.mqtt.qos=%d", c.Qos)
	}
	timeout := helpers.IntSecondDefault(c.NetworkTimeoutSec, defaultMqttTimeout)
	if c.LogDebug {
		mqtt.DEBUG = log
	}
	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log

	clientID := c.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("lox-%d", time.Now().UnixNano())
	}
	mopt := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(clientID).
		SetUsername(c.Username).
		SetPassword(c.Password).
		SetCleanSession(true).
		SetKeepAlive(helpers.IntSecondDefault(c.KeepaliveSec, defaultMqttKeepalive)).
		SetPingTimeout(timeout).
		SetConnectTimeout(timeout).
		SetWriteTimeout(timeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(mqtt.Client) { log.Infof("mqtt connect broker=%s", c.Broker) }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { log.Errorf("mqtt disconnect err=%v", err) })
	m := mqtt.NewClient(mopt)
	if token := m.Connect(); !token.WaitTimeout(timeout) {
		return nil, errors.Timeoutf("mqtt connect broker=%s", c.Broker)
	} else if err := token.Error(); err != nil {
		return nil, errors.Annotatef(err, "mqtt connect broker=%s", c.Broker)
	}
	return newMqttSink(log, &pahoPublisher{m: m, timeout: timeout}, c), nil
}

func newMqttSink(log *log2.Log, pub publisher, c MqttConfig) *MqttSink {
	prefix := strings.TrimSuffix(c.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MqttSink{
		log:    log,
		pub:    pub,
		prefix: prefix,
		qos:    byte(c.Qos),
		retain: !c.NoRetain,
	}
}

func (ms *MqttSink) Emit(e lox.Event) error {
	var topic string
	var payload []byte
	switch e.Kind {
	case lox.KindValueTable:
		topic = ms.prefix + "/" + e.ID + "/value"
		payload = strconv.AppendFloat(nil, e.Value, 'f', -1, 64)
	case lox.KindTextTable:
		topic = ms.prefix + "/" + e.ID + "/text"
		payload = []byte(e.Text)
	default:
		return nil
	}
	ms.log.Debugf("mqtt publish topic=%s payload=%s", topic, payload)
	return errors.Annotatef(ms.pub.Publish(topic, ms.qos, ms.retain, payload), "mqtt publish topic=%s", topic)
}

func (ms *MqttSink) Close() error {
	ms.pub.Close()
	return nil
}

type pahoPublisher struct {
	m       mqtt.Client
	timeout time.Duration
}

func (p *pahoPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.m.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return errors.Timeoutf("publish")
	}
	return token.Error()
}

func (p *pahoPublisher) Close() {
	const quiesceMs = 250
	p.m.Disconnect(quiesceMs)
}
