package lox

import (
	"github.com/prometheus/client_golang/prometheus"
)

const MetricsNamespace = "lox"

// StatCollector exports session counters as prometheus metrics.
// Source is called on every scrape, see Client.Stat.
type StatCollector struct {
	source func() *SessionStat

	conn         *prometheus.Desc
	decodeErrors *prometheus.Desc
	recvFrames   *prometheus.Desc
	recvBytes    *prometheus.Desc
	recvWire     *prometheus.Desc
	sendCommands *prometheus.Desc
	sendBytes    *prometheus.Desc
}

var _ prometheus.Collector = &StatCollector{}

func NewStatCollector(namespace string, source func() *SessionStat) *StatCollector {
	if namespace == "" {
		namespace = MetricsNamespace
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &StatCollector{
		source:       source,
		conn:         desc("connections_total", "Websocket connections opened"),
		decodeErrors: desc("decode_errors_total", "Frames dropped because payload failed to decode"),
		recvFrames:   desc("recv_frames_total", "Frames received by kind", "kind"),
		recvBytes:    desc("recv_payload_bytes_total", "Payload bytes received by kind", "kind"),
		recvWire:     desc("recv_wire_bytes_total", "Bytes read from websocket, headers included"),
		sendCommands: desc("send_commands_total", "Text commands sent"),
		sendBytes:    desc("send_bytes_total", "Text command bytes sent"),
	}
}

func (sc *StatCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.conn
	ch <- sc.decodeErrors
	ch <- sc.recvFrames
	ch <- sc.recvBytes
	ch <- sc.recvWire
	ch <- sc.sendCommands
	ch <- sc.sendBytes
}

func (sc *StatCollector) Collect(ch chan<- prometheus.Metric) {
	stat := sc.source()
	if stat == nil {
		return
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(sc.conn, stat.Conn.Value())
	counter(sc.decodeErrors, stat.DecodeErrors.Value())
	counter(sc.recvWire, stat.Recv.Total.Size.Value())
	for i := range stat.Recv.Kind {
		kind := FrameKind(i).String()
		counter(sc.recvFrames, stat.Recv.Kind[i].Count.Value(), kind)
		counter(sc.recvBytes, stat.Recv.Kind[i].Size.Value(), kind)
	}
	counter(sc.sendCommands, stat.Send.Count.Value())
	counter(sc.sendBytes, stat.Send.Size.Value())
}
