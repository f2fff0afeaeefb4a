// Package publish sends frame summaries and pixel blocks to an MQTT broker.
//
// Summaries go to <topic>/frames and pixel blocks to <topic>/pixels, both as JSON.
package publish

import (
	"encoding/json"
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pxlab/pxlab/pxcapi"
)

// ErrTimeout is returned when the broker does not acknowledge in time
var ErrTimeout = errors.New("mqtt: publish timed out")

// Config holds the broker connection settings
type Config struct {
	Broker   string        `koanf:"broker" yaml:"broker"`
	ClientID string        `koanf:"clientid" yaml:"clientid"`
	Topic    string        `koanf:"topic" yaml:"topic"`
	QoS      byte          `koanf:"qos" yaml:"qos"`
	Timeout  time.Duration `koanf:"timeout" yaml:"timeout"`
}

// Publisher is the part of mqtt.Client used here
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// FrameSummary is the per-frame message
type FrameSummary struct {
	Run     string    `json:"run"`
	Index   int       `json:"index"`
	Mode    string    `json:"mode"`
	AcqTime float64   `json:"acqTime"`
	Hits    int       `json:"hits"`
	Sum     uint64    `json:"sum"`
	Time    time.Time `json:"time"`
}

// PixelBlock is the per-block message of a data-driven run
type PixelBlock struct {
	Run    string         `json:"run"`
	Block  int            `json:"block"`
	Pixels []pxcapi.Pixel `json:"pixels"`
}

// MQTT publishes to one topic root
type MQTT struct {
	pub     Publisher
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
}

// New wraps an existing publisher
func New(p Publisher, topic string, qos byte, timeout time.Duration) *MQTT {
	return &MQTT{pub: p, topic: topic, qos: qos, timeout: timeout}
}

// Connect dials the broker and returns a publisher on cfg.Topic
func Connect(cfg Config) (*MQTT, error) {
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.SetKeepAlive(2 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetAutoReconnect(true)
	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, ErrTimeout
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	m := New(c, cfg.Topic, cfg.QoS, cfg.Timeout)
	m.client = c
	return m, nil
}

// Close disconnects a client made by Connect
func (m *MQTT) Close() {
	if m.client != nil {
		m.client.Disconnect(250)
	}
}

func (m *MQTT) send(sub string, obj interface{}) error {
	msg, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	token := m.pub.Publish(m.topic+"/"+sub, m.qos, false, msg)
	if m.timeout <= 0 {
		token.Wait()
	} else if !token.WaitTimeout(m.timeout) {
		return ErrTimeout
	}
	return token.Error()
}

// Summarize builds the message for f
func Summarize(run string, f *pxcapi.Frame) FrameSummary {
	return FrameSummary{
		Run:     run,
		Index:   f.Index,
		Mode:    f.Mode.String(),
		AcqTime: f.AcqTime.Seconds(),
		Hits:    f.Hits(),
		Sum:     f.Sum(),
		Time:    time.Now().UTC(),
	}
}

// Frame publishes the summary of f
func (m *MQTT) Frame(run string, f *pxcapi.Frame) error {
	return m.send("frames", Summarize(run, f))
}

// Pixels publishes one block of data-driven pixels
func (m *MQTT) Pixels(run string, block int, px []pxcapi.Pixel) error {
	return m.send("pixels", PixelBlock{Run: run, Block: block, Pixels: px})
}
