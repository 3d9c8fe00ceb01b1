// Package mqtt publishes tank readings to an MQTT broker so home automation
// systems can pick them up.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/ecometer-dash/internal/ecometer"
)

// Config holds broker and topic settings.
type Config struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id" json:"clientId"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"-"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`
	QoS         int    `yaml:"qos" json:"qos"`
	Retain      bool   `yaml:"retain" json:"retain"`
}

// client is the part of paho.Client the publisher uses.
type client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Publisher sends every measurement as JSON to <prefix>/measurement and
// keeps <prefix>/status at "online"/"offline" through a retained last will.
type Publisher struct {
	cfg              Config
	topicMeasurement string
	topicStatus      string
	newClient        func(*paho.ClientOptions) client

	mu sync.Mutex
	c  client

	failed atomic.Uint64
}

// Message is the JSON document published for each reading.
type Message struct {
	Port string `json:"port"`
	ecometer.Measurement
}

const connectTimeout = 10 * time.Second

// New creates a publisher. Nothing is sent until Connect.
func New(cfg Config) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "ecometer-dash"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "ecometer"
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		cfg.QoS = 1
	}
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	return &Publisher{
		cfg:              cfg,
		topicMeasurement: prefix + "/measurement",
		topicStatus:      prefix + "/status",
		newClient: func(o *paho.ClientOptions) client {
			return paho.NewClient(o)
		},
	}
}

// Name identifies the broker in log lines.
func (p *Publisher) Name() string { return "MQTT " + p.cfg.Broker }

// Failed counts publishes the broker did not acknowledge.
func (p *Publisher) Failed() uint64 { return p.failed.Load() }

// Connect dials the broker and announces the publisher online.
func (p *Publisher) Connect() error {
	opts := paho.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetWill(p.topicStatus, "offline", byte(p.cfg.QoS), true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.connectionLost)

	c := p.newClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt: connect to %s timed out", p.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", p.cfg.Broker, err)
	}

	p.mu.Lock()
	p.c = c
	p.mu.Unlock()
	log.Printf("[mqtt] connected to %s (topics %s, %s)", p.Name(), p.topicMeasurement, p.topicStatus)
	return nil
}

// Close marks the publisher offline and disconnects.
func (p *Publisher) Close() error {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	c.Publish(p.topicStatus, byte(p.cfg.QoS), true, "offline").WaitTimeout(time.Second)
	c.Disconnect(250)
	log.Printf("[mqtt] disconnected from %s", p.cfg.Broker)
	return nil
}

// Observe is an ecometer.Observer. It does not wait for the broker to
// acknowledge; failed deliveries are logged and counted in the background.
func (p *Publisher) Observe(s *ecometer.Session, m ecometer.Measurement) {
	if err := p.Publish(s.Config().Port, m); err != nil {
		log.Printf("[mqtt] publish failed: %v", err)
	}
}

// Publish sends one reading.
func (p *Publisher) Publish(port string, m ecometer.Measurement) error {
	p.mu.Lock()
	c := p.c
	p.mu.Unlock()
	if c == nil || !c.IsConnected() {
		return fmt.Errorf("mqtt: not connected")
	}

	payload, err := json.Marshal(Message{Port: port, Measurement: m})
	if err != nil {
		return err
	}
	go p.watch(c.Publish(p.topicMeasurement, byte(p.cfg.QoS), p.cfg.Retain, payload))
	return nil
}

func (p *Publisher) watch(token paho.Token) {
	if !token.WaitTimeout(connectTimeout) {
		p.failed.Add(1)
		log.Printf("[mqtt] publish to %s timed out", p.topicMeasurement)
		return
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		log.Printf("[mqtt] publish to %s failed: %v", p.topicMeasurement, err)
	}
}

func (p *Publisher) onConnect(c paho.Client) {
	c.Publish(p.topicStatus, byte(p.cfg.QoS), true, "online")
}

func (p *Publisher) connectionLost(c paho.Client, err error) {
	log.Printf("[mqtt] connection lost: %v", err)
}
