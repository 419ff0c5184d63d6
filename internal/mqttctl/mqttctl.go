// Package mqttctl carries robot and operator commands over MQTT. JSON
// requests on the command topic go to the same dispatcher as the TCP lines,
// and each one is answered on the response topic.
package mqttctl

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/visionpick/internal/protocol"
	"github.com/banshee-data/visionpick/internal/timeutil"
	"github.com/banshee-data/visionpick/internal/transport"
)

// Message types in a Response.
const (
	TypeSuccess = "success"
	TypeError   = "error"
)

const component = "vision"

// Peer is the catch channel shared by every MQTT requester.
var Peer = transport.Peer{ID: "mqtt", Host: "mqtt"}

// Config selects the broker and topics.
type Config struct {
	Broker         string // e.g. tcp://localhost:1883
	ClientID       string
	CommandTopic   string
	ResponseTopic  string
	QoS            byte
	ConnectTimeout time.Duration
}

// DefaultConfig returns the topic and timeout defaults.
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "visionpick",
		CommandTopic:   "visionpick/command",
		ResponseTopic:  "visionpick/response",
		QoS:            1,
		ConnectTimeout: 5 * time.Second,
	}
}

// Commands is the command surface, normally a control.Dispatcher.
type Commands interface {
	Handle(ctx context.Context, peer transport.Peer, line string) (string, bool)
	Start(clientID string) string
}

// Request is one inbound command. Data carries command arguments such as
// tcp_interval_ms for catch.
type Request struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response answers one Request.
type Response struct {
	Command     string  `json:"command"`
	Component   string  `json:"component"`
	MessageType string  `json:"messageType"`
	Message     string  `json:"message"`
	Data        any     `json:"data,omitempty"`
	Timestamp   float64 `json:"timestamp"`
}

// Stats counts handled messages.
type Stats struct {
	Received uint64 `json:"received"`
	Answered uint64 `json:"answered"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
}

// Handler subscribes to the command topic and answers each request.
type Handler struct {
	cfg       Config
	client    mqtt.Client
	commands  Commands
	getConfig func() any
	clock     timeutil.Clock
	queue     chan []byte

	mu    sync.Mutex
	stats Stats
}

// New creates a Handler with a paho client for cfg.Broker. The client
// reconnects on its own and resubscribes on every connect. getConfig backs
// get_config and may be nil.
func New(cfg Config, commands Commands, getConfig func() any) *Handler {
	h := newHandler(cfg, commands, getConfig, nil)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(h.cfg.Broker)
	opts.SetClientID(h.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(h.OnConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("mqtt: connection to %s lost, reconnecting: %v", h.cfg.Broker, err)
	})
	h.client = mqtt.NewClient(opts)
	return h
}

// NewWithClient creates a Handler around an existing client. The caller
// must arrange for OnConnect to run once the client is connected.
func NewWithClient(cfg Config, client mqtt.Client, commands Commands, getConfig func() any, clock timeutil.Clock) *Handler {
	h := newHandler(cfg, commands, getConfig, clock)
	h.client = client
	return h
}

func newHandler(cfg Config, commands Commands, getConfig func() any, clock timeutil.Clock) *Handler {
	d := DefaultConfig()
	if cfg.Broker == "" {
		cfg.Broker = d.Broker
	}
	if cfg.ClientID == "" {
		cfg.ClientID = d.ClientID
	}
	if cfg.CommandTopic == "" {
		cfg.CommandTopic = d.CommandTopic
	}
	if cfg.ResponseTopic == "" {
		cfg.ResponseTopic = d.ResponseTopic
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Handler{
		cfg:       cfg,
		commands:  commands,
		getConfig: getConfig,
		clock:     clock,
		queue:     make(chan []byte, 10),
	}
}

// OnConnect subscribes to the command topic.
func (h *Handler) OnConnect(c mqtt.Client) {
	token := c.Subscribe(h.cfg.CommandTopic, h.cfg.QoS, h.onMessage)
	if !token.WaitTimeout(h.cfg.ConnectTimeout) {
		log.Printf("mqtt: subscribe to %s timed out", h.cfg.CommandTopic)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("mqtt: subscribe to %s: %v", h.cfg.CommandTopic, err)
		return
	}
	log.Printf("mqtt: listening for commands on %s", h.cfg.CommandTopic)
}

// Run connects and answers commands until ctx is done. A broker that is not
// reachable yet is retried in the background.
func (h *Handler) Run(ctx context.Context) error {
	token := h.client.Connect()
	if token.WaitTimeout(h.cfg.ConnectTimeout) {
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", h.cfg.Broker, err)
		}
	} else {
		log.Printf("mqtt: broker %s not reachable yet, retrying", h.cfg.Broker)
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case payload := <-h.queue:
			h.publish(h.Answer(ctx, payload))
		}
	}
}

func (h *Handler) shutdown() {
	if h.client.IsConnected() {
		h.client.Unsubscribe(h.cfg.CommandTopic).WaitTimeout(time.Second)
	}
	h.client.Disconnect(250)
	log.Printf("mqtt: command handler stopped")
}

func (h *Handler) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	h.mu.Lock()
	h.stats.Received++
	h.mu.Unlock()
	select {
	case h.queue <- payload:
	default:
		h.mu.Lock()
		h.stats.Dropped++
		h.mu.Unlock()
		log.Printf("mqtt: command queue full, dropping %q", payload)
	}
}

// Answer runs one request payload and builds its response.
func (h *Handler) Answer(ctx context.Context, payload []byte) Response {
	resp := Response{Component: component, MessageType: TypeSuccess, Timestamp: h.timestamp()}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		resp.Command, resp.MessageType, resp.Message = "unknown", TypeError, "invalid JSON"
		return resp
	}
	resp.Command = req.Command

	switch strings.ToLower(strings.TrimSpace(req.Command)) {
	case "get_config":
		if h.getConfig == nil {
			resp.MessageType, resp.Message = TypeError, "get_config not available"
			return resp
		}
		resp.Data = h.getConfig()
	case "start":
		// MQTT has no connection to bind pushes to, so they go to every
		// robot client.
		resp.Message = h.commands.Start("")
	default:
		reply, _ := h.commands.Handle(ctx, Peer, string(payload))
		if reply == protocol.UnknownCommand {
			resp.MessageType, resp.Message = TypeError, fmt.Sprintf("unknown command: %s", req.Command)
			return resp
		}
		resp.Message = reply
	}
	return resp
}

func (h *Handler) publish(resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Printf("mqtt: failed to marshal response: %v", err)
		h.fail()
		return
	}
	token := h.client.Publish(h.cfg.ResponseTopic, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		log.Printf("mqtt: response publish timeout")
		h.fail()
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("mqtt: failed to publish response: %v", err)
		h.fail()
		return
	}
	h.mu.Lock()
	h.stats.Answered++
	h.mu.Unlock()
}

func (h *Handler) fail() {
	h.mu.Lock()
	h.stats.Failed++
	h.mu.Unlock()
}

func (h *Handler) timestamp() float64 {
	return float64(h.clock.Now().UnixNano()) / float64(time.Second)
}

// Stats returns the message counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
