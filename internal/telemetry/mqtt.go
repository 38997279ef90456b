// Package telemetry publishes localization results over MQTT and accepts
// remote key presses on a control topic.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/pose.report/internal/lidar/pipeline"
)

// ErrNotConnected is returned while the broker connection is down.
var ErrNotConnected = errors.New("MQTT client not connected")

// Options configures Connect.
type Options struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string
}

// Connect builds a client with auto-reconnect and starts connecting in the
// background. The client is usable immediately; publishes fail with
// ErrNotConnected until the broker answers.
func Connect(opts Options) mqtt.Client {
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.Broker)
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "pose-report"
	}
	o.SetClientID(clientID)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(5 * time.Second)
	o.SetMaxReconnectInterval(60 * time.Second)
	o.SetKeepAlive(60 * time.Second)
	o.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("[telemetry] connected to %s", opts.Broker)
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[telemetry] connection lost (%v), auto-reconnect will retry", err)
	})

	c := mqtt.NewClient(o)
	c.Connect()
	return c
}

// PoseTopic returns the pose topic under prefix.
func PoseTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/localizer/pose"
}

// ControlTopic returns the remote key topic under prefix.
func ControlTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/localizer/control"
}

// PoseMessage is the retained payload on PoseTopic.
type PoseMessage struct {
	Sequence  uint64   `json:"sequence"`
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Z         float64  `json:"z"`
	Yaw       float64  `json:"yaw"`
	Error     *float64 `json:"error,omitempty"`
	MaxError  float64  `json:"max_error"`
	Converged bool     `json:"converged"`
	Failed    bool     `json:"failed,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Client is the subset of mqtt.Client the publisher needs.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// PosePublisher implements pipeline.CycleSink.
type PosePublisher struct {
	client  Client
	topic   string
	qos     byte
	retain  bool
	timeout time.Duration
}

// NewPosePublisher publishes retained QoS 0 messages on PoseTopic(prefix).
func NewPosePublisher(client Client, prefix string) *PosePublisher {
	return &PosePublisher{
		client:  client,
		topic:   PoseTopic(prefix),
		retain:  true,
		timeout: 2 * time.Second,
	}
}

// Topic returns the publish topic.
func (p *PosePublisher) Topic() string { return p.topic }

// RecordCycle publishes r's pose.
func (p *PosePublisher) RecordCycle(_ context.Context, r *pipeline.CycleResult) error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}
	msg := PoseMessage{
		Sequence:  r.Sequence,
		X:         r.Pose.Position.X,
		Y:         r.Pose.Position.Y,
		Z:         r.Pose.Position.Z,
		Yaw:       r.Pose.Yaw,
		MaxError:  r.MaxError,
		Converged: r.Converged,
		Failed:    r.Failed,
		Timestamp: r.Time.Unix(),
	}
	if r.HasGroundTruth && !r.Failed {
		e := r.Error
		msg.Error = &e
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling pose: %w", err)
	}
	token := p.client.Publish(p.topic, p.qos, p.retain, payload)
	if token.WaitTimeout(p.timeout) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", p.topic, token.Error())
	}
	return nil
}
