package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose.report/internal/control"
	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/pipeline"
)

type mockToken struct{ err error }

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *mockToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type mockClient struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	messages   []published
	handlers   map[string]mqtt.MessageHandler
}

func (c *mockClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return &mockToken{err: c.publishErr}
	}
	c.messages = append(c.messages, published{topic, qos, retained, payload.([]byte)})
	return &mockToken{}
}

func (c *mockClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]mqtt.MessageHandler)
	}
	c.handlers[topic] = cb
	return &mockToken{}
}

type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 0 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

func TestTopics(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "sim/localizer/pose", PoseTopic("sim"))
	assert.Equal(t, "sim/localizer/pose", PoseTopic("sim/"))
	assert.Equal(t, "sim/localizer/control", ControlTopic("sim"))
}

func TestPosePublisher_RecordCycle(t *testing.T) {
	t.Parallel()
	client := &mockClient{connected: true}
	p := NewPosePublisher(client, "pose.report")

	r := &pipeline.CycleResult{
		Sequence:       7,
		Time:           time.Unix(1700000000, 0),
		Pose:           l2frames.Pose{Position: l2frames.Point{X: 3, Y: 4}, Yaw: 0.5},
		HasGroundTruth: true,
		Error:          0.2,
		MaxError:       0.3,
		Converged:      true,
	}
	require.NoError(t, p.RecordCycle(context.Background(), r))
	require.Len(t, client.messages, 1)
	m := client.messages[0]
	assert.Equal(t, "pose.report/localizer/pose", m.topic)
	assert.True(t, m.retain)
	assert.Zero(t, m.qos)

	var got PoseMessage
	require.NoError(t, json.Unmarshal(m.payload, &got))
	assert.Equal(t, uint64(7), got.Sequence)
	assert.Equal(t, 3.0, got.X)
	require.NotNil(t, got.Error)
	assert.Equal(t, 0.2, *got.Error)
	assert.Equal(t, int64(1700000000), got.Timestamp)
}

func TestPosePublisher_OmitsErrorWithoutGroundTruth(t *testing.T) {
	t.Parallel()
	client := &mockClient{connected: true}
	p := NewPosePublisher(client, "x")
	require.NoError(t, p.RecordCycle(context.Background(), &pipeline.CycleResult{Failed: true, Error: 9}))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(client.messages[0].payload, &got))
	assert.NotContains(t, got, "error")
	assert.Equal(t, true, got["failed"])
}

func TestPosePublisher_Errors(t *testing.T) {
	t.Parallel()
	r := &pipeline.CycleResult{}

	assert.ErrorIs(t, NewPosePublisher(nil, "x").RecordCycle(context.Background(), r), ErrNotConnected)
	assert.ErrorIs(t, NewPosePublisher(&mockClient{}, "x").RecordCycle(context.Background(), r), ErrNotConnected)

	boom := errors.New("broker said no")
	err := NewPosePublisher(&mockClient{connected: true, publishErr: boom}, "x").RecordCycle(context.Background(), r)
	assert.ErrorIs(t, err, boom)
}

func TestSubscribeControl_FeedsInput(t *testing.T) {
	t.Parallel()
	client := &mockClient{connected: true}
	q := control.NewQueue()
	refreshed := 0
	in := &control.Input{Keys: control.DefaultKeyMap(), Queue: q, Refresh: func() { refreshed++ }}

	require.NoError(t, SubscribeControl(client, "sim", in.HandleKey))
	h := client.handlers["sim/localizer/control"]
	require.NotNil(t, h)

	h(nil, &mockMessage{topic: "sim/localizer/control", payload: []byte("up left bogus a")})
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, refreshed)

	cmd, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, control.Command{Throttle: 0.1}, cmd)
}
