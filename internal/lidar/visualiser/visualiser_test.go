package visualiser

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/pipeline"
)

func testResult(seq uint64) *pipeline.CycleResult {
	pose := l2frames.Pose{Position: l2frames.Point{X: 1, Y: 2}, Yaw: 0.3}
	return &pipeline.CycleResult{
		Sequence:       seq,
		Time:           time.Unix(10, 0),
		Pose:           pose,
		GroundTruth:    l2frames.Pose{Position: l2frames.Point{X: 1.1, Y: 2}},
		HasGroundTruth: true,
		Error:          0.1,
		MaxError:       0.2,
		Converged:      true,
		AlignedScan:    []l2frames.Point{{X: 5, Y: 6, Z: 7}, {X: 8, Y: 9, Z: 10}},
		Vehicle:        pipeline.VehicleBox(pose),
	}
}

func TestCycleFrame(t *testing.T) {
	t.Parallel()
	f := CycleFrame(3, 1, testResult(9))
	fields := f.GetFields()
	assert.Equal(t, "cycle", fields["type"].GetStringValue())
	assert.Equal(t, 9.0, fields["sequence"].GetNumberValue())
	assert.Equal(t, 0.1, fields["error"].GetNumberValue())
	assert.Equal(t, 4.0, fields["vehicle"].GetStructValue().GetFields()["length"].GetNumberValue())
	assert.Equal(t, 0.3, fields["pose"].GetStructValue().GetFields()["yaw"].GetNumberValue())
	assert.Equal(t, []l2frames.Point{{X: 5, Y: 6, Z: 7}, {X: 8, Y: 9, Z: 10}}, DecodePoints(f))

	noGT := testResult(1)
	noGT.HasGroundTruth = false
	assert.NotContains(t, CycleFrame(1, 1, noGT).GetFields(), "error")

	stripped := withoutPoints(f)
	assert.NotContains(t, stripped.GetFields(), "points")
	assert.Contains(t, f.GetFields(), "points")
}

func TestMapFrame(t *testing.T) {
	t.Parallel()
	pts := []l2frames.Point{{X: 1}, {Y: 2}, {Z: 3}}
	f := MapFrame(1, 2, pts)
	assert.Equal(t, "map", f.GetFields()["type"].GetStringValue())
	assert.Equal(t, 3.0, f.GetFields()["count"].GetNumberValue())
	assert.Equal(t, pts, DecodePoints(f))
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	p := NewPublisher(Config{QueueSize: 1})
	// Not serving: frames are discarded silently.
	require.NoError(t, p.PublishFrame(context.Background(), testResult(1)))
	assert.Zero(t, p.Stats().DroppedFrames)

	p.running.Store(true)
	require.NoError(t, p.PublishFrame(context.Background(), testResult(1)))
	require.NoError(t, p.PublishFrame(context.Background(), testResult(2)))
	assert.Equal(t, uint64(1), p.Stats().DroppedFrames)
	assert.Equal(t, uint64(3), p.Stats().FrameCount)
}

func startBufconn(t *testing.T, cfg Config) (*Publisher, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	p := NewPublisher(cfg)
	require.NoError(t, p.Serve(lis))
	assert.ErrorIs(t, p.Serve(lis), ErrRunning)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		p.Stop()
	})
	return p, conn
}

func TestStreamFrames_MapThenCycles(t *testing.T) {
	t.Parallel()
	p, conn := startBufconn(t, DefaultConfig())
	require.NoError(t, p.SetMap([]l2frames.Point{{X: 1}, {X: 2}}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := StreamFrames(ctx, conn, nil)
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "map", first.GetFields()["type"].GetStringValue())
	assert.Len(t, DecodePoints(first), 2)

	// The client is registered before the map frame is sent.
	require.NoError(t, p.PublishFrame(ctx, testResult(7)))
	for {
		f, err := stream.Recv()
		require.NoError(t, err)
		if f.GetFields()["type"].GetStringValue() == "cycle" {
			assert.Equal(t, 7.0, f.GetFields()["sequence"].GetNumberValue())
			assert.Len(t, DecodePoints(f), 2)
			break
		}
	}
	assert.Equal(t, int32(1), p.Stats().ClientCount)
}

func TestStreamFrames_WithoutPoints(t *testing.T) {
	t.Parallel()
	p, conn := startBufconn(t, DefaultConfig())
	require.NoError(t, p.SetMap([]l2frames.Point{{X: 1}}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := StreamFrames(ctx, conn, map[string]interface{}{"include_points": false})
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.NotContains(t, first.GetFields(), "points")
	assert.Equal(t, 1.0, first.GetFields()["count"].GetNumberValue())
}

func TestStreamFrames_MaxClients(t *testing.T) {
	t.Parallel()
	p, conn := startBufconn(t, Config{QueueSize: 4, MaxClients: 1})
	require.NoError(t, p.SetMap(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s1, err := StreamFrames(ctx, conn, nil)
	require.NoError(t, err)
	_, err = s1.Recv()
	require.NoError(t, err)

	s2, err := StreamFrames(ctx, conn, nil)
	require.NoError(t, err)
	_, err = s2.Recv()
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestPublisher_StopEndsStreams(t *testing.T) {
	t.Parallel()
	p, conn := startBufconn(t, DefaultConfig())
	require.NoError(t, p.SetMap(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := StreamFrames(ctx, conn, nil)
	require.NoError(t, err)
	_, err = stream.Recv()
	require.NoError(t, err)

	p.Stop()
	_, err = stream.Recv()
	assert.Error(t, err)
	assert.False(t, p.Stats().Running)
}
