package sensor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/persontrack/internal/geom"
	"github.com/banshee-data/persontrack/internal/monitoring"
	"github.com/banshee-data/persontrack/internal/skeleton"
	"github.com/banshee-data/persontrack/internal/timeutil"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	monitoring.SetLogger(func(string, ...interface{}) {})
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func frameJSON(t *testing.T, seq uint64, bodies ...skeleton.RawBody) []byte {
	t.Helper()
	b, err := EncodeFrame(Frame{Seq: seq, Stamp: t0, Bodies: bodies})
	require.NoError(t, err)
	return b
}

func body(id skeleton.PersonID) skeleton.RawBody {
	return skeleton.BodyAt(id, geom.Vec3{X: float64(id), Y: 1, Z: 1})
}

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

func TestDecodeFrame(t *testing.T) {
	t.Parallel()

	f, err := DecodeFrame(frameJSON(t, 4, body(3)))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), f.Seq)
	require.Len(t, f.Bodies, 1)
	assert.Equal(t, skeleton.PersonID(3), f.Bodies[0].ID)
	torso, ok := f.Bodies[0].Joint(skeleton.JointTorso)
	require.True(t, ok)
	assert.Equal(t, 1.0, torso.Confidence)

	_, err = DecodeFrame(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = DecodeFrame([]byte("{not json"))
	assert.Error(t, err)

	_, err = DecodeFrame([]byte(`{"bodies":[{"id":0}]}`))
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Replay
// ---------------------------------------------------------------------------

func TestReplayProvider(t *testing.T) {
	t.Parallel()

	var src bytes.Buffer
	src.WriteString("# recorded 2026-03-01\n")
	src.Write(frameJSON(t, 1, body(5), body(2)))
	src.WriteString("\n\n")
	src.Write(frameJSON(t, 2, body(5)))
	src.WriteString("\n")

	p := NewReplayProvider(&src)
	ctx := context.Background()

	require.NoError(t, p.Update(ctx))
	assert.Equal(t, []skeleton.PersonID{2, 5}, p.Visible())

	b, ok := p.Body(5)
	require.True(t, ok)
	assert.False(t, b.Tracking, "untracked until StartTracking")
	p.StartTracking(5)
	b, _ = p.Body(5)
	assert.True(t, b.Tracking)
	assert.True(t, p.Tracked(5))

	require.NoError(t, p.Update(ctx))
	assert.Equal(t, []skeleton.PersonID{5}, p.Visible())
	_, ok = p.Body(2)
	assert.False(t, ok)

	p.StopTracking(5)
	b, _ = p.Body(5)
	assert.False(t, b.Tracking)

	assert.ErrorIs(t, p.Update(ctx), io.EOF)
	assert.Empty(t, p.Visible())
	assert.Equal(t, 2, p.Frames())
	assert.NoError(t, p.Close())
}

func TestReplayProvider_MalformedLine(t *testing.T) {
	t.Parallel()

	src := strings.NewReader("{broken\n" + string(frameJSON(t, 1, body(3))) + "\n")
	p := NewReplayProvider(src)

	err := p.Update(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
	assert.False(t, errors.Is(err, io.EOF))

	require.NoError(t, p.Update(context.Background()))
	assert.Equal(t, []skeleton.PersonID{3}, p.Visible())
}

func TestReplayProvider_OversizedLineEndsReplay(t *testing.T) {
	t.Parallel()

	huge := `{"seq":1,"pad":"` + strings.Repeat("x", 2*maxLineSize) + `"}`
	src := strings.NewReader(string(frameJSON(t, 1, body(3))) + "\n" + huge + "\n" + string(frameJSON(t, 2, body(4))) + "\n")
	p := NewReplayProvider(src)
	ctx := context.Background()

	require.NoError(t, p.Update(ctx))
	assert.Equal(t, []skeleton.PersonID{3}, p.Visible())

	err := p.Update(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, err, bufio.ErrTooLong)
	assert.Contains(t, err.Error(), "line 2")
	assert.Empty(t, p.Visible())

	for i := 0; i < 3; i++ {
		assert.Equal(t, io.EOF, p.Update(ctx))
	}
	assert.Equal(t, 1, p.Frames())
}

func TestOpenReplay_RejectsExtension(t *testing.T) {
	t.Parallel()

	_, err := OpenReplay("frames.csv")
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// UDP
// ---------------------------------------------------------------------------

func openMockUDP(t *testing.T, clock timeutil.Clock, packets ...[]byte) (*UDPProvider, *MockUDPSocket) {
	t.Helper()
	sock := NewMockUDPSocket(packets...)
	p, err := OpenUDP(context.Background(), UDPConfig{
		Address:    "127.0.0.1:0",
		StaleAfter: time.Second,
		Clock:      clock,
		Listen: func(string, *net.UDPAddr) (UDPSocket, error) {
			return sock, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, sock
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUDPProvider_LatestFrameWins(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(t0)
	p, _ := openMockUDP(t, clock,
		frameJSON(t, 1, body(1)),
		[]byte("garbage"),
		frameJSON(t, 3, body(3)),
		frameJSON(t, 2, body(2)), // out of order
	)
	waitFor(t, func() bool { return p.Received() == 3 })
	waitFor(t, func() bool { return p.Dropped() == 2 })

	require.NoError(t, p.Update(context.Background()))
	assert.Equal(t, []skeleton.PersonID{3}, p.Visible())
}

func TestUDPProvider_HoldsThenClearsStaleFrame(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(t0)
	p, _ := openMockUDP(t, clock, frameJSON(t, 1, body(4)))
	waitFor(t, func() bool { return p.Received() == 1 })

	ctx := context.Background()
	require.NoError(t, p.Update(ctx))
	assert.Equal(t, []skeleton.PersonID{4}, p.Visible())

	clock.Advance(500 * time.Millisecond)
	require.NoError(t, p.Update(ctx))
	assert.Equal(t, []skeleton.PersonID{4}, p.Visible(), "held within StaleAfter")

	clock.Advance(time.Second)
	require.NoError(t, p.Update(ctx))
	assert.Empty(t, p.Visible())
}

func TestUDPProvider_ReadErrorSurfaces(t *testing.T) {
	t.Parallel()

	sock := NewMockUDPSocket()
	sock.ReadError = errors.New("interface down")
	p, err := OpenUDP(context.Background(), UDPConfig{
		Address: "127.0.0.1:0",
		Listen:  func(string, *net.UDPAddr) (UDPSocket, error) { return sock, nil },
	})
	require.NoError(t, err)
	<-p.done

	err = p.Update(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interface down")
}

func TestOpenUDP_ListenError(t *testing.T) {
	t.Parallel()

	_, err := OpenUDP(context.Background(), UDPConfig{
		Address: "127.0.0.1:0",
		Listen: func(string, *net.UDPAddr) (UDPSocket, error) {
			return nil, errors.New("address in use")
		},
	})
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// PCAP
// ---------------------------------------------------------------------------

func writeCapture(t *testing.T, packets map[uint16][][]byte, order []uint16) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	idx := make(map[uint16]int)
	for i, port := range order {
		payload := packets[port][idx[port]]
		idx[port]++

		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 0, 0, 1),
			DstIP:    net.IPv4(10, 0, 0, 2),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		sb := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(sb, opts, eth, ip, udp, gopacket.Payload(payload)))
		data := sb.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     t0.Add(time.Duration(i) * 33 * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return &buf
}

func TestPCAPProvider(t *testing.T) {
	t.Parallel()

	capture := writeCapture(t, map[uint16][][]byte{
		9400: {frameJSON(t, 1, body(7)), []byte("noise"), frameJSON(t, 2, body(7), body(9))},
		5353: {frameJSON(t, 1, body(1))},
	}, []uint16{9400, 5353, 9400, 9400})

	p, err := NewPCAPProvider(capture, 9400)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.Update(ctx))
	assert.Equal(t, []skeleton.PersonID{7}, p.Visible())

	// Skips the other port and the undecodable payload.
	require.NoError(t, p.Update(ctx))
	assert.Equal(t, []skeleton.PersonID{7, 9}, p.Visible())

	assert.ErrorIs(t, p.Update(ctx), io.EOF)
	assert.Equal(t, 2, p.Frames())
	assert.NoError(t, p.Close())
}

func TestPCAPProvider_AnyPort(t *testing.T) {
	t.Parallel()

	capture := writeCapture(t, map[uint16][][]byte{
		5353: {frameJSON(t, 1, body(1))},
	}, []uint16{5353})

	p, err := NewPCAPProvider(capture, 0)
	require.NoError(t, err)
	require.NoError(t, p.Update(context.Background()))
	assert.Equal(t, []skeleton.PersonID{1}, p.Visible())
}

func TestNewPCAPProvider_BadHeader(t *testing.T) {
	t.Parallel()

	_, err := NewPCAPProvider(strings.NewReader("not a capture"), 0)
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Transform
// ---------------------------------------------------------------------------

func TestStaticTransform(t *testing.T) {
	t.Parallel()

	pose := geom.NewPose(geom.Vec3{X: 1}, geom.Identity().Orientation)
	tf := NewStaticTransform("map", "camera", pose)

	got, err := tf.Lookup("map", "camera")
	require.NoError(t, err)
	assert.Equal(t, pose, got)

	_, err = tf.Lookup("odom", "camera")
	assert.ErrorIs(t, err, ErrTransformUnavailable)

	tf.Invalidate()
	_, err = tf.Lookup("map", "camera")
	assert.ErrorIs(t, err, ErrTransformUnavailable)

	tf.Set(geom.Identity())
	got, err = tf.Lookup("map", "camera")
	require.NoError(t, err)
	assert.Equal(t, geom.Identity(), got)

	un := NewUnavailableTransform("map", "camera")
	_, err = un.Lookup("map", "camera")
	assert.ErrorIs(t, err, ErrTransformUnavailable)
}

func TestParsePose(t *testing.T) {
	t.Parallel()

	p, err := ParsePose("")
	require.NoError(t, err)
	assert.Equal(t, geom.Identity(), p)

	p, err = ParsePose("1, 2, 0.5, 1.5707963267948966")
	require.NoError(t, err)
	assert.Equal(t, geom.Vec3{X: 1, Y: 2, Z: 0.5}, p.Position)
	assert.InDelta(t, math.Pi/2, geom.Yaw(p.Orientation), 1e-9)

	_, err = ParsePose("1,2,3,0,0,0")
	assert.NoError(t, err)

	for _, bad := range []string{"1,2,3", "1,2,3,x", "1,2,3,4,5", "NaN,0,0,0"} {
		_, err := ParsePose(bad)
		assert.Error(t, err, bad)
	}
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

func TestOpenWithRetry(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(t0)
	attempts := 0
	type result struct {
		v   string
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := OpenWithRetry(context.Background(), clock, DefaultRetryInterval, "test", func() (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("device busy")
			}
			return "sensor", nil
		})
		done <- result{v, err}
	}()

	for i := 0; i < 2; i++ {
		waitFor(t, func() bool { return clock.Waiters() == 1 })
		clock.Advance(DefaultRetryInterval)
	}
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "sensor", r.v)
	assert.Equal(t, 3, attempts)
}

func TestOpenWithRetry_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := OpenWithRetry(ctx, timeutil.NewMockClock(t0), time.Second, "test", func() (int, error) {
		return 0, errors.New("no device")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
