package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/persontrack/internal/geom"
	"github.com/banshee-data/persontrack/internal/monitoring"
	"go.uber.org/atomic"
)

// Batch is the datagram the forwarder sends for each cycle.
type Batch struct {
	Stamp time.Time          `json:"stamp"`
	Poses []geom.StampedPose `json:"poses"`
}

// UDPForwarder sends each batch as one JSON datagram. Sends happen on a
// background goroutine; when its queue is full batches are dropped rather
// than stalling the tracking loop.
type UDPForwarder struct {
	conn        *net.UDPConn
	channel     chan []byte
	logInterval time.Duration
	address     string
	sent        *atomic.Uint64
	dropped     *atomic.Uint64
}

// NewUDPForwarder dials addr ("host:port").
func NewUDPForwarder(addr string, logInterval time.Duration) (*UDPForwarder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &UDPForwarder{
		conn:        conn,
		channel:     make(chan []byte, 64),
		logInterval: logInterval,
		address:     addr,
		sent:        atomic.NewUint64(0),
		dropped:     atomic.NewUint64(0),
	}, nil
}

// Start runs the send loop until ctx is cancelled.
func (f *UDPForwarder) Start(ctx context.Context) {
	go func() {
		failed := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-f.channel:
				if !ok {
					return
				}
				if _, err := f.conn.Write(msg); err != nil {
					failed++
					lastError = err
					continue
				}
				f.sent.Inc()
			case <-ticker.C:
				if failed > 0 && lastError != nil {
					monitoring.Logf("[publish] %d forwarded batches failed (latest: %v)", failed, lastError)
					failed = 0
					lastError = nil
				}
			}
		}
	}()
	monitoring.Logf("[publish] forwarding poses to %s", f.address)
}

// Publish encodes the batch and queues it without blocking.
func (f *UDPForwarder) Publish(ctx context.Context, poses []geom.StampedPose) error {
	b := Batch{Poses: poses}
	if len(poses) > 0 {
		b.Stamp = poses[0].Stamp
	}
	msg, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	select {
	case f.channel <- msg:
	default:
		f.dropped.Inc()
	}
	return nil
}

// Sent returns how many datagrams were written.
func (f *UDPForwarder) Sent() uint64 { return f.sent.Load() }

// Dropped returns how many batches were discarded because the queue was full.
func (f *UDPForwarder) Dropped() uint64 { return f.dropped.Load() }

// Close closes the connection and queue. Publish must not be called after.
func (f *UDPForwarder) Close() error {
	close(f.channel)
	return f.conn.Close()
}
