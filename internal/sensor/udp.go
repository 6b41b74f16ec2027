package sensor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/persontrack/internal/monitoring"
	"github.com/banshee-data/persontrack/internal/timeutil"
	"go.uber.org/atomic"
)

// UDPConfig configures the UDP frame listener.
type UDPConfig struct {
	Address    string
	RcvBuf     int
	StaleAfter time.Duration // clear the frame after this long without data
	Listen     ListenFunc
	Clock      timeutil.Clock
}

// UDPProvider receives JSON frames over UDP. A background reader keeps the
// newest frame; Update swaps it in.
type UDPProvider struct {
	*bodySet
	cfg  UDPConfig
	sock UDPSocket

	mu      sync.Mutex
	latest  Frame
	fresh   bool
	lastRx  time.Time
	lastSeq uint64
	readErr error

	received *atomic.Uint64
	dropped  *atomic.Uint64
	done     chan struct{}
}

// OpenUDP binds the listener and starts reading until ctx is cancelled or
// Close is called.
func OpenUDP(ctx context.Context, cfg UDPConfig) (*UDPProvider, error) {
	if cfg.Listen == nil {
		cfg.Listen = ListenUDP
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 500 * time.Millisecond
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	sock, err := cfg.Listen("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(cfg.RcvBuf); err != nil {
			monitoring.Logf("[sensor] Warning: failed to set UDP receive buffer size to %d: %v", cfg.RcvBuf, err)
		}
	}
	p := &UDPProvider{
		bodySet:  newBodySet(),
		cfg:      cfg,
		sock:     sock,
		received: atomic.NewUint64(0),
		dropped:  atomic.NewUint64(0),
		done:     make(chan struct{}),
	}
	go p.read(ctx)
	monitoring.Logf("[sensor] UDP listener started on %s", sock.LocalAddr())
	return p, nil
}

func (p *UDPProvider) read(ctx context.Context) {
	defer close(p.done)
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			p.sock.Close()
			return
		}
		p.sock.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := p.sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.mu.Lock()
			p.readErr = err
			p.mu.Unlock()
			monitoring.Logf("[sensor] UDP read failed: %v", err)
			return
		}
		f, err := DecodeFrame(buf[:n])
		if err != nil {
			if d := p.dropped.Inc(); d == 1 || d%100 == 0 {
				monitoring.Logf("[sensor] dropped %d undecodable datagrams (latest: %v)", d, err)
			}
			continue
		}
		p.received.Inc()
		p.mu.Lock()
		if f.Seq != 0 && f.Seq <= p.lastSeq {
			p.mu.Unlock()
			p.dropped.Inc()
			continue
		}
		p.lastSeq = f.Seq
		p.latest = f
		p.fresh = true
		p.lastRx = p.cfg.Clock.Now()
		p.mu.Unlock()
	}
}

// Update takes the newest received frame. Without new data the previous
// frame is held until StaleAfter, then cleared.
func (p *UDPProvider) Update(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return fmt.Errorf("udp source: %w", p.readErr)
	}
	if p.fresh {
		p.set(p.latest)
		p.fresh = false
		return nil
	}
	if !p.lastRx.IsZero() && p.cfg.Clock.Since(p.lastRx) > p.cfg.StaleAfter {
		p.clear()
	}
	return nil
}

// Received returns the number of decoded frames.
func (p *UDPProvider) Received() uint64 { return p.received.Load() }

// Dropped returns the number of undecodable or out-of-order datagrams.
func (p *UDPProvider) Dropped() uint64 { return p.dropped.Load() }

// Close stops the reader.
func (p *UDPProvider) Close() error {
	err := p.sock.Close()
	<-p.done
	return err
}
