package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/persontrack/internal/monitoring"
)

// maxLineSize bounds one replay line; a frame with 15 full skeletons is
// well under this.
const maxLineSize = 1 << 20

// ReplayProvider plays back a JSON-lines recording, one frame per Update.
type ReplayProvider struct {
	*bodySet
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
	frames  int
	done    bool
}

// NewReplayProvider reads frames from r.
func NewReplayProvider(r io.Reader) *ReplayProvider {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	p := &ReplayProvider{bodySet: newBodySet(), scanner: sc}
	if c, ok := r.(io.Closer); ok {
		p.closer = c
	}
	return p
}

// OpenReplay opens a .jsonl recording.
func OpenReplay(path string) (*ReplayProvider, error) {
	clean := filepath.Clean(path)
	if ext := filepath.Ext(clean); ext != ".jsonl" && ext != ".json" {
		return nil, fmt.Errorf("replay file must have .jsonl extension, got %q", ext)
	}
	f, err := os.Open(clean)
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	monitoring.Logf("[sensor] replaying %s", clean)
	return NewReplayProvider(f), nil
}

// Update advances to the next frame. Blank lines and lines starting with '#'
// are skipped; a malformed line is reported and the previous frame cleared.
// io.EOF is returned once the recording is exhausted. A read failure (an
// oversized line, an I/O error) ends the recording: the returned error wraps
// both io.EOF and the cause, and every later call returns io.EOF.
func (p *ReplayProvider) Update(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.done {
		return io.EOF
	}
	for p.scanner.Scan() {
		p.line++
		text := strings.TrimSpace(p.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		f, err := DecodeFrame([]byte(text))
		if err != nil {
			p.clear()
			return fmt.Errorf("replay line %d: %w", p.line, err)
		}
		p.frames++
		p.set(f)
		return nil
	}
	p.done = true
	p.clear()
	if err := p.scanner.Err(); err != nil {
		return errors.Join(io.EOF, fmt.Errorf("replay line %d: %w", p.line+1, err))
	}
	return io.EOF
}

// Frames returns how many frames have been played.
func (p *ReplayProvider) Frames() int { return p.frames }

// Close releases the underlying file, if any.
func (p *ReplayProvider) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}
