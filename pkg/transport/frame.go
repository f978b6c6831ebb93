// Package transport implements length-prefixed framing over stream
// connections with optional sleep-based bandwidth pacing.
//
// A frame is a 4-byte big-endian length followed by that many payload bytes.
// The length prefix is never throttled; the payload is moved in chunks of at
// most ChunkSize bytes and each chunk waits until wall-clock time has caught
// up with bytesSoFar/rate. Pacing is approximate and does not smooth bursts
// the way a token bucket would.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	ChunkSize = 4096

	DefaultIOTimeout    = 30 * time.Second
	DefaultMaxFrameSize = 256 * 1024 * 1024
)

var (
	// ErrFrameTooLarge is returned when a peer declares a frame above the
	// configured ceiling. Nothing past the prefix is read.
	ErrFrameTooLarge = errors.New("declared frame length exceeds limit")

	// ErrShortFrame is returned alongside the partial payload when the peer
	// closes before the declared length was delivered.
	ErrShortFrame = errors.New("connection closed before full frame was received")
)

// Framer sends and receives frames. The zero value uses the package
// defaults.
type Framer struct {
	// IOTimeout bounds every individual read or write, including the wait
	// for the next chunk. Zero means DefaultIOTimeout, negative disables.
	IOTimeout time.Duration

	// MaxFrameSize is the largest declared length Receive accepts.
	MaxFrameSize uint32

	// sleep and now are replaceable in tests.
	sleep func(time.Duration)
	now   func() time.Time
}

func (f *Framer) ioTimeout() time.Duration {
	if f.IOTimeout == 0 {
		return DefaultIOTimeout
	}
	return f.IOTimeout
}

func (f *Framer) maxFrameSize() uint32 {
	if f.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return f.MaxFrameSize
}

func (f *Framer) clock() (func() time.Time, func(time.Duration)) {
	now, sleep := f.now, f.sleep
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	return now, sleep
}

// pacer delays a transfer so that it does not run ahead of rate bytes/sec.
type pacer struct {
	rate  int64
	start time.Time
	now   func() time.Time
	sleep func(time.Duration)
}

func (p *pacer) wait(done int) {
	if p.rate <= 0 {
		return
	}
	target := time.Duration(float64(done) / float64(p.rate) * float64(time.Second))
	if ahead := target - p.now().Sub(p.start); ahead > 0 {
		p.sleep(ahead)
	}
}

func (f *Framer) extendDeadline(conn net.Conn, write bool) error {
	timeout := f.ioTimeout()
	if timeout < 0 {
		return nil
	}
	deadline := time.Now().Add(timeout)
	if write {
		return conn.SetWriteDeadline(deadline)
	}
	return conn.SetReadDeadline(deadline)
}

// Send writes payload as one frame, pacing the body at rate bytes/sec
// (0 = unlimited). It returns after the whole payload is written or the
// connection fails.
func (f *Framer) Send(conn net.Conn, payload []byte, rate int64) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if err := f.extendDeadline(conn, true); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := conn.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}

	now, sleep := f.clock()
	p := &pacer{rate: rate, start: now(), now: now, sleep: sleep}

	sent := 0
	for sent < len(payload) {
		end := sent + ChunkSize
		if end > len(payload) {
			end = len(payload)
		}

		p.wait(sent)

		if err := f.extendDeadline(conn, true); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
		n, err := conn.Write(payload[sent:end])
		sent += n
		if err != nil {
			return fmt.Errorf("failed to write frame body after %d/%d bytes: %w", sent, len(payload), err)
		}
	}
	return nil
}

// Receive reads one frame, pacing reads at rate bytes/sec (0 = unlimited).
//
// If the peer closes before sending a length prefix Receive returns
// (nil, io.EOF). If it closes mid-body the bytes received so far are
// returned together with ErrShortFrame; callers must treat that as a failed
// transfer.
func (f *Framer) Receive(conn net.Conn, rate int64) ([]byte, error) {
	var prefix [4]byte
	if err := f.extendDeadline(conn, false); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated length prefix", ErrShortFrame)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > f.maxFrameSize() {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, f.maxFrameSize())
	}

	now, sleep := f.clock()
	p := &pacer{rate: rate, start: now(), now: now, sleep: sleep}

	// Grow with the data actually received rather than trusting the prefix.
	initial := size
	if initial > 64*ChunkSize {
		initial = 64 * ChunkSize
	}
	data := make([]byte, 0, initial)
	buf := make([]byte, ChunkSize)
	for uint32(len(data)) < size {
		p.wait(len(data))

		want := int(size) - len(data)
		if want > ChunkSize {
			want = ChunkSize
		}
		if err := f.extendDeadline(conn, false); err != nil {
			return data, fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, err := conn.Read(buf[:want])
		data = append(data, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return data, fmt.Errorf("%w: got %d of %d bytes", ErrShortFrame, len(data), size)
			}
			return data, fmt.Errorf("failed to read frame body after %d/%d bytes: %w", len(data), size, err)
		}
	}
	return data, nil
}

var defaultFramer = &Framer{}

// Send writes one frame using the default Framer.
func Send(conn net.Conn, payload []byte, rate int64) error {
	return defaultFramer.Send(conn, payload, rate)
}

// Receive reads one frame using the default Framer.
func Receive(conn net.Conn, rate int64) ([]byte, error) {
	return defaultFramer.Receive(conn, rate)
}
