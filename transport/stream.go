package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/eljojo/hubsync/runtime"
)

// Sentinel separates frames on a stream binding. encoding/json never emits a
// raw NUL byte, so it cannot appear inside an encoded record.
const Sentinel byte = 0x00

// MaxFrameSize bounds a single stream frame; larger frames are dropped.
const MaxFrameSize = 16 << 20

type streamFrames struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader
	log *runtime.ServiceLog
}

// NewStream wraps a byte-oriented duplex channel as a sentinel-framed Binding.
func NewStream(rwc io.ReadWriteCloser, addr string) *Conn {
	log := runtime.Log("stream")
	fc := &streamFrames{rwc: rwc, r: bufio.NewReaderSize(rwc, 64<<10), log: log}
	return newConn(fc, addr, Options{}, log)
}

func (s *streamFrames) readFrame() ([]byte, error) {
	for {
		frame, err := s.readUntilSentinel()
		if err != nil {
			return nil, err
		}
		if len(frame) == 0 {
			continue
		}
		return frame, nil
	}
}

func (s *streamFrames) readUntilSentinel() ([]byte, error) {
	var frame []byte
	oversized := false
	for {
		chunk, err := s.r.ReadSlice(Sentinel)
		switch {
		case err == nil:
			if oversized {
				runtime.ParseErrors.Inc()
				s.log.Warn("dropped frame larger than %d bytes", MaxFrameSize)
				return nil, nil
			}
			frame = append(frame, chunk[:len(chunk)-1]...)
			return frame, nil
		case errors.Is(err, bufio.ErrBufferFull):
			if len(frame)+len(chunk) > MaxFrameSize {
				oversized = true
				frame = nil
				continue
			}
			if !oversized {
				frame = append(frame, chunk...)
			}
		default:
			return nil, err
		}
	}
}

func (s *streamFrames) writeFrame(frame []byte) error {
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, Sentinel)
	_, err := s.rwc.Write(buf)
	return err
}

// Streams need no keepalive; the peer process closing the pipe is the signal.
func (s *streamFrames) ping() error {
	return nil
}

func (s *streamFrames) close() error {
	return s.rwc.Close()
}

// Pipe returns two connected in-process stream bindings.
func Pipe() (*Conn, *Conn) {
	a, b := net.Pipe()
	return NewStream(a, "pipe:a"), NewStream(b, "pipe:b")
}

// DialUnix connects to a hub listening on a unix socket.
func DialUnix(ctx context.Context, path string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return NewStream(conn, "unix:"+path), nil
}

// ListenUnix accepts same-host nodes on a unix socket until ctx is done.
// Every accepted connection is handed to accept as an unstarted Binding.
func ListenUnix(ctx context.Context, path string, accept func(Binding)) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log := runtime.Log("stream")
	log.Info("listening on unix:%s", path)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept %s: %w", path, err)
		}
		accept(NewStream(conn, "unix:"+path))
	}
}
