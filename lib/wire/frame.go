// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ejbd-project/ejbd/lib/codec"
)

// Magic opens every connection.
const Magic = "EJBD"

// Protocol version spoken by this build.
const (
	ProtocolMajor = 1
	ProtocolMinor = 0
)

const (
	preambleSize    = len(Magic) + 2
	frameHeaderSize = 9

	// DefaultMaxFrameSize applies when Options.MaxFrameSize is zero.
	DefaultMaxFrameSize = 16 << 20
)

var (
	// ErrBadMagic means the peer is not speaking this protocol.
	ErrBadMagic = errors.New("wire: bad preamble magic")

	// ErrFrameTooLarge means a frame exceeded the maximum size.
	ErrFrameTooLarge = errors.New("wire: frame too large")

	// ErrMalformedFrame means a frame could not be decoded. The
	// connection cannot be resynchronised and must be closed.
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// Version is a protocol version.
type Version struct {
	Major uint8
	Minor uint8
}

// Current is the version spoken by this build.
var Current = Version{Major: ProtocolMajor, Minor: ProtocolMinor}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Compatible reports whether a peer at other can talk to v.
func (v Version) Compatible(other Version) bool { return v.Major == other.Major }

// VersionMismatchError is returned by the client when the server's
// major version differs.
type VersionMismatchError struct {
	Local, Remote Version
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("wire: protocol version mismatch: local %s, remote %s", e.Local, e.Remote)
}

// WritePreamble writes the magic and v.
func WritePreamble(w io.Writer, v Version) error {
	var buffer [preambleSize]byte
	copy(buffer[:], Magic)
	buffer[4], buffer[5] = v.Major, v.Minor
	_, err := w.Write(buffer[:])
	return err
}

// ReadPreamble reads and checks a peer preamble.
func ReadPreamble(r io.Reader) (Version, error) {
	var buffer [preambleSize]byte
	if _, err := io.ReadFull(r, buffer[:]); err != nil {
		return Version{}, err
	}
	if string(buffer[:4]) != Magic {
		return Version{}, ErrBadMagic
	}
	return Version{Major: buffer[4], Minor: buffer[5]}, nil
}

// Options configures a Conn.
type Options struct {
	// MaxFrameSize bounds both the on-wire and the decompressed
	// payload size. Zero means DefaultMaxFrameSize.
	MaxFrameSize int

	// Compression is applied to outgoing payloads of at least
	// CompressionThreshold bytes.
	Compression          Compression
	CompressionThreshold int
}

// Conn reads and writes frames on a byte stream. A Conn is not safe for
// concurrent use; the protocol is strictly request/response.
type Conn struct {
	reader  *bufio.Reader
	writer  io.Writer
	options Options
	header  [frameHeaderSize]byte
}

// NewConn wraps rw. Bytes already buffered by a previous reader must
// not exist; create the Conn right after the preamble exchange, or use
// NewConnReader.
func NewConn(rw io.ReadWriter, options Options) *Conn {
	return NewConnReader(bufio.NewReader(rw), rw, options)
}

// NewConnReader builds a Conn over an existing buffered reader, so that
// preamble bytes read through it are not lost.
func NewConnReader(reader *bufio.Reader, writer io.Writer, options Options) *Conn {
	if options.MaxFrameSize <= 0 {
		options.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Conn{reader: reader, writer: writer, options: options}
}

// ReadFrame returns the next decompressed payload. io.EOF is returned
// unwrapped when the peer closes cleanly between frames.
func (c *Conn) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(c.reader, c.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrMalformedFrame)
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(c.header[0:4])
	algorithm := Compression(c.header[4])
	size := binary.BigEndian.Uint32(c.header[5:9])

	limit := uint32(c.options.MaxFrameSize)
	if length > limit || size > limit {
		return nil, fmt.Errorf("%w: %d bytes on wire, %d decoded, limit %d", ErrFrameTooLarge, length, size, limit)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated payload: %v", ErrMalformedFrame, err)
	}
	decoded, err := decompress(payload, algorithm, int(size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return decoded, nil
}

// WriteFrame writes payload as one frame, compressing it when it meets
// the threshold and compression actually shrinks it.
func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) > c.options.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(payload), c.options.MaxFrameSize)
	}

	algorithm := CompressionNone
	body := payload
	if c.options.Compression != CompressionNone && len(payload) >= c.options.CompressionThreshold {
		compressed, err := compress(payload, c.options.Compression)
		switch {
		case err == nil:
			algorithm, body = c.options.Compression, compressed
		case !errors.Is(err, errIncompressible):
			return err
		}
	}

	frame := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)))
	frame[4] = byte(algorithm)
	binary.BigEndian.PutUint32(frame[5:9], uint32(len(payload)))
	copy(frame[frameHeaderSize:], body)
	_, err := c.writer.Write(frame)
	return err
}

// Receive reads one frame and decodes it into v.
func (c *Conn) Receive(v any) error {
	payload, err := c.ReadFrame()
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// Send encodes v and writes it as one frame.
func (c *Conn) Send(v any) error {
	payload, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encoding %T: %w", v, err)
	}
	return c.WriteFrame(payload)
}
