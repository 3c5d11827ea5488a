package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mysqlbak/transfer/internal/errs"
)

const (
	// MaxControlFrame bounds Request/Ack/ChunkAck/Final frames.
	MaxControlFrame = 1 << 20 // 1 MiB
	// MaxChunkFrame bounds Chunk frames.
	MaxChunkFrame = 100 << 20 // 100 MiB

	lengthPrefixSize = 4
)

// ReadExactly reads exactly len(buf) bytes from r, treating a
// premature EOF as a hard (non-nil) error rather than a partial read.
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return errs.New(errs.KindProtocol, "wire.readExactly", fmt.Errorf("premature EOF: %w", err))
	}
	if err != nil {
		return errs.New(errs.KindTransport, "wire.readExactly", err)
	}
	return nil
}

// WriteFrame writes v as a u32-le length-prefixed JSON body.
func WriteFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errs.New(errs.KindInternal, "wire.writeFrame", err)
	}
	var lenBuf [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errs.New(errs.KindTransport, "wire.writeFrame", err)
	}
	if _, err := w.Write(body); err != nil {
		return errs.New(errs.KindTransport, "wire.writeFrame", err)
	}
	return nil
}

// ReadFrame reads one u32-le length-prefixed JSON body, enforcing
// maxSize, and unmarshals it into v.
func ReadFrame(r io.Reader, maxSize uint32, v interface{}) error {
	raw, err := ReadRawFrame(r, maxSize)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.New(errs.KindProtocol, "wire.readFrame", err)
	}
	return nil
}

// ReadRawFrame reads the length prefix and body, enforcing maxSize,
// and returns the raw JSON bytes without unmarshaling.
func ReadRawFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if err := ReadExactly(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size > maxSize {
		return nil, errs.New(errs.KindProtocol, "wire.readFrame", fmt.Errorf("frame size %d exceeds max %d", size, maxSize))
	}
	buf := make([]byte, size)
	if err := ReadExactly(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
