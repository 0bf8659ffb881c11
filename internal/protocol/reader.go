package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
)

// Reader decodes a stream of packets.
type Reader struct {
	r   *bufio.Reader
	buf [MaxPacketSize]byte
}

// NewReader returns a Reader decoding from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadPacket decodes the next packet. It returns io.EOF when the stream ends
// cleanly between packets and io.ErrUnexpectedEOF when it ends inside one.
// ErrUnknownKind means the stream is corrupt and must be abandoned.
func (r *Reader) ReadPacket() (Packet, error) {
	head := r.buf[:headerSize]
	if _, err := io.ReadFull(r.r, head[:kindSize]); err != nil {
		return Packet{}, err
	}
	kind := Kind(head[0])
	if !kind.Valid() {
		return Packet{}, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, head[0])
	}
	if err := r.fill(head[kindSize:]); err != nil {
		return Packet{}, err
	}

	p := Packet{
		Kind: kind,
		Time: math.Float64frombits(byteOrder.Uint64(head[kindSize:])),
	}

	switch kind {
	case KindHandshake:
		b := r.buf[headerSize : headerSize+magicSize]
		if err := r.fill(b); err != nil {
			return Packet{}, err
		}
		p.Magic = MagicFromHalves(byteOrder.Uint32(b), byteOrder.Uint32(b[4:]))
	case KindScopeEnter, KindScopeExit:
		lenByte := r.buf[headerSize : headerSize+nameLenSize]
		if err := r.fill(lenByte); err != nil {
			return Packet{}, err
		}
		start := headerSize + nameLenSize
		name := r.buf[start : start+int(lenByte[0])]
		if err := r.fill(name); err != nil {
			return Packet{}, err
		}
		p.Name = string(name)
		if kind == KindScopeExit {
			b := r.buf[start+len(name) : start+len(name)+elapsedSize]
			if err := r.fill(b); err != nil {
				return Packet{}, err
			}
			p.Elapsed = math.Float64frombits(byteOrder.Uint64(b))
		}
	}

	return p, nil
}

// fill reads exactly len(b) bytes of a packet already in progress.
func (r *Reader) fill(b []byte) error {
	if _, err := io.ReadFull(r.r, b); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}
