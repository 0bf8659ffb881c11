// Package protocol defines the scopewire wire format.
//
// Every packet starts with a one-byte kind and a float64 timestamp (seconds
// since the profiler started). Kind-specific fields follow in declaration
// order with no padding. Multi-byte fields are little-endian.
//
//	Generic     [kind:1][time:8]
//	Handshake   [kind:1][time:8][magicLo:4][magicHi:4]
//	ScopeEnter  [kind:1][time:8][nameLen:1][name:nameLen]
//	ScopeExit   [kind:1][time:8][nameLen:1][name:nameLen][elapsed:8]
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/coral-mesh/scopewire/internal/safe"
)

// Kind discriminates packet layouts.
type Kind uint8

const (
	KindGeneric    Kind = 0x00
	KindHandshake  Kind = 0x01
	KindScopeEnter Kind = 0x10
	KindScopeExit  Kind = 0x11
)

// MaxScopeNameLen is the largest scope name that fits the one-byte length prefix.
const MaxScopeNameLen = 255

const (
	kindSize    = 1
	timeSize    = 8
	headerSize  = kindSize + timeSize
	magicSize   = 8
	nameLenSize = 1
	elapsedSize = 8

	// MaxPacketSize is the largest encoded packet (a ScopeExit with a full name).
	MaxPacketSize = headerSize + nameLenSize + MaxScopeNameLen + elapsedSize
)

var (
	// ErrShortBuffer is returned when a destination or source buffer is
	// smaller than the packet it should hold.
	ErrShortBuffer = errors.New("protocol: short buffer")

	// ErrUnknownKind is returned when a decoder meets a kind byte outside the
	// known set. The stream cannot be resynchronized after it.
	ErrUnknownKind = errors.New("protocol: unknown packet kind")
)

var byteOrder = binary.LittleEndian

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindHandshake:
		return "handshake"
	case KindScopeEnter:
		return "scope-enter"
	case KindScopeExit:
		return "scope-exit"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindGeneric, KindHandshake, KindScopeEnter, KindScopeExit:
		return true
	}
	return false
}

// Magic is the 8-byte protocol identifier carried by the handshake.
type Magic uint64

// DefaultMagic is the ASCII string "Schwifty".
var DefaultMagic = MagicFromString("Schwifty")

// MagicFromString packs the first 8 bytes of s (zero padded) into a Magic so
// that its wire representation reads back as s.
func MagicFromString(s string) Magic {
	var b [magicSize]byte
	copy(b[:], s)
	return Magic(byteOrder.Uint64(b[:]))
}

// MagicFromHalves rebuilds a Magic from its low and high 32-bit halves.
func MagicFromHalves(lo, hi uint32) Magic {
	return Magic(uint64(hi)<<32 | uint64(lo))
}

// Lo returns the low 32-bit half, written first on the wire.
func (m Magic) Lo() uint32 { return uint32(m) }

// Hi returns the high 32-bit half.
func (m Magic) Hi() uint32 { return uint32(m >> 32) }

// String returns the magic as its 8 wire bytes.
func (m Magic) String() string {
	var b [magicSize]byte
	byteOrder.PutUint64(b[:], uint64(m))
	return string(b[:])
}

// Packet is a single protocol message. Kind selects which of the remaining
// fields are part of the encoding; fields that do not belong to the kind are
// ignored by Size and MarshalTo and left zero by the decoders.
type Packet struct {
	Kind Kind

	// Time is seconds since the profiler started.
	Time float64

	// Magic is set on handshakes.
	Magic Magic

	// Name is the scope name on ScopeEnter and ScopeExit packets. It is
	// always at most MaxScopeNameLen bytes when built by the constructors.
	Name string

	// Elapsed is the scope duration in seconds on ScopeExit packets.
	Elapsed float64
}

// TruncateName cuts name to at most MaxScopeNameLen bytes. The second result
// reports whether anything was cut.
func TruncateName(name string) (string, bool) {
	if len(name) <= MaxScopeNameLen {
		return name, false
	}
	return name[:MaxScopeNameLen], true
}

// NewGeneric returns a header-only packet.
func NewGeneric(time float64) *Packet {
	return &Packet{Kind: KindGeneric, Time: time}
}

// NewHandshake returns the packet sent first on every new connection.
func NewHandshake(time float64, magic Magic) *Packet {
	return &Packet{Kind: KindHandshake, Time: time, Magic: magic}
}

// NewScopeEnter returns a scope start packet. Names longer than
// MaxScopeNameLen are truncated.
func NewScopeEnter(time float64, name string) *Packet {
	name, _ = TruncateName(name)
	return &Packet{Kind: KindScopeEnter, Time: time, Name: name}
}

// NewScopeExit returns a scope end packet. Names longer than MaxScopeNameLen
// are truncated.
func NewScopeExit(time float64, name string, elapsed float64) *Packet {
	name, _ = TruncateName(name)
	return &Packet{Kind: KindScopeExit, Time: time, Name: name, Elapsed: elapsed}
}

// nameLen is the length written on the wire; it matches the bytes copied.
func (p *Packet) nameLen() int {
	n, _ := safe.IntToUint8(len(p.Name))
	return int(n)
}

// Size returns the exact number of bytes MarshalTo writes.
func (p *Packet) Size() int {
	switch p.Kind {
	case KindHandshake:
		return headerSize + magicSize
	case KindScopeEnter:
		return headerSize + nameLenSize + p.nameLen()
	case KindScopeExit:
		return headerSize + nameLenSize + p.nameLen() + elapsedSize
	default:
		return headerSize
	}
}

// MarshalTo encodes p into buf and returns the number of bytes written. buf
// must be at least Size() bytes.
func (p *Packet) MarshalTo(buf []byte) (int, error) {
	size := p.Size()
	if len(buf) < size {
		return 0, fmt.Errorf("%w: need %d bytes for %s, have %d", ErrShortBuffer, size, p.Kind, len(buf))
	}

	buf[0] = byte(p.Kind)
	byteOrder.PutUint64(buf[kindSize:], math.Float64bits(p.Time))
	off := headerSize

	switch p.Kind {
	case KindHandshake:
		byteOrder.PutUint32(buf[off:], p.Magic.Lo())
		byteOrder.PutUint32(buf[off+4:], p.Magic.Hi())
		off += magicSize
	case KindScopeEnter, KindScopeExit:
		n := p.nameLen()
		buf[off] = byte(n)
		off += nameLenSize
		off += copy(buf[off:off+n], p.Name[:n])
		if p.Kind == KindScopeExit {
			byteOrder.PutUint64(buf[off:], math.Float64bits(p.Elapsed))
			off += elapsedSize
		}
	}

	return off, nil
}

// Marshal encodes p into a newly allocated buffer of exactly Size() bytes.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, p.Size())
	// The buffer is sized from Size, so MarshalTo cannot fail.
	_, _ = p.MarshalTo(buf)
	return buf
}

// Unmarshal decodes one packet from the front of b and returns it together
// with the number of bytes consumed.
func Unmarshal(b []byte) (Packet, int, error) {
	if len(b) < headerSize {
		return Packet{}, 0, fmt.Errorf("%w: header needs %d bytes, have %d", ErrShortBuffer, headerSize, len(b))
	}

	p := Packet{
		Kind: Kind(b[0]),
		Time: math.Float64frombits(byteOrder.Uint64(b[kindSize:])),
	}
	if !p.Kind.Valid() {
		return Packet{}, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, b[0])
	}
	off := headerSize

	switch p.Kind {
	case KindHandshake:
		if len(b) < off+magicSize {
			return Packet{}, 0, fmt.Errorf("%w: truncated handshake", ErrShortBuffer)
		}
		p.Magic = MagicFromHalves(byteOrder.Uint32(b[off:]), byteOrder.Uint32(b[off+4:]))
		off += magicSize
	case KindScopeEnter, KindScopeExit:
		if len(b) < off+nameLenSize {
			return Packet{}, 0, fmt.Errorf("%w: truncated name length", ErrShortBuffer)
		}
		n := int(b[off])
		off += nameLenSize
		if len(b) < off+n {
			return Packet{}, 0, fmt.Errorf("%w: truncated name", ErrShortBuffer)
		}
		p.Name = string(b[off : off+n])
		off += n
		if p.Kind == KindScopeExit {
			if len(b) < off+elapsedSize {
				return Packet{}, 0, fmt.Errorf("%w: truncated elapsed", ErrShortBuffer)
			}
			p.Elapsed = math.Float64frombits(byteOrder.Uint64(b[off:]))
			off += elapsedSize
		}
	}

	return p, off, nil
}
