package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidPacket indicates truncated or malformed wire bytes.
var ErrInvalidPacket = errors.New("invalid packet")

// ErrNilBody indicates a packet without a body was passed to Encode.
var ErrNilBody = errors.New("packet body is nil")

const (
	headerSize  = 2 + 2 // id + ack count
	kindSize    = 1
	sessionSize = 16
	u128Size    = 16
	lengthSize  = 4
)

// Overhead returns the encoded size of a FileContent packet with an empty
// payload and the given number of acknowledgment ids. A datagram of n bytes
// can therefore carry n-Overhead(acks) bytes of content.
func Overhead(acks int) int {
	return headerSize + 2*acks + kindSize + sessionSize + u128Size + lengthSize
}

// Encode serializes p into its wire form.
func Encode(p *Packet) ([]byte, error) {
	if p == nil || p.Body == nil {
		return nil, ErrNilBody
	}
	if len(p.Acks) > MaxAcks {
		return nil, fmt.Errorf("ack window of %d ids exceeds %d", len(p.Acks), MaxAcks)
	}

	w := &writer{buf: make([]byte, 0, encodedSize(p))}
	w.u16(uint16(p.ID))
	w.u16(uint16(len(p.Acks)))
	for _, id := range p.Acks {
		w.u16(uint16(id))
	}
	w.u8(uint8(p.Body.Kind()))

	switch b := p.Body.(type) {
	case Auth:
		w.str(b.Name)
		w.str(b.Path)
		w.str(b.Secret)
	case AuthResponse:
		w.boolean(b.Accepted)
		w.session(b.Session)
	case Headers:
		w.session(b.Session)
		w.u128(b.ContentLength)
		keys := make([]string, 0, len(b.Extra))
		for k := range b.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.u32(uint32(len(keys)))
		for _, k := range keys {
			w.str(k)
			w.str(b.Extra[k])
		}
	case FileContent:
		w.session(b.Session)
		w.u128(b.Cursor)
		w.blob(b.Bytes)
	case Finished:
		w.session(b.Session)
	case Tick:
		w.session(b.Session)
	default:
		return nil, fmt.Errorf("unsupported body %T", p.Body)
	}

	reverse(w.buf)
	return w.buf, nil
}

// Decode parses a wire datagram. The input slice is not modified. Empty
// Acks, Bytes and Extra decode as nil, so an encoded empty non-nil value
// comes back nil.
func Decode(data []byte) (*Packet, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	reverse(buf)

	r := &reader{buf: buf}
	p := &Packet{ID: ID(r.u16())}

	count := int(r.u16())
	if r.err == nil && count > MaxAcks {
		return nil, fmt.Errorf("%w: ack window of %d ids", ErrInvalidPacket, count)
	}
	if count > 0 && r.err == nil {
		p.Acks = make([]ID, 0, count)
		for i := 0; i < count && r.err == nil; i++ {
			p.Acks = append(p.Acks, ID(r.u16()))
		}
	}

	kind := Kind(r.u8())
	if r.err != nil {
		return nil, r.err
	}

	switch kind {
	case KindAuth:
		p.Body = Auth{Name: r.str(), Path: r.str(), Secret: r.str()}
	case KindAuthResponse:
		p.Body = AuthResponse{Accepted: r.boolean(), Session: r.session()}
	case KindHeaders:
		h := Headers{Session: r.session(), ContentLength: r.u128()}
		h.Extra = r.strMap()
		p.Body = h
	case KindFileContent:
		p.Body = FileContent{Session: r.session(), Cursor: r.u128(), Bytes: r.blob()}
	case KindFinished:
		p.Body = Finished{Session: r.session()}
	case KindTick:
		p.Body = Tick{Session: r.session()}
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidPacket, kind)
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(r.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidPacket, len(r.buf)-r.off)
	}
	return p, nil
}

func encodedSize(p *Packet) int {
	n := headerSize + 2*len(p.Acks) + kindSize
	switch b := p.Body.(type) {
	case Auth:
		n += 3*lengthSize + len(b.Name) + len(b.Path) + len(b.Secret)
	case AuthResponse:
		n += 1 + sessionSize
	case Headers:
		n += sessionSize + u128Size + lengthSize
		for k, v := range b.Extra {
			n += 2*lengthSize + len(k) + len(v)
		}
	case FileContent:
		n += sessionSize + u128Size + lengthSize + len(b.Bytes)
	default:
		n += sessionSize
	}
	return n
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

// u128 writes a 128-bit big-endian integer whose high half is always zero.
func (w *writer) u128(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, 0)
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) session(s Session) { w.buf = append(w.buf, s[:]...) }

func (w *writer) blob(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// reader consumes a base encoding. The first failure sticks in err and every
// later call returns a zero value.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: truncated at offset %d", ErrInvalidPacket, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u128() uint64 {
	b := r.take(u128Size)
	if b == nil {
		return 0
	}
	if binary.BigEndian.Uint64(b[:8]) != 0 {
		r.err = fmt.Errorf("%w: 128-bit value exceeds 64 bits", ErrInvalidPacket)
		return 0
	}
	return binary.BigEndian.Uint64(b[8:])
}

func (r *reader) boolean() bool {
	v := r.u8()
	if r.err == nil && v > 1 {
		r.err = fmt.Errorf("%w: bool byte %d", ErrInvalidPacket, v)
	}
	return v == 1
}

func (r *reader) session() Session {
	var s Session
	copy(s[:], r.take(sessionSize))
	return s
}

// length reads a u32 prefix and checks it against the remaining input so a
// hostile prefix can never trigger a large allocation.
func (r *reader) length() int {
	n := r.u32()
	if r.err != nil {
		return 0
	}
	if uint64(n) > uint64(len(r.buf)-r.off) {
		r.err = fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrInvalidPacket, n, len(r.buf)-r.off)
		return 0
	}
	return int(n)
}

func (r *reader) blob() []byte {
	n := r.length()
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) str() string {
	return string(r.take(r.length()))
}

func (r *reader) strMap() map[string]string {
	count := r.u32()
	if r.err != nil || count == 0 {
		return nil
	}
	// each entry needs at least two length prefixes
	if uint64(count)*2*lengthSize > uint64(len(r.buf)-r.off) {
		r.err = fmt.Errorf("%w: map of %d entries exceeds input", ErrInvalidPacket, count)
		return nil
	}
	m := make(map[string]string, count)
	prev := ""
	for i := uint32(0); i < count && r.err == nil; i++ {
		k := r.str()
		v := r.str()
		if r.err != nil {
			return nil
		}
		if i > 0 && k <= prev {
			r.err = fmt.Errorf("%w: map keys not strictly ascending", ErrInvalidPacket)
			return nil
		}
		prev = k
		m[k] = v
	}
	return m
}
