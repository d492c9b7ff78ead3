package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"

	"github.com/DepengLiu/TCPChat/file"
	"github.com/DepengLiu/TCPChat/limits"
	"github.com/DepengLiu/TCPChat/session"
)

var (
	// ErrTruncated indicates a message shorter than its encoded fields.
	ErrTruncated = errors.New("message truncated")

	// ErrMalformed indicates a field that cannot be decoded.
	ErrMalformed = errors.New("message malformed")
)

// encoder appends big-endian fields to a buffer.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) uint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) uint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *encoder) int64(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

func (e *encoder) bool(v bool) {
	if v {
		e.uint8(1)
	} else {
		e.uint8(0)
	}
}

// string writes [len (2 bytes)][bytes].
func (e *encoder) string(s string) {
	if len(s) > math.MaxUint16 {
		if e.err == nil {
			e.err = fmt.Errorf("%w: string of %d bytes", limits.ErrNameTooLong, len(s))
		}
		return
	}
	e.uint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) bytes(b []byte) {
	e.string(string(b))
}

// description writes [present][id][name][size (8 bytes)][checksum].
func (e *encoder) description(d *file.Description) {
	e.bool(d != nil)
	if d == nil {
		return
	}
	e.string(string(d.ID))
	e.string(d.Name)
	e.int64(d.Size)
	e.bytes(d.Checksum)
}

// endpoint writes [present][ip_len (1 byte)][ip][port (2 bytes)].
func (e *encoder) endpoint(a *net.TCPAddr) {
	e.bool(a != nil)
	if a == nil {
		return
	}
	ip := a.IP.To4()
	if ip == nil {
		ip = a.IP.To16()
	}
	if ip == nil || a.Port < 0 || a.Port > math.MaxUint16 {
		if e.err == nil {
			e.err = fmt.Errorf("%w: endpoint %v", ErrMalformed, a)
		}
		return
	}
	e.uint8(uint8(len(ip)))
	e.buf = append(e.buf, ip...)
	e.uint16(uint16(a.Port))
}

// user writes [present][nick][count (2 bytes)] then count [key][value] pairs
// in key order.
func (e *encoder) user(u *session.User) {
	e.bool(u != nil)
	if u == nil {
		return
	}
	e.string(u.Nick)
	keys := u.MetadataKeys()
	e.uint16(uint16(len(keys)))
	for _, k := range keys {
		e.string(k)
		e.string(u.Metadata[k])
	}
}

// decoder reads big-endian fields. The first failure sticks and later
// reads return zero values.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.data)-d.off < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d of %d", ErrTruncated, n, d.off, len(d.data))
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) int64() int64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (d *decoder) bool() bool {
	switch d.uint8() {
	case 0:
		return false
	case 1:
		return true
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: presence flag", ErrMalformed)
		}
		return false
	}
}

func (d *decoder) string() string {
	n := d.uint16()
	return string(d.take(int(n)))
}

// name reads a string and checks it against maxLen. Empty names are left
// for the receiving component to reject with its own error.
func (d *decoder) name(field string, maxLen int) string {
	s := d.string()
	if d.err == nil && len(s) > maxLen {
		d.err = fmt.Errorf("%w: %s length %d exceeds limit %d", limits.ErrNameTooLong, field, len(s), maxLen)
	}
	return s
}

func (d *decoder) bytes() []byte {
	n := d.uint16()
	b := d.take(int(n))
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *decoder) description() *file.Description {
	if !d.bool() {
		return nil
	}
	desc := &file.Description{
		ID:       file.ID(d.name("file id", limits.MaxFileNameLength)),
		Name:     d.name("file name", limits.MaxFileNameLength),
		Size:     d.int64(),
		Checksum: d.bytes(),
	}
	if d.err != nil {
		return nil
	}
	return desc
}

func (d *decoder) endpoint() *net.TCPAddr {
	if !d.bool() {
		return nil
	}
	n := int(d.uint8())
	if d.err == nil && n != net.IPv4len && n != net.IPv6len {
		d.err = fmt.Errorf("%w: ip length %d", ErrMalformed, n)
		return nil
	}
	ip := d.take(n)
	port := d.uint16()
	if d.err != nil {
		return nil
	}
	return &net.TCPAddr{IP: append(net.IP(nil), ip...), Port: int(port)}
}

func (d *decoder) user() *session.User {
	if !d.bool() {
		return nil
	}
	u := &session.User{Nick: d.name("nick", limits.MaxNickLength)}
	count := int(d.uint16())
	for i := 0; i < count && d.err == nil; i++ {
		if u.Metadata == nil {
			u.Metadata = make(map[string]string, count)
		}
		k := d.name("metadata key", limits.MaxNickLength)
		u.Metadata[k] = d.name("metadata value", limits.MaxHeaderLength)
	}
	if d.err != nil {
		return nil
	}
	return u
}

// finish reports the sticky error or trailing bytes.
func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.data)-d.off)
	}
	return nil
}

// Frame joins a message header and its raw payload.
// Format: [header_len (2 bytes)][header][payload]
func Frame(header, payload []byte) ([]byte, error) {
	if len(header) > limits.MaxHeaderLength {
		return nil, fmt.Errorf("%w: header of %d bytes", limits.ErrPacketTooLarge, len(header))
	}
	data := make([]byte, 2+len(header)+len(payload))
	binary.BigEndian.PutUint16(data[0:2], uint16(len(header)))
	copy(data[2:], header)
	copy(data[2+len(header):], payload)
	return data, nil
}

// SplitFrame separates a framed packet into header and payload. The returned
// slices alias data.
func SplitFrame(data []byte) (header, payload []byte, err error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("%w: frame of %d bytes", ErrTruncated, len(data))
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	if n > limits.MaxHeaderLength {
		return nil, nil, fmt.Errorf("%w: header of %d bytes", limits.ErrPacketTooLarge, n)
	}
	if len(data) < 2+n {
		return nil, nil, fmt.Errorf("%w: header of %d bytes in frame of %d", ErrTruncated, n, len(data))
	}
	return data[2 : 2+n], data[2+n:], nil
}
