package keys

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sekai02/kvindex/internal/kv"
)

const (
	codeString byte = 0x02
	codeUint32 byte = 0x13
	codeUint64 byte = 0x14

	escape byte = 0xff
)

var ErrMalformedKey = errors.New("keys: malformed key")

// Tuple is an order-preserving encoding of strings and fixed-width unsigned
// integers. Byte order of encoded tuples matches element-wise order, and no
// encoded string is a prefix of a different encoded string. Appending never
// aliases the receiver, so a prefix can be shared.
type Tuple []byte

func (t Tuple) AppendString(s string) Tuple {
	out := append(t[:len(t):len(t)], codeString)
	for i := 0; i < len(s); i++ {
		out = append(out, s[i])
		if s[i] == 0x00 {
			out = append(out, escape)
		}
	}
	return append(out, 0x00)
}

func (t Tuple) AppendUint32(v uint32) Tuple {
	out := append(t[:len(t):len(t)], codeUint32)
	return binary.BigEndian.AppendUint32(out, v)
}

func (t Tuple) AppendUint64(v uint64) Tuple {
	out := append(t[:len(t):len(t)], codeUint64)
	return binary.BigEndian.AppendUint64(out, v)
}

// Range covers every tuple that extends t by at least one element. Every
// element starts with a type code strictly between 0x00 and 0xff, which
// keeps escaped NUL continuations of a string element out of the range.
func (t Tuple) Range() kv.Range {
	return kv.Range{
		Begin: append(t.Bytes(), 0x00),
		End:   append(t.Bytes(), 0xff),
	}
}

// Bytes returns a copy safe to hand to a store.
func (t Tuple) Bytes() []byte {
	return append([]byte{}, t...)
}

type decoder struct {
	buf []byte
}

func (d *decoder) done() bool {
	return len(d.buf) == 0
}

func (d *decoder) string() (string, error) {
	if len(d.buf) == 0 || d.buf[0] != codeString {
		return "", fmt.Errorf("%w: want string element", ErrMalformedKey)
	}
	out := make([]byte, 0, len(d.buf))
	for i := 1; i < len(d.buf); i++ {
		if d.buf[i] != 0x00 {
			out = append(out, d.buf[i])
			continue
		}
		if i+1 < len(d.buf) && d.buf[i+1] == escape {
			out = append(out, 0x00)
			i++
			continue
		}
		d.buf = d.buf[i+1:]
		return string(out), nil
	}
	return "", fmt.Errorf("%w: unterminated string", ErrMalformedKey)
}

func (d *decoder) uint32() (uint32, error) {
	if len(d.buf) < 5 || d.buf[0] != codeUint32 {
		return 0, fmt.Errorf("%w: want uint32 element", ErrMalformedKey)
	}
	v := binary.BigEndian.Uint32(d.buf[1:5])
	d.buf = d.buf[5:]
	return v, nil
}

func (d *decoder) uint64() (uint64, error) {
	if len(d.buf) < 9 || d.buf[0] != codeUint64 {
		return 0, fmt.Errorf("%w: want uint64 element", ErrMalformedKey)
	}
	v := binary.BigEndian.Uint64(d.buf[1:9])
	d.buf = d.buf[9:]
	return v, nil
}
