package near

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// borshWriter accumulates a NEP-366 DelegateAction in NEAR's Borsh wire
// format: little-endian fixed-width integers, u32-length-prefixed strings
// and vectors, u8-tagged enums.
type borshWriter struct {
	buf []byte
}

func (w *borshWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *borshWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *borshWriter) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *borshWriter) u128(v *big.Int) {
	var out [16]byte
	if v != nil {
		b := v.Bytes() // big-endian
		for i := 0; i < len(b) && i < 16; i++ {
			out[i] = b[len(b)-1-i] // reverse into little-endian
		}
	}
	w.buf = append(w.buf, out[:]...)
}

func (w *borshWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *borshWriter) str(s string) { w.bytes([]byte(s)) }

// borshReader walks a Borsh-encoded buffer for decoding a DelegateAction.
type borshReader struct {
	buf []byte
	pos int
}

func (r *borshReader) u8() (uint8, error) {
	if r.pos+1 > len(r.buf) {
		return 0, fmt.Errorf("borsh: unexpected end of buffer reading u8")
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *borshReader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, fmt.Errorf("borsh: unexpected end of buffer reading u32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *borshReader) u64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("borsh: unexpected end of buffer reading u64")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *borshReader) u128() (*big.Int, error) {
	if r.pos+16 > len(r.buf) {
		return nil, fmt.Errorf("borsh: unexpected end of buffer reading u128")
	}
	raw := r.buf[r.pos : r.pos+16]
	r.pos += 16
	be := make([]byte, 16)
	for i := 0; i < 16; i++ {
		be[i] = raw[15-i]
	}
	return new(big.Int).SetBytes(be), nil
}

func (r *borshReader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, fmt.Errorf("borsh: unexpected end of buffer reading %d bytes", n)
	}
	out := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

func (r *borshReader) fixed(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("borsh: unexpected end of buffer reading %d fixed bytes", n)
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *borshReader) str() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *borshReader) done() bool { return r.pos >= len(r.buf) }
