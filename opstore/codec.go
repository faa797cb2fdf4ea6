package opstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	defaultMarshal   = Encode
	defaultUnmarshal = Decode
)

// Encode serializes an operation body with msgpack. Store-maintained fields
// (Left, Deleted, Key) are not included.
func Encode(op *Operation) ([]byte, error) {
	b, err := msgpack.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op.ID, err)
	}
	return b, nil
}

// Decode is the inverse of Encode. Integers in Content decode as int64 or
// uint64, floats as float64, and maps as map[string]interface{}.
func Decode(b []byte, op *Operation) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(op); err != nil {
		return fmt.Errorf("decode operation: %w", err)
	}
	return nil
}

func appendLength(buf []byte, n int) []byte {
	var tmpbuf [binary.MaxVarintLen64]byte
	len := binary.PutUvarint(tmpbuf[:], uint64(n))
	return append(buf, tmpbuf[:len]...)
}

func decodeLength(buf []byte, n *int) ([]byte, error) {
	k, len := binary.Uvarint(buf)
	if len <= 0 {
		return nil, errors.New("bad length")
	}
	*n = int(k)
	return buf[len:], nil
}

func decodeBytes(buf []byte, body *[]byte) ([]byte, error) {
	var err error
	var n int
	buf, err = decodeLength(buf, &n)
	if err != nil {
		return nil, err
	}
	if len(buf) < n {
		return nil, errors.New("bad body length")
	}
	*body = buf[:n]
	return buf[n:], nil
}

// marshalManifest frames the given ids, in order, as
// count, then (length, id string) pairs.
func marshalManifest(ids []ID) []byte {
	var buf []byte
	buf = appendLength(buf, len(ids))
	for _, id := range ids {
		s := id.String()
		buf = appendLength(buf, len(s))
		buf = append(buf, s...)
	}
	return buf
}

func unmarshalManifest(buf []byte) ([]ID, error) {
	var err error
	var total int
	buf, err = decodeLength(buf, &total)
	if err != nil {
		return nil, fmt.Errorf("manifest count: %w", err)
	}
	ids := make([]ID, total)
	for i := 0; i < total; i++ {
		var body []byte
		buf, err = decodeBytes(buf, &body)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
		ids[i], err = ParseID(string(body))
		if err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
	}
	if len(buf) != 0 {
		return nil, fmt.Errorf("manifest has %d trailing bytes", len(buf))
	}
	return ids, nil
}
