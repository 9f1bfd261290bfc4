package binproto

import (
	"bytes"
	"compress/zlib"
	"io"
)

// Codec compresses the source bytes before chunking and decompresses them
// on the device side. Compression is a strategy the session consults; it is
// orthogonal to framing and to the ack/retry machinery.
type Codec interface {
	// Flag returns the capability bit the device must advertise for this
	// codec to be used.
	Flag() byte

	// Encode compresses src.
	Encode(src []byte) ([]byte, error)

	// Decode decompresses src.
	Decode(src []byte) ([]byte, error)
}

// ZlibCodec compresses payloads with zlib at the default level.
type ZlibCodec struct{}

// Flag implements Codec.
func (ZlibCodec) Flag() byte { return CompressZlib }

// Encode implements Codec.
func (ZlibCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode implements Codec.
func (ZlibCodec) Decode(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
