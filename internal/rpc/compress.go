package rpc

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // registers the "gzip" grpc.Compressor
)

// ZstdCompressorName is the grpc.CallOption content encoding registered by
// this package, offered alongside gRPC's built-in "gzip". Control messages
// are tiny so compression rarely matters there; the real payoff is the
// record-batch stream, whose Arrow IPC frames are written straight onto the
// wire and can ride this compressor like any other gRPC frame.
const ZstdCompressorName = "zstd"

// zstdCompressor adapts klauspost/compress/zstd to grpc's encoding.Compressor.
type zstdCompressor struct {
	encoderOpts []zstd.EOption
	decoderOpts []zstd.DOption
}

func (z *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, z.encoderOpts...)
}

func (z *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, err := zstd.NewReader(r, z.decoderOpts...)
	if err != nil {
		return nil, err
	}
	return &zstdReader{dec: dec}, nil
}

func (z *zstdCompressor) Name() string { return ZstdCompressorName }

// zstdReader closes the decoder, and with it the decoder's internal
// goroutines, once a frame has been read to io.EOF; the stdlib grpc
// transport never calls Close on the Reader it gets back, only discards it.
type zstdReader struct {
	dec *zstd.Decoder
}

func (r *zstdReader) Read(p []byte) (int, error) {
	n, err := r.dec.Read(p)
	if err == io.EOF {
		r.dec.Close()
	}
	return n, err
}

func init() {
	encoding.RegisterCompressor(&zstdCompressor{})
}
