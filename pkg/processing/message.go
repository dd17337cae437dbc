package processing

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/costguard/ledger/pkg/ingest"
)

// EncodingAttribute names the message attribute that marks a compressed
// payload. Supported values are "gzip" and "zstd"; absent or "identity"
// means plain JSON.
const EncodingAttribute = "content-encoding"

// maxPayload bounds a decompressed submission.
const maxPayload = 32 << 20

// ParseSubmissionMessage decompresses msg according to its encoding
// attribute and unmarshals the submission it carries.
func ParseSubmissionMessage(msg *pubsub.Message) (ingest.Submission, error) {
	raw, err := Decompress(msg.Data, msg.Attributes[EncodingAttribute])
	if err != nil {
		return ingest.Submission{}, err
	}
	return ingest.DecodeSubmission(raw)
}

// Decompress returns data decoded per encoding.
func Decompress(data []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return data, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, "gzip")
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd payload: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, "zstd")
	default:
		return nil, fmt.Errorf("unsupported content-encoding %q", encoding)
	}
}

func readLimited(r io.Reader, name string) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("%s payload: %w", name, err)
	}
	if len(out) > maxPayload {
		return nil, fmt.Errorf("%s payload exceeds %d bytes", name, maxPayload)
	}
	return out, nil
}
