// Package compress implements the heuristic GZIP Compression Filter:
// extension hints, entropy sampling, binary-content detection, and trial
// compression, producing a (bytes, compressed?) pair (spec.md §4.4).
package compress

import (
	"bytes"
	"compress/gzip"
	"io"
	"math"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// gzipMagic identifies a compressed payload on receipt.
var gzipMagic = [2]byte{0x1F, 0x8B}

const (
	sampleSize      = 4096
	binaryThreshold = 0.10
	entropyGate     = 7.5
	trialRatioGate  = 0.85
)

var alreadyCompressedExt = map[string]bool{
	"zip": true, "gz": true, "jpg": true, "jpeg": true, "png": true,
	"mp4": true, "mp3": true, "mov": true, "pdf": true, "docx": true,
	"xlsx": true, "pptx": true, "7z": true, "rar": true, "webp": true,
	"bz2": true, "xz": true, "tgz": true,
}

var knownTextExt = map[string]bool{
	"txt": true, "json": true, "csv": true, "md": true, "yaml": true,
	"yml": true, "xml": true, "html": true, "htm": true, "css": true,
	"js": true, "ts": true, "go": true, "py": true, "java": true,
	"c": true, "h": true, "cpp": true, "log": true, "ini": true, "toml": true,
}

// Apply runs the Compression Filter against one file's bytes and returns
// the bytes to send on the wire alongside whether they are GZIP-compressed.
func Apply(filename string, data []byte) ([]byte, bool) {
	ext := extOf(filename)

	if alreadyCompressedExt[ext] {
		return data, false
	}

	sample := data
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}

	if knownTextExt[ext] && !isBinaryLike(sample) {
		if compressed, ok := gzipShrinks(data); ok {
			return compressed, true
		}
		return data, false
	}

	binary := isBinaryLike(sample)
	ent := shannonEntropy(sample)
	if binary && ent > entropyGate {
		return data, false
	}

	compSample, err := GzipBytes(sample)
	if err != nil {
		return data, false
	}
	if len(sample) == 0 {
		return data, false
	}
	ratio := float64(len(compSample)) / float64(len(sample))
	if ratio >= trialRatioGate {
		return data, false
	}
	if compressed, ok := gzipShrinks(data); ok {
		return compressed, true
	}
	return data, false
}

// IsGzip reports whether data begins with the GZIP magic bytes.
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == gzipMagic[0] && data[1] == gzipMagic[1]
}

// Decompress reverses a GZIP payload produced by Apply.
func Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "compress: open gzip reader")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "compress: read gzip stream")
	}
	return out, nil
}

func gzipShrinks(data []byte) ([]byte, bool) {
	compressed, err := GzipBytes(data)
	if err != nil {
		return nil, false
	}
	if len(compressed) < len(data) {
		return compressed, true
	}
	return nil, false
}

// GzipBytes unconditionally GZIPs data, regardless of the Compression
// Filter's heuristics. Used for payloads — manifest JSON, control-plane
// blobs — that are always sent compressed rather than heuristically.
func GzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func extOf(filename string) string {
	ext := filepath.Ext(filename)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// isBinaryLike reports whether the fraction of NUL, 0x7F, or non-whitespace
// C0 control bytes among data exceeds binaryThreshold.
func isBinaryLike(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	suspicious := 0
	for _, b := range data {
		if b == 0x00 || b == 0x7F || (b < 0x20 && b != '\t' && b != '\n' && b != '\r') {
			suspicious++
		}
	}
	return float64(suspicious)/float64(len(data)) > binaryThreshold
}

func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
