// Package chunker splits file text into ordered, line-aligned blobs, the
// unit of upload to the remote index.
package chunker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// ErrUnsupportedContent marks binary or undecodable files. Callers skip the
// file and report it; the indexing pass continues.
var ErrUnsupportedContent = errors.New("unsupported content")

// probeBytes bounds the prefix inspected for binary content.
const probeBytes = 8192

// Blob is an immutable line-aligned chunk of one file. StartLine/EndLine are
// 1-based and inclusive; ranges within a file are contiguous, non-overlapping,
// and cover the whole file. ID is the content fingerprint used as the
// remote-side dedup key.
type Blob struct {
	Path      string
	StartLine int
	EndLine   int
	Text      string
	ID        string
}

// Decode converts raw file bytes to text, probing against the supported
// encodings (utf-8, gbk, latin-1). A NUL byte in the bounded prefix marks the
// file as binary.
func Decode(data []byte) (string, error) {
	probe := data
	if len(probe) > probeBytes {
		probe = probe[:probeBytes]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		return "", fmt.Errorf("%w: binary content", ErrUnsupportedContent)
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	// The GBK decoder substitutes U+FFFD for invalid sequences instead of
	// failing; treat any substitution as a failed decode.
	if out, err := simplifiedchinese.GBK.NewDecoder().Bytes(data); err == nil && !bytes.ContainsRune(out, utf8.RuneError) {
		return string(out), nil
	}
	if out, err := charmap.ISO8859_1.NewDecoder().Bytes(data); err == nil {
		return string(out), nil
	}
	return "", fmt.Errorf("%w: no supported encoding", ErrUnsupportedContent)
}

// ChunkBytes decodes data and chunks it. The usual entry point for files read
// straight from disk.
func ChunkBytes(path string, data []byte, maxLines int) ([]Blob, error) {
	text, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Chunk(path, text, maxLines), nil
}

// Chunk splits text on line boundaries into blobs of at most maxLines lines;
// the last blob may be shorter. Blob texts are exact substrings of text, so
// concatenating them in order reproduces the input. Oversized single lines
// are emitted whole rather than truncated.
func Chunk(path, text string, maxLines int) []Blob {
	if text == "" {
		return nil
	}
	if maxLines <= 0 {
		maxLines = 800
	}

	offsets := lineOffsets(text)
	total := len(offsets) - 1

	blobs := make([]Blob, 0, (total+maxLines-1)/maxLines)
	for start := 0; start < total; start += maxLines {
		end := start + maxLines
		if end > total {
			end = total
		}
		chunk := text[offsets[start]:offsets[end]]
		b := Blob{
			Path:      path,
			StartLine: start + 1,
			EndLine:   end,
			Text:      chunk,
		}
		b.ID = fingerprint(b)
		blobs = append(blobs, b)
	}
	return blobs
}

// lineOffsets returns the byte offset of the start of each line plus a final
// offset of len(text). A trailing newline does not open a new line.
func lineOffsets(text string) []int {
	offsets := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' && i+1 < len(text) {
			offsets = append(offsets, i+1)
		}
	}
	return append(offsets, len(text))
}

func fingerprint(b Blob) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%d-%d\n", b.Path, b.StartLine, b.EndLine)
	h.Write([]byte(b.Text))
	return hex.EncodeToString(h.Sum(nil))
}
