package ingest

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// charsets maps accepted INPUT_CHARSET names to decoders. UTF-8 input has a
// leading byte order mark stripped and invalid sequences replaced.
var charsets = map[string]encoding.Encoding{
	"utf-8":        unicode.UTF8BOM,
	"utf8":         unicode.UTF8BOM,
	"iso-8859-1":   charmap.ISO8859_1,
	"latin1":       charmap.ISO8859_1,
	"windows-1252": charmap.Windows1252,
	"cp1252":       charmap.Windows1252,
}

// LookupCharset returns the encoding registered under name.
func LookupCharset(name string) (encoding.Encoding, error) {
	enc, ok := charsets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unsupported charset %q", name)
	}
	return enc, nil
}

func decode(enc encoding.Encoding, content []byte) (string, error) {
	// Decoders carry state, so each call gets its own.
	b, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		return "", fmt.Errorf("decode input: %w", err)
	}
	return string(b), nil
}
