package interchange

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// DefaultEncodings is the order in which uploads are tried. GB2312 text is
// a subset of GBK and is covered by it.
var DefaultEncodings = []string{"utf-8", "gbk", "gb18030"}

var decoders = map[string]encoding.Encoding{
	"gbk":     simplifiedchinese.GBK,
	"gb2312":  simplifiedchinese.GBK,
	"gb18030": simplifiedchinese.GB18030,
}

// EncodingError is returned when none of the tried encodings decode the
// input cleanly.
type EncodingError struct {
	Tried []string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("cannot decode file as any of %s", strings.Join(e.Tried, ", "))
}

// Decode returns data as UTF-8 text using the first encoding in order that
// decodes without invalid sequences, together with that encoding's name.
func Decode(data []byte, order ...string) (string, string, error) {
	for _, name := range order {
		if text, ok := decodeAs(name, data); ok {
			return strings.TrimPrefix(text, "\ufeff"), name, nil
		}
	}
	return "", "", &EncodingError{Tried: order}
}

func decodeAs(name string, data []byte) (string, bool) {
	if name == "utf-8" || name == "utf8" {
		return string(data), utf8.Valid(data)
	}

	enc, ok := decoders[name]
	if !ok {
		return "", false
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", false
	}
	// x/text substitutes invalid input with U+FFFD instead of failing.
	if bytes.ContainsRune(out, utf8.RuneError) {
		return "", false
	}
	return string(out), true
}
