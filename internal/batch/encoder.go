package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"

	"chunklab-backend/internal/chunks"
)

// The JSONL request document. One line per chunk, each line a self-contained
// request record keyed by the chunk id as correlation id. The whole document
// is escaped down to pure ASCII so it survives byte-oriented transport and
// strict-ASCII parsers on the provider side.

type requestRecord struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     requestBody `json:"body"`
}

type requestBody struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// smart punctuation folded to ASCII before the generic escape pass. Folding
// must run first or curly quotes get escaped instead of normalized.
var punctuationFolder = strings.NewReplacer(
	"‘", "'", // left single quote
	"’", "'", // right single quote
	"‚", "'", // low single quote
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"„", `"`, // low double quote
	"–", "-", // en dash
	"—", "-", // em dash
	"−", "-", // minus sign
	"…", "...", // ellipsis
	" ", " ", // non-breaking space
)

// Sanitize folds smart punctuation to ASCII, normalizes line endings to LF,
// expands tabs, and strips remaining control characters. Applying it twice
// yields the same output as applying it once.
func Sanitize(s string) string {
	s = punctuationFolder.Replace(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\t", "    ")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EncodeRequests serializes the chunks, in the given order, into a JSONL
// request document. buildPrompt receives the sanitized chunk text. The
// document ends with a single newline; consumers must not treat it as an
// empty trailing record.
func EncodeRequests(model string, chs []chunks.Chunk, buildPrompt func(chunkText string) string) ([]byte, error) {
	var buf bytes.Buffer
	for _, ch := range chs {
		prompt := buildPrompt(Sanitize(ch.Content))
		record := requestRecord{
			CustomID: ch.ID,
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body: requestBody{
				Model: model,
				Messages: []chatMessage{
					{Role: "user", Content: prompt},
				},
			},
		}
		line, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("encode chunk %s: %w", ch.ID, err)
		}
		buf.Write(escapeNonASCII(line))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// escapeNonASCII rewrites every non-ASCII code point in a marshaled JSON line
// to \uXXXX escapes (surrogate pairs above the BMP). The input is valid JSON,
// so escaping inside string values is the only place non-ASCII can appear and
// the result stays valid JSON.
func escapeNonASCII(line []byte) []byte {
	ascii := true
	for _, b := range line {
		if b >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return line
	}

	var out bytes.Buffer
	out.Grow(len(line) + 16)
	for _, r := range string(line) {
		if r < 0x80 {
			out.WriteRune(r)
			continue
		}
		if r > 0xffff {
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&out, `\u%04x\u%04x`, hi, lo)
			continue
		}
		fmt.Fprintf(&out, `\u%04x`, r)
	}
	return out.Bytes()
}
