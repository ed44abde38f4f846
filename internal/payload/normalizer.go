// Package payload turns raw webhook bodies into generic records.
package payload

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const DefaultMaxDecodedBytes = 64 << 20

var (
	gzipMagic = []byte{0x1f, 0x8b}
	utf8BOM   = []byte{0xef, 0xbb, 0xbf}
	utf16BE   = []byte{0xfe, 0xff}
	utf16LE   = []byte{0xff, 0xfe}

	envelopeKeys = []string{"data", "items", "results", "records"}
)

type Format string

const (
	FormatObject   Format = "object"
	FormatArray    Format = "array"
	FormatEnvelope Format = "envelope"
	FormatLines    Format = "jsonl"
)

// Meta is the transport metadata that came with a payload. None of it is
// trusted; it only serves as a hint.
type Meta struct {
	ContentEncoding string
	ContentType     string
	Header          http.Header
}

// Batch is a normalized payload. Items keeps delivery order. Envelope holds
// the wrapper keys when the records arrived nested under a list key.
type Batch struct {
	Items      []Item
	Envelope   Item
	Format     Format
	Compressed bool
	Charset    string
	// Rejected counts list elements or lines that were not JSON objects.
	// They are skipped so the rest of the batch survives.
	Rejected int
}

// Normalizer decompresses, decodes and parses inbound payloads.
type Normalizer struct {
	maxDecodedBytes int64
	recordIDKeys    []string
}

// NewNormalizer builds a Normalizer. An object carrying one of recordIDKeys
// is a record in its own right and is never unwrapped as an envelope.
func NewNormalizer(maxDecodedBytes int64, recordIDKeys ...string) *Normalizer {
	if maxDecodedBytes <= 0 {
		maxDecodedBytes = DefaultMaxDecodedBytes
	}
	return &Normalizer{maxDecodedBytes: maxDecodedBytes, recordIDKeys: recordIDKeys}
}

// Normalize runs all three stages. Failures are always *DecodeError.
func (n *Normalizer) Normalize(raw []byte, meta Meta) (Batch, error) {
	var batch Batch

	body := raw
	if IsGzip(raw) {
		decompressed, err := n.gunzip(raw)
		if err != nil {
			return Batch{}, &DecodeError{Stage: StageDecompress, Cause: err}
		}
		body = decompressed
		batch.Compressed = true
	}

	text, charset, err := decodeText(body, meta.ContentType)
	if err != nil {
		return Batch{}, &DecodeError{Stage: StageText, Cause: err}
	}
	batch.Charset = charset

	if err := n.parseInto(&batch, text); err != nil {
		return Batch{}, &DecodeError{Stage: StageParse, Cause: err}
	}
	return batch, nil
}

// IsGzip inspects the leading bytes for the gzip magic number.
func IsGzip(b []byte) bool {
	return bytes.HasPrefix(b, gzipMagic)
}

func (n *Normalizer) gunzip(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, n.maxDecodedBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > n.maxDecodedBytes {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", n.maxDecodedBytes)
	}
	return out, nil
}

// decodeText returns UTF-8 text. Valid UTF-8 is accepted whatever the
// declared charset says; a declared charset is only used for bytes that
// are not UTF-8 already.
func decodeText(b []byte, contentType string) ([]byte, string, error) {
	switch {
	case bytes.HasPrefix(b, utf8BOM):
		return b[len(utf8BOM):], "utf-8", nil
	case bytes.HasPrefix(b, utf16BE), bytes.HasPrefix(b, utf16LE):
		out, err := decodeWith(unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM), b)
		if err != nil {
			return nil, "", fmt.Errorf("utf-16: %w", err)
		}
		return out, "utf-16", nil
	}

	declared := declaredCharset(contentType)
	var enc encoding.Encoding
	if declared != "" && !isUTF8Label(declared) {
		if e, err := htmlindex.Get(declared); err == nil {
			enc = e
		}
	}

	// UTF-16 without a BOM can pass as UTF-8 byte-wise, but only with NUL
	// bytes, which JSON text never contains unescaped.
	if enc != nil && strings.HasPrefix(declared, "utf-16") && bytes.IndexByte(b, 0) >= 0 {
		if out, err := decodeWith(enc, b); err == nil {
			return out, declared, nil
		}
	}

	if utf8.Valid(b) {
		return b, "utf-8", nil
	}

	if enc == nil {
		if declared == "" || isUTF8Label(declared) {
			return nil, "", fmt.Errorf("payload is not valid utf-8")
		}
		return nil, "", fmt.Errorf("unknown charset %q and payload is not valid utf-8", declared)
	}
	out, err := decodeWith(enc, b)
	if err != nil {
		return nil, "", fmt.Errorf("charset %s: %w", declared, err)
	}
	return out, declared, nil
}

func decodeWith(enc encoding.Encoding, b []byte) ([]byte, error) {
	out, _, err := transform.Bytes(enc.NewDecoder(), b)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(out) {
		return nil, fmt.Errorf("decoded text is not valid utf-8")
	}
	return out, nil
}

func declaredCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(params["charset"]))
}

func isUTF8Label(label string) bool {
	switch label {
	case "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

func (n *Normalizer) parseInto(batch *Batch, text []byte) error {
	trimmed := bytes.TrimSpace(text)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty payload")
	}

	values, err := decodeValues(trimmed)
	if err != nil {
		// A broken line in JSON Lines must not take the other lines with it.
		if items, rejected, ok := parseLines(trimmed); ok {
			batch.Items = items
			batch.Rejected = rejected
			batch.Format = FormatLines
			return nil
		}
		return err
	}

	if len(values) > 1 {
		batch.Items, batch.Rejected = objectList(values)
		if len(batch.Items) == 0 {
			return fmt.Errorf("no line is a JSON object")
		}
		batch.Format = FormatLines
		return nil
	}

	switch v := values[0].(type) {
	case map[string]any:
		obj := Item(v)
		if inner, rejected, key, ok := n.envelopeItems(obj); ok {
			env := make(Item, len(obj)-1)
			for k, val := range obj {
				if k != key {
					env[k] = val
				}
			}
			batch.Items = inner
			batch.Rejected = rejected
			batch.Envelope = env
			batch.Format = FormatEnvelope
			return nil
		}
		batch.Items = []Item{obj}
		batch.Format = FormatObject
		return nil
	case []any:
		batch.Items, batch.Rejected = objectList(v)
		batch.Format = FormatArray
		return nil
	default:
		return fmt.Errorf("payload is neither an object nor a list (%T)", v)
	}
}

func decodeValues(text []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()

	var values []any
	for {
		var v any
		err := dec.Decode(&v)
		if err == io.EOF {
			return values, nil
		}
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
}

// parseLines reads text one line at a time. It only applies when the first
// line is a complete object on its own, so a broken pretty-printed document
// is not mistaken for JSON Lines.
func parseLines(text []byte) ([]Item, int, bool) {
	lines := bytes.Split(text, []byte("\n"))
	if len(lines) < 2 {
		return nil, 0, false
	}
	if _, ok := decodeObject(lines[0]); !ok {
		return nil, 0, false
	}

	var (
		items    []Item
		rejected int
	)
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		obj, ok := decodeObject(line)
		if !ok {
			rejected++
			continue
		}
		items = append(items, obj)
	}
	return items, rejected, true
}

func decodeObject(line []byte) (Item, bool) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(line)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return Item(obj), true
}

// envelopeItems finds the record list of a wrapper object. An object with a
// record id of its own, or whose list holds no objects, is not a wrapper.
func (n *Normalizer) envelopeItems(obj Item) ([]Item, int, string, bool) {
	for _, key := range n.recordIDKeys {
		if obj.Has(key) {
			return nil, 0, "", false
		}
	}
	for _, key := range envelopeKeys {
		list, ok := obj[key].([]any)
		if !ok {
			continue
		}
		items, rejected := objectList(list)
		if len(items) == 0 {
			continue
		}
		return items, rejected, key, true
	}
	return nil, 0, "", false
}

func objectList(list []any) ([]Item, int) {
	items := make([]Item, 0, len(list))
	rejected := 0
	for _, el := range list {
		obj, ok := el.(map[string]any)
		if !ok {
			rejected++
			continue
		}
		items = append(items, Item(obj))
	}
	return items, rejected
}
