package repository

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/stanstork/harvest-api/internal/models"
)

// Postgres rejects NUL in TEXT columns and the \u0000 escape in JSONB, so
// both are stripped before a record is written.

var escapedNUL = []byte(`\u0000`)

func stripNULRecord(rec models.Record) (models.Record, error) {
	rec.ProviderRecordID = stripNUL(rec.ProviderRecordID)
	rec.Platform = stripNUL(rec.Platform)
	for _, field := range []**string{&rec.Author, &rec.Body, &rec.URL} {
		if *field != nil {
			s := stripNUL(**field)
			*field = &s
		}
	}
	payload, err := stripNULJSON(rec.Payload)
	if err != nil {
		return rec, err
	}
	rec.Payload = payload
	return rec, nil
}

func stripNUL(s string) string {
	if strings.IndexByte(s, 0) < 0 {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// stripNULJSON removes NUL from every string and key in raw. Documents that
// cannot contain one are returned untouched.
func stripNULJSON(raw json.RawMessage) (json.RawMessage, error) {
	if !bytes.Contains(raw, escapedNUL) {
		return raw, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(stripNULValue(v))
}

func stripNULValue(v any) any {
	switch t := v.(type) {
	case string:
		return stripNUL(t)
	case []any:
		for i, el := range t {
			t[i] = stripNULValue(el)
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[stripNUL(k)] = stripNULValue(el)
		}
		return out
	}
	return v
}
