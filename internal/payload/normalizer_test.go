package payload

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestNormalizeGzipIgnoresDeclaredEncoding(t *testing.T) {
	raw := gz(t, `[{"id":"1"},{"id":"2"}]`)
	n := NewNormalizer(0)

	for _, encodingHeader := range []string{"", "identity", "br", "gzip"} {
		t.Run("content-encoding="+encodingHeader, func(t *testing.T) {
			batch, err := n.Normalize(raw, Meta{ContentEncoding: encodingHeader, ContentType: "application/json"})
			require.NoError(t, err)
			assert.True(t, batch.Compressed)
			assert.Equal(t, FormatArray, batch.Format)
			require.Len(t, batch.Items, 2)
			id, ok := batch.Items[1].String("id")
			assert.True(t, ok)
			assert.Equal(t, "2", id)
		})
	}
}

func TestNormalizeGzipHeaderOverPlainBody(t *testing.T) {
	batch, err := NewNormalizer(0).Normalize([]byte(`{"id":"7"}`), Meta{ContentEncoding: "gzip"})
	require.NoError(t, err)
	assert.False(t, batch.Compressed)
	require.Len(t, batch.Items, 1)
}

func TestNormalizeWrapsSingleObject(t *testing.T) {
	batch, err := NewNormalizer(0).Normalize([]byte(`{"id": 12345678901234567890, "text": "hi"}`), Meta{})
	require.NoError(t, err)
	assert.Equal(t, FormatObject, batch.Format)
	require.Len(t, batch.Items, 1)
	assert.Nil(t, batch.Envelope)

	id, ok := batch.Items[0].String("id")
	assert.True(t, ok)
	assert.Equal(t, "12345678901234567890", id, "large ids must survive decoding")
}

func TestNormalizeEnvelope(t *testing.T) {
	body := `{"snapshot_id":"s_1","status":"ready","data":[{"id":"a"},{"id":"b"}]}`
	batch, err := NewNormalizer(0).Normalize([]byte(body), Meta{})
	require.NoError(t, err)
	assert.Equal(t, FormatEnvelope, batch.Format)
	require.Len(t, batch.Items, 2)
	sid, _ := batch.Envelope.String("snapshot_id")
	assert.Equal(t, "s_1", sid)
	assert.False(t, batch.Envelope.Has("data"))
}

func TestNormalizeJSONLines(t *testing.T) {
	body := "{\"id\":\"1\"}\n{\"id\":\"2\"}\n\n{\"id\":\"3\"}\n"
	batch, err := NewNormalizer(0).Normalize([]byte(body), Meta{})
	require.NoError(t, err)
	assert.Equal(t, FormatLines, batch.Format)
	assert.Len(t, batch.Items, 3)
}

func TestNormalizeSkipsNonObjectElements(t *testing.T) {
	n := NewNormalizer(0)

	t.Run("array", func(t *testing.T) {
		batch, err := n.Normalize([]byte(`[{"id":"p1","text":"hello"}, null, 7, {"id":"p2"}]`), Meta{})
		require.NoError(t, err)
		assert.Equal(t, FormatArray, batch.Format)
		assert.Len(t, batch.Items, 2)
		assert.Equal(t, 2, batch.Rejected)
	})

	t.Run("array of scalars only", func(t *testing.T) {
		batch, err := n.Normalize([]byte(`[1,2,3]`), Meta{})
		require.NoError(t, err)
		assert.Empty(t, batch.Items)
		assert.Equal(t, 3, batch.Rejected)
	})

	t.Run("broken jsonl line", func(t *testing.T) {
		body := "{\"id\":\"a\"}\n{\"id\":\n{\"id\":\"c\"}\n"
		batch, err := n.Normalize([]byte(body), Meta{})
		require.NoError(t, err)
		assert.Equal(t, FormatLines, batch.Format)
		require.Len(t, batch.Items, 2)
		assert.Equal(t, 1, batch.Rejected)
		id, _ := batch.Items[1].String("id")
		assert.Equal(t, "c", id)
	})

	t.Run("scalar jsonl line", func(t *testing.T) {
		batch, err := n.Normalize([]byte("{\"id\":\"a\"}\nnull\n"), Meta{})
		require.NoError(t, err)
		assert.Len(t, batch.Items, 1)
		assert.Equal(t, 1, batch.Rejected)
	})

	t.Run("broken pretty-printed document", func(t *testing.T) {
		_, err := n.Normalize([]byte("{\n  \"id\": \"a\",\n"), Meta{})
		var de *DecodeError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, StageParse, de.Stage)
	})
}

func TestNormalizeEnvelopeGuards(t *testing.T) {
	n := NewNormalizer(0, "post_id", "id")

	t.Run("record with an empty list field", func(t *testing.T) {
		batch, err := n.Normalize([]byte(`{"id":"p9","text":"hi","data":[]}`), Meta{})
		require.NoError(t, err)
		assert.Equal(t, FormatObject, batch.Format)
		require.Len(t, batch.Items, 1)
		id, _ := batch.Items[0].String("id")
		assert.Equal(t, "p9", id)
	})

	t.Run("record with a list of objects", func(t *testing.T) {
		batch, err := n.Normalize([]byte(`{"post_id":"p1","items":[{"sku":"a"}]}`), Meta{})
		require.NoError(t, err)
		assert.Equal(t, FormatObject, batch.Format)
		assert.Nil(t, batch.Envelope)
	})

	t.Run("wrapper without records", func(t *testing.T) {
		batch, err := n.Normalize([]byte(`{"snapshot_id":"s_1","data":[]}`), Meta{})
		require.NoError(t, err)
		assert.Equal(t, FormatObject, batch.Format)
		assert.Len(t, batch.Items, 1)
	})

	t.Run("wrapper skips scalar elements", func(t *testing.T) {
		batch, err := n.Normalize([]byte(`{"snapshot_id":"s_1","results":[{"id":"a"},null]}`), Meta{})
		require.NoError(t, err)
		assert.Equal(t, FormatEnvelope, batch.Format)
		assert.Len(t, batch.Items, 1)
		assert.Equal(t, 1, batch.Rejected)
	})
}

func TestNormalizeDeclaredCharsetFallback(t *testing.T) {
	n := NewNormalizer(0)

	t.Run("latin1 bytes decoded through declared charset", func(t *testing.T) {
		batch, err := n.Normalize([]byte("{\"text\":\"caf\xe9\"}"), Meta{ContentType: "application/json; charset=iso-8859-1"})
		require.NoError(t, err)
		text, _ := batch.Items[0].String("text")
		assert.Equal(t, "café", text)
	})

	t.Run("utf-8 bytes under a wrong declaration", func(t *testing.T) {
		batch, err := n.Normalize([]byte(`{"text":"café"}`), Meta{ContentType: "application/json; charset=iso-8859-1"})
		require.NoError(t, err)
		text, _ := batch.Items[0].String("text")
		assert.Equal(t, "café", text)
		assert.Equal(t, "utf-8", batch.Charset)
	})

	t.Run("unknown charset label with utf-8 bytes", func(t *testing.T) {
		_, err := n.Normalize([]byte(`{"text":"ok"}`), Meta{ContentType: "application/json; charset=made-up"})
		require.NoError(t, err)
	})

	t.Run("utf-8 bytes labelled utf-16", func(t *testing.T) {
		batch, err := n.Normalize([]byte(`{"id":"p1","text":"hello"}`), Meta{ContentType: "application/json; charset=utf-16"})
		require.NoError(t, err)
		assert.Equal(t, "utf-8", batch.Charset)
		text, _ := batch.Items[0].String("text")
		assert.Equal(t, "hello", text)
	})

	t.Run("utf-16le without bom", func(t *testing.T) {
		var raw []byte
		for _, c := range []byte(`{"id":"p1"}`) {
			raw = append(raw, c, 0)
		}
		batch, err := n.Normalize(raw, Meta{ContentType: "application/json; charset=utf-16le"})
		require.NoError(t, err)
		assert.Equal(t, "utf-16le", batch.Charset)
		id, _ := batch.Items[0].String("id")
		assert.Equal(t, "p1", id)
	})

	t.Run("bom is stripped", func(t *testing.T) {
		batch, err := n.Normalize(append([]byte{0xef, 0xbb, 0xbf}, []byte(`{"id":"1"}`)...), Meta{})
		require.NoError(t, err)
		assert.Len(t, batch.Items, 1)
	})
}

func TestNormalizeErrorStages(t *testing.T) {
	n := NewNormalizer(0)
	cases := []struct {
		name  string
		raw   []byte
		meta  Meta
		stage Stage
	}{
		{"truncated gzip", []byte{0x1f, 0x8b, 0x08, 0x00, 0x01}, Meta{}, StageDecompress},
		{"invalid utf-8 without charset", []byte("{\"text\":\"\xff\xfd\"}"), Meta{}, StageText},
		{"not json", []byte("<html>nope</html>"), Meta{}, StageParse},
		{"empty body", []byte("   "), Meta{}, StageParse},
		{"jsonl without any object", []byte("1\n2\n3"), Meta{}, StageParse},
		{"scalar", []byte(`"hello"`), Meta{}, StageParse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.Normalize(tc.raw, tc.meta)
			require.Error(t, err)
			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tc.stage, de.Stage)
			assert.NotNil(t, de.Cause)
		})
	}
}

func TestNormalizeDecompressedLimit(t *testing.T) {
	raw := gz(t, `[{"id":"`+string(bytes.Repeat([]byte("x"), 2048))+`"}]`)
	_, err := NewNormalizer(1024).Normalize(raw, Meta{})
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, StageDecompress, de.Stage)
}

func TestItemAccessors(t *testing.T) {
	it := Item{
		"likes":    json.Number("42"),
		"views":    "1,204",
		"ratio":    json.Number("3.7"),
		"posted":   "2024-05-01T10:00:00Z",
		"epoch_ms": json.Number("1714557600000"),
		"meta":     map[string]any{"snapshot_id": "s_9"},
		"blank":    "   ",
		"test":     "yes",
	}

	n, ok := it.Int64("likes")
	assert.True(t, ok)
	assert.EqualValues(t, 42, n)

	n, ok = it.Int64("views")
	assert.True(t, ok)
	assert.EqualValues(t, 1204, n)

	n, ok = it.Int64("ratio")
	assert.True(t, ok)
	assert.EqualValues(t, 3, n)

	n, ok = Item{"huge": json.Number("1e30")}.Int64("huge")
	assert.True(t, ok)
	assert.EqualValues(t, math.MaxInt64, n)

	n, ok = Item{"huge": json.Number("-1e30")}.Int64("huge")
	assert.True(t, ok)
	assert.EqualValues(t, math.MinInt64, n)

	n, ok = Item{"f": 9.3e18}.Int64("f")
	assert.True(t, ok)
	assert.EqualValues(t, math.MaxInt64, n)

	ts, ok := it.Time("posted")
	assert.True(t, ok)
	assert.Equal(t, 2024, ts.Year())

	ts, ok = it.Time("epoch_ms")
	assert.True(t, ok)
	assert.Equal(t, int64(1714557600), ts.Unix())

	meta, ok := it.Map("meta")
	require.True(t, ok)
	sid, _ := meta.String("snapshot_id")
	assert.Equal(t, "s_9", sid)

	_, ok = it.String("blank")
	assert.False(t, ok)

	v, key, ok := it.First("missing", "blank", "likes")
	assert.True(t, ok)
	assert.Equal(t, "likes", key)
	assert.Equal(t, "42", v)

	assert.True(t, it.Bool("test"))
	assert.False(t, it.Bool("missing"))
}
