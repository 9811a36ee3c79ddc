package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLogger_Levels_WriteExpectedOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug", "text")
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Info(ctx, "inf", "b", 2)
	log.Warn(ctx, "wrn", "c", 3)
	log.Error(ctx, "err", "d", 4)

	out := buf.String()
	for _, want := range []string{
		"level=DEBUG", "msg=dbg", "a=1",
		"level=INFO", "msg=inf", "b=2",
		"level=WARN", "msg=wrn", "c=3",
		"level=ERROR", "msg=err", "d=4",
	} {
		assert.Contains(t, out, want)
	}
}

func TestSlogLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "text")

	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestSlogLogger_With_AddsAttributesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "json").With("req_id", "123")
	log.Info(context.Background(), "hello", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "123", line["req_id"])
	assert.Equal(t, "v", line["k"])
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "al***@example.com", MaskEmail("alice@example.com"))
	assert.Equal(t, "**@example.com", MaskEmail("al@example.com"))
	assert.Equal(t, "no******", MaskEmail("nodomain"))
	assert.Equal(t, "****", MaskEmail("x"))

	masked := MaskEmail("žžluťoučký@example.cz")
	assert.Equal(t, "žž********@example.cz", masked)
	assert.True(t, utf8.ValidString(masked))
	assert.Equal(t, "**@example.com", MaskEmail("é@example.com"))
}
