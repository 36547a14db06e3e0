package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestLoggerWritesJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithFields(map[string]interface{}{
		"provider_id": "p1",
		"protocol":    "oidc",
	}).WithError(errors.New("boom")).Warn("callback rejected")

	line := decodeLine(t, &buf)
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "callback rejected", line["msg"])
	assert.Equal(t, "p1", line["provider_id"])
	assert.Equal(t, "oidc", line["protocol"])
	assert.Equal(t, "boom", line["error"])
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WarnLevel, &buf)

	logger.Info("dropped")
	assert.Equal(t, 0, buf.Len())

	logger.Errorf("kept %d", 1)
	assert.Contains(t, buf.String(), "kept 1")
}

func TestWithErrorNil(t *testing.T) {
	logger := NewNopLogger()
	assert.Same(t, logger, logger.WithError(nil))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLogLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLogLevel("warn"))
	assert.Equal(t, ErrorLevel, ParseLogLevel("error"))
	assert.Equal(t, InfoLevel, ParseLogLevel("info"))
	assert.Equal(t, InfoLevel, ParseLogLevel("bogus"))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(InfoLevel, &buf))
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithUserID(ctx, "user-1")

	FromContext(ctx).Info("hello")

	line := decodeLine(t, &buf)
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "user-1", line["user_id"])
}

func TestContextAccessorsEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetUserID(ctx))
	assert.NotNil(t, GetLogger(ctx))
}
