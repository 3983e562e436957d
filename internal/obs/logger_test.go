package obs

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONOutsideDev(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("prod", &buf)
	logger.Info("message created", "conversation_id", "c1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "message created", line["msg"])
	assert.Equal(t, "c1", line["conversation_id"])
}

func TestNewLoggerDevIsHumanReadable(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("dev", &buf)
	logger.Debug("typing", "actor_id", "u1")

	assert.Contains(t, buf.String(), "typing")
	assert.False(t, json.Valid(buf.Bytes()))
}
