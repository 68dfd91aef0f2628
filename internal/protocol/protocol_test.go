package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/protocol"
)

func TestMessage_OmitsUnusedFields(t *testing.T) {
	data, err := json.Marshal(protocol.Join("org_all", "case_1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"join","topics":["org_all","case_1"]}`, string(data))

	data, err = json.Marshal(protocol.Ping(3))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping","seq":3}`, string(data))
}

func TestMessage_DecodeEvent(t *testing.T) {
	raw := `{"type":"event","event":{"entityClass":"runner","operation":"deactivated","entityId":"r9","watermark":12}}`

	var msg protocol.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	assert.Equal(t, protocol.TypeEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, changefeed.OpDeactivated, msg.Event.Operation)
	assert.Equal(t, int64(12), msg.Event.Watermark)
}

func TestErrorOf(t *testing.T) {
	msg := protocol.ErrorOf(protocol.CodeInvalidTopic, "nope")
	require.NotNil(t, msg.Error)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.CodeInvalidTopic, msg.Error.Code)
}
