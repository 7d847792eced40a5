package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-puppeteer/internal/config"
	"github.com/e7canasta/orion-puppeteer/internal/emitter/mqtttest"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Topics: config.MQTTTopics{
			Control:   "puppet/control/test",
			Responses: "puppet/control/test/responses",
		},
		QoS: map[string]byte{"control": 1},
	}
}

func responses(t *testing.T, client *mqtttest.Client, n int) []Response {
	t.Helper()
	require.Eventually(t, func() bool { return len(client.Published()) >= n }, time.Second, 5*time.Millisecond)

	var out []Response
	for _, m := range client.Published() {
		var r Response
		require.NoError(t, json.Unmarshal(m.Body, &r))
		out = append(out, r)
	}
	return out
}

// TestSetSource validates the runtime source switch command.
//
// Scenario:
//  1. set_source with a uri reaches the callback and acks success
//  2. set_source without a uri is rejected before the callback
//  3. a failing callback is reported as an error response
func TestSetSource(t *testing.T) {
	client := mqtttest.NewClient()
	var got []string
	h := NewHandler(testConfig(), client, CommandCallbacks{
		OnSetSource: func(uri string) error {
			got = append(got, uri)
			if uri == "file:///missing.mp4" {
				return errors.New("no such file")
			}
			return nil
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))
	defer h.Stop()
	require.True(t, client.Subscribed("puppet/control/test"))

	client.Deliver("puppet/control/test", []byte(`{"command":"set_source","params":{"uri":"file:///b.mp4"}}`))
	client.Deliver("puppet/control/test", []byte(`{"command":"set_source","params":{}}`))
	client.Deliver("puppet/control/test", []byte(`{"command":"set_source","params":{"uri":"file:///missing.mp4"}}`))

	rs := responses(t, client, 3)
	require.Len(t, rs, 3)

	assert.Equal(t, "success", rs[0].Status)
	assert.Equal(t, "file:///b.mp4", rs[0].Data["uri"])
	assert.Equal(t, "error", rs[1].Status)
	assert.Contains(t, rs[1].Error, "uri")
	assert.Equal(t, "no such file", rs[2].Error)

	assert.Equal(t, []string{"file:///b.mp4", "file:///missing.mp4"}, got)
	assert.Equal(t, uint64(2), h.Stats().Failed)

	t.Logf("✅ set_source handled: %v", got)
}

func TestInvalidAndUnknownCommands(t *testing.T) {
	client := mqtttest.NewClient()
	h := NewHandler(testConfig(), client, CommandCallbacks{
		OnGetStatus: func() map[string]interface{} { return map[string]interface{}{"state": "active"} },
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))

	client.Deliver("puppet/control/test", []byte(`not json`))
	rs := responses(t, client, 1)
	assert.Equal(t, "unknown", rs[0].CommandAck)

	client.Deliver("puppet/control/test", []byte(`{"command":"dance"}`))
	client.Deliver("puppet/control/test", []byte(`{"command":"get_status"}`))
	rs = responses(t, client, 3)
	assert.Contains(t, rs[1].Error, "unknown command")
	assert.Equal(t, "active", rs[2].Data["state"])
	assert.NotEmpty(t, rs[2].Timestamp)

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop(), "stop is idempotent")
	assert.False(t, client.Subscribed("puppet/control/test"))

	st := h.Stats()
	assert.Equal(t, uint64(1), st.Invalid)
	assert.Equal(t, uint64(2), st.Received)
}
