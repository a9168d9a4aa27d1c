package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	name, args, err := parseFrame([]byte(`["ping", 5]`))
	require.NoError(t, err)
	assert.Equal(t, "ping", name)
	assert.Len(t, args, 1)
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	cases := []string{
		`{"not": "an array"}`,
		`[]`,
		`[5, "name first"]`,
		`not json`,
	}
	for _, c := range cases {
		_, _, err := parseFrame([]byte(c))
		assert.Error(t, err, c)
	}
}

func TestParseConnect(t *testing.T) {
	frame := []byte(`["connect", 4, "10:uuid", 0, {"subprotocol": "1.0.0", "credentials": "token"}]`)
	name, args, err := parseFrame(frame)
	require.NoError(t, err)
	require.Equal(t, frameConnect, name)

	version, nodeID, opts, err := parseConnect(args)
	require.NoError(t, err)
	assert.Equal(t, 4, version)
	assert.Equal(t, "10:uuid", nodeID)
	assert.Equal(t, "1.0.0", opts.Subprotocol)
	assert.Equal(t, "token", opts.Credentials)
}

func TestParseConnectWithoutOptions(t *testing.T) {
	_, args, err := parseFrame([]byte(`["connect", 4, "10:uuid"]`))
	require.NoError(t, err)
	version, nodeID, opts, err := parseConnect(args)
	require.NoError(t, err)
	assert.Equal(t, 4, version)
	assert.Equal(t, "10:uuid", nodeID)
	assert.Empty(t, opts.Subprotocol)
}

func TestParseSync(t *testing.T) {
	frame := []byte(`["sync", 2,
		{"type": "A", "value": 1}, {"id": "1 10:uuid 0", "time": 1},
		{"type": "B"}, {"id": "2 10:uuid 0", "time": 2}]`)
	_, args, err := parseFrame(frame)
	require.NoError(t, err)

	synced, entries, err := parseSync(args)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), synced)
	require.Len(t, entries, 2)
	assert.Equal(t, "A", entries[0].Action.Type())
	assert.Equal(t, "1 10:uuid 0", entries[0].Meta.ID)
	assert.Equal(t, int64(2), entries[1].Meta.Time)
}

func TestParseSyncRejectsUnpairedAction(t *testing.T) {
	_, args, err := parseFrame([]byte(`["sync", 1, {"type": "A"}]`))
	require.NoError(t, err)
	_, _, err = parseSync(args)
	assert.Error(t, err)
}

func TestMarshalFrame(t *testing.T) {
	data, err := marshalFrame(frameError, "wrong-format", "oops")
	require.NoError(t, err)
	assert.JSONEq(t, `["error", "wrong-format", "oops"]`, string(data))
}
