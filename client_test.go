package atlas

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlaskv/atlas-go/wire"
)

func newTestClient(t *testing.T, server *mockServer) *Client {
	t.Helper()
	client, err := NewClient(testClientPolicy(), server.host())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestClientGet(t *testing.T) {
	server := newMockServer(t, "node-A")
	client := newTestClient(t, server)

	server.setHandler(func(body []byte) [][]byte {
		return [][]byte{buildResponseFrame(uint8(wire.ResultOK), 0, 3, 600, nil,
			[]respBin{
				{name: "name", particle: wire.ParticleString, value: []byte("alice")},
				{name: "age", particle: wire.ParticleInteger, value: int64Particle(30)},
			})}
	})

	key, err := NewKey("test", "users", "alice")
	require.NoError(t, err)

	record, err := client.Get(context.Background(), nil, key)
	require.NoError(t, err)
	assert.Equal(t, Value{Type: wire.ParticleString, Bytes: []byte("alice")}, record.Bins["name"])
	assert.Equal(t, intBin(30), record.Bins["age"])
	assert.EqualValues(t, 3, record.Generation)
	assert.EqualValues(t, 600, record.Expiration)
}

func TestClientGetMissingRecord(t *testing.T) {
	server := newMockServer(t, "node-A")
	client := newTestClient(t, server)

	server.setHandler(func(body []byte) [][]byte {
		return errorFrame(wire.ResultKeyNotFound)
	})

	key, err := NewKey("test", "users", "nobody")
	require.NoError(t, err)

	_, err = client.Get(context.Background(), nil, key)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, wire.ResultKeyNotFound, serverErr.Code)
}

func TestClientPutAndDelete(t *testing.T) {
	server := newMockServer(t, "node-A")
	client := newTestClient(t, server)

	key, err := NewKey("test", "users", "alice")
	require.NoError(t, err)

	require.NoError(t, client.Put(context.Background(), nil, key, NewBin("name", "alice")))

	existed, err := client.Delete(context.Background(), nil, key)
	require.NoError(t, err)
	assert.True(t, existed)

	// Deleting a missing record reports existed=false instead of erroring.
	server.setHandler(func(body []byte) [][]byte {
		return errorFrame(wire.ResultKeyNotFound)
	})
	existed, err = client.Delete(context.Background(), nil, key)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestClientExists(t *testing.T) {
	server := newMockServer(t, "node-A")
	client := newTestClient(t, server)

	key, err := NewKey("test", "users", "alice")
	require.NoError(t, err)

	exists, err := client.Exists(context.Background(), nil, key)
	require.NoError(t, err)
	assert.True(t, exists)

	server.setHandler(func(body []byte) [][]byte {
		return errorFrame(wire.ResultKeyNotFound)
	})
	exists, err = client.Exists(context.Background(), nil, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClientOperate(t *testing.T) {
	server := newMockServer(t, "node-A")
	client := newTestClient(t, server)

	server.setHandler(func(body []byte) [][]byte {
		return [][]byte{buildResponseFrame(uint8(wire.ResultOK), 0, 2, 0, nil,
			[]respBin{{name: "visits", particle: wire.ParticleInteger, value: int64Particle(6)}})}
	})

	key, err := NewKey("test", "users", "alice")
	require.NoError(t, err)

	record, err := client.Operate(context.Background(), nil, key,
		AddBinOp(NewBin("visits", int64(1))), GetBinOp("visits"))
	require.NoError(t, err)
	assert.Equal(t, intBin(6), record.Bins["visits"])
}

func TestClientBatchGet(t *testing.T) {
	server := newMockServer(t, "node-A")
	client := newTestClient(t, server)
	keys := batchKeys(t, 2)

	server.setHandler(func(body []byte) [][]byte {
		return [][]byte{
			buildResponseFrame(uint8(wire.ResultOK), 0, 1, 0,
				[]respField{batchIndexField(0)},
				[]respBin{{name: "n", particle: wire.ParticleInteger, value: int64Particle(0)}}),
			lastFrame(),
		}
	})

	records, err := client.BatchGet(context.Background(), nil, keys)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NotNil(t, records[0])
	assert.Nil(t, records[1])

	exists, err := client.BatchExists(context.Background(), nil, keys)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, exists)
}

func TestClientScanAndQuery(t *testing.T) {
	server := newMockServer(t, "node-A")
	client := newTestClient(t, server)
	key := batchKeys(t, 1)[0]

	server.setHandler(func(body []byte) [][]byte {
		return [][]byte{scanRecordFrame(key, nil), lastFrame()}
	})

	rs, err := client.Scan(context.Background(), nil, "test", "users")
	require.NoError(t, err)
	records, err := collectResults(t, rs)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	rs, err = client.Query(context.Background(), nil, &Statement{Namespace: "test"})
	require.NoError(t, err)
	records, err = collectResults(t, rs)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestClientStatsCounters(t *testing.T) {
	server := newMockServer(t, "node-A")
	client := newTestClient(t, server)

	key, err := NewKey("test", "users", "alice")
	require.NoError(t, err)

	_, _ = client.Get(context.Background(), nil, key)
	_ = client.Put(context.Background(), nil, key, NewBin("n", int64(1)))
	_, _ = client.Delete(context.Background(), nil, key)

	stats := client.Stats()
	assert.EqualValues(t, 1, stats.Reads)
	assert.EqualValues(t, 1, stats.Writes)
	assert.EqualValues(t, 1, stats.Deletes)
	assert.EqualValues(t, 0, stats.Errors)

	server.setHandler(func(body []byte) [][]byte {
		return errorFrame(wire.ResultParameterError)
	})
	_, err = client.Get(context.Background(), nil, key)
	require.Error(t, err)
	assert.EqualValues(t, 1, client.Stats().Errors)
}

func TestClientValueCodecRoundTrip(t *testing.T) {
	server := newMockServer(t, "node-A")
	client := newTestClient(t, server)

	encoded, err := client.EncodeValue("hello")
	require.NoError(t, err)
	assert.Equal(t, wire.ParticleString, encoded.Type)

	decoded, err := client.DecodeValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, "hello", decoded)
}

func TestClientRejectsInvalidPolicy(t *testing.T) {
	policy := NewClientPolicy()
	policy.MaxConnsPerNode = -1

	_, err := NewClient(policy, NewHost("127.0.0.1", 3000))
	assert.Error(t, err)
}

func TestClientIsConnected(t *testing.T) {
	server := newMockServer(t, "node-A")
	client := newTestClient(t, server)

	assert.True(t, client.IsConnected())
	client.Close()
	assert.False(t, client.IsConnected())
}
