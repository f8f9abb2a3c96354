package atlas

import (
	"context"
	"testing"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlaskv/atlas-go/wire"
)

// scanRecordFrame builds one stream message echoing the record's digest.
func scanRecordFrame(key *Key, bins []respBin) []byte {
	fields := []respField{
		{typ: wire.FieldDigest, data: key.Digest()},
	}
	return buildResponseFrame(uint8(wire.ResultOK), 0, 1, 0, fields, bins)
}

func collectResults(t *testing.T, rs *Recordset) ([]*Record, error) {
	t.Helper()
	var records []*Record
	timeout := time.After(5 * time.Second)
	for {
		select {
		case result, ok := <-rs.Results():
			if !ok {
				return records, nil
			}
			if result.Err != nil {
				return records, result.Err
			}
			records = append(records, result.Record)
		case <-timeout:
			t.Fatal("recordset never finished")
		}
	}
}

func TestScanStreamsAllRecords(t *testing.T) {
	server, cluster, _ := executorFixture(t)

	keys := batchKeys(t, 3)
	server.setHandler(func(body []byte) [][]byte {
		frames := make([][]byte, 0, len(keys)+1)
		for i, key := range keys {
			frames = append(frames, scanRecordFrame(key,
				[]respBin{{name: "n", particle: wire.ParticleInteger, value: int64Particle(int64(i))}}))
		}
		return append(frames, lastFrame())
	})

	rs, err := cluster.scan(context.Background(), NewScanPolicy(), "test", "users")
	require.NoError(t, err)

	records, err := collectResults(t, rs)
	require.NoError(t, err)
	require.Len(t, records, 3)

	for i, record := range records {
		assert.Equal(t, keys[i].Digest(), record.Key.Digest())
		assert.Equal(t, "test", record.Key.Namespace)
		assert.Equal(t, "users", record.Key.SetName)
		assert.Equal(t, intBin(int64(i)), record.Bins["n"])
	}
}

func TestScanHeaderOnly(t *testing.T) {
	server, cluster, _ := executorFixture(t)
	key := batchKeys(t, 1)[0]

	var sawNoBinData bool
	server.setHandler(func(body []byte) [][]byte {
		sawNoBinData = body[1]&wire.Info1NoBinData != 0
		return [][]byte{scanRecordFrame(key, nil), lastFrame()}
	})

	policy := NewScanPolicy()
	policy.IncludeBinData = false
	rs, err := cluster.scan(context.Background(), policy, "test", "")
	require.NoError(t, err)

	records, err := collectResults(t, rs)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, sawNoBinData)
	assert.Empty(t, records[0].Bins)
}

func TestScanCloseAbandonsStream(t *testing.T) {
	server, cluster, _ := executorFixture(t)
	key := batchKeys(t, 1)[0]

	// More records than the queue holds, so the producer is still
	// blocked on the channel when the consumer walks away.
	server.setHandler(func(body []byte) [][]byte {
		frames := make([][]byte, 0, 65)
		for i := 0; i < 64; i++ {
			frames = append(frames, scanRecordFrame(key, nil))
		}
		return append(frames, lastFrame())
	})

	policy := NewScanPolicy()
	policy.RecordQueueSize = 2
	rs, err := cluster.scan(context.Background(), policy, "test", "")
	require.NoError(t, err)

	result, ok := <-rs.Results()
	require.True(t, ok)
	require.NoError(t, result.Err)
	rs.Close()

	// The channel must close promptly without the consumer draining it.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-rs.Results():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("results channel never closed after Close")
		}
	}
}

func TestScanPropagatesNodeError(t *testing.T) {
	server, cluster, _ := executorFixture(t)

	server.setHandler(func(body []byte) [][]byte {
		return [][]byte{buildResponseFrame(uint8(wire.ResultScanAbort), wire.Info3Last, 0, 0, nil, nil)}
	})

	rs, err := cluster.scan(context.Background(), NewScanPolicy(), "test", "")
	require.NoError(t, err)

	_, err = collectResults(t, rs)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, wire.ResultScanAbort, serverErr.Code)
}

func TestScanFansOutToAllNodes(t *testing.T) {
	serverA := newMockServer(t, "node-A")
	serverB := newMockServer(t, "node-B")
	serverA.setInfo("peers", serverB.addr())

	cluster := newTestCluster(t, testClientPolicy(), serverA.host())
	require.Eventually(t, func() bool {
		return len(cluster.Nodes()) == 2
	}, 3*time.Second, 20*time.Millisecond)

	key := batchKeys(t, 1)[0]
	perNode := func(bin string) func(body []byte) [][]byte {
		return func(body []byte) [][]byte {
			return [][]byte{
				scanRecordFrame(key, []respBin{{name: bin, particle: wire.ParticleInteger, value: int64Particle(1)}}),
				lastFrame(),
			}
		}
	}
	serverA.setHandler(perNode("a"))
	serverB.setHandler(perNode("b"))

	rs, err := cluster.scan(context.Background(), NewScanPolicy(), "test", "")
	require.NoError(t, err)

	records, err := collectResults(t, rs)
	require.NoError(t, err)
	require.Len(t, records, 2, "one record from each node")
	assert.EqualValues(t, 1, serverA.commands.Load())
	assert.EqualValues(t, 1, serverB.commands.Load())
}

func TestScanRequiresActiveNodes(t *testing.T) {
	cluster := &Cluster{policy: testClientPolicy(), nodes: xsync.NewMapOf[string, *Node]()}

	_, err := cluster.scan(context.Background(), NewScanPolicy(), "test", "")
	assert.ErrorIs(t, err, ErrNoAvailableNode)
}

func TestScanNodeCommandEncoding(t *testing.T) {
	policy := NewScanPolicy()
	cmd := &scanNodeCommand{
		streamCommand: streamCommand{
			policy:    &policy.BasePolicy,
			namespace: "test",
			setName:   "users",
		},
		scanPolicy: policy,
		taskID:     42,
	}

	hdr, body := parseRequest(t, encodeCommand(t, cmd))
	assert.Equal(t, uint8(wire.Info1Read|wire.Info1GetAll), hdr.Info1)
	assert.Equal(t, uint16(3), hdr.FieldCount)

	fields, rest := requestFields(t, body, hdr.FieldCount)
	assert.Equal(t, "test", string(fields[wire.FieldNamespace]))
	assert.Equal(t, "users", string(fields[wire.FieldSet]))
	assert.Len(t, fields[wire.FieldTaskID], 8)
	assert.Empty(t, rest)
}

func TestScanNodeCommandOmitsEmptySet(t *testing.T) {
	policy := NewScanPolicy()
	cmd := &scanNodeCommand{
		streamCommand: streamCommand{
			policy:    &policy.BasePolicy,
			namespace: "test",
		},
		scanPolicy: policy,
		taskID:     42,
	}

	hdr, body := parseRequest(t, encodeCommand(t, cmd))
	assert.Equal(t, uint16(2), hdr.FieldCount)
	fields, _ := requestFields(t, body, hdr.FieldCount)
	_, hasSet := fields[wire.FieldSet]
	assert.False(t, hasSet)
}

func TestStreamRecordEchoesUserKey(t *testing.T) {
	server, cluster, _ := executorFixture(t)

	key, err := NewKey("test", "users", "alice")
	require.NoError(t, err)

	userKey := append([]byte{uint8(wire.ParticleString)}, []byte("alice")...)
	server.setHandler(func(body []byte) [][]byte {
		fields := []respField{
			{typ: wire.FieldDigest, data: key.Digest()},
			{typ: wire.FieldSet, data: []byte("users")},
			{typ: wire.FieldUserKey, data: userKey},
		}
		return [][]byte{
			buildResponseFrame(uint8(wire.ResultOK), 0, 1, 0, fields, nil),
			lastFrame(),
		}
	})

	rs, err := cluster.scan(context.Background(), NewScanPolicy(), "test", "")
	require.NoError(t, err)
	records, err := collectResults(t, rs)
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0].Key
	assert.Equal(t, "users", got.SetName)
	assert.Equal(t, wire.ParticleString, got.UserKey.Type)
	assert.Equal(t, []byte("alice"), got.UserKey.Bytes)
}
