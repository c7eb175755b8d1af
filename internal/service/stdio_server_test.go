package service

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryosec/keybroker/pkg/channel"
	"github.com/cryosec/keybroker/pkg/protocol"
)

// runServer serves over in-memory pipes and returns the client ends.
func runServer(t *testing.T) (io.WriteCloser, *bufio.Scanner) {
	t.Helper()

	reqReader, reqWriter := io.Pipe()
	replyReader, replyWriter := io.Pipe()

	srv := NewStdioServer(NewDispatcher(NewVault("test", nil), protocol.TierComplete, "test"), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(context.Background(), reqReader, replyWriter)
		replyWriter.Close()
	}()
	t.Cleanup(func() {
		reqWriter.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})

	scanner := bufio.NewScanner(replyReader)
	scanner.Buffer(make([]byte, initialScanSize), maxRequestSize)
	return reqWriter, scanner
}

func writeRequest(t *testing.T, w io.Writer, id, op string, payload any) {
	t.Helper()

	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	line, err := channel.EncodeRequest(channel.RequestEnvelope{ID: id, Op: op, Payload: raw})
	require.NoError(t, err)
	_, err = w.Write(append(line, '\n'))
	require.NoError(t, err)
}

func readReply(t *testing.T, scanner *bufio.Scanner) channel.ReplyEnvelope {
	t.Helper()
	require.True(t, scanner.Scan(), "expected a reply line: %v", scanner.Err())
	env, err := channel.DecodeReply(scanner.Bytes())
	require.NoError(t, err)
	return env
}

func TestStdioServer_PingAndEcho(t *testing.T) {
	in, out := runServer(t)

	writeRequest(t, in, "c1", protocol.OpPing, nil)
	reply := readReply(t, out)
	assert.Equal(t, "c1", reply.ID)
	require.Nil(t, reply.Error)

	var ping protocol.PingResponse
	require.NoError(t, json.Unmarshal(reply.Payload, &ping))
	assert.Equal(t, protocol.TierComplete, ping.Tier)
}

func TestStdioServer_ErrorReply(t *testing.T) {
	in, out := runServer(t)

	writeRequest(t, in, "c2", protocol.OpEncrypt, protocol.CipherRequest{Data: []byte("x")})
	reply := readReply(t, out)
	assert.Equal(t, "c2", reply.ID)
	require.NotNil(t, reply.Error)
	assert.Equal(t, "item_not_found", reply.Error.Code)
}

func TestStdioServer_SkipsMalformedLines(t *testing.T) {
	in, out := runServer(t)

	_, err := in.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	// The server keeps serving after garbage.
	writeRequest(t, in, "c3", protocol.OpStatus, nil)
	reply := readReply(t, out)
	assert.Equal(t, "c3", reply.ID)
	require.Nil(t, reply.Error)
}

func TestStdioServer_ConcurrentRequests(t *testing.T) {
	in, out := runServer(t)

	const n = 8
	for i := 0; i < n; i++ {
		writeRequest(t, in, string(rune('a'+i)), protocol.OpPing, nil)
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		reply := readReply(t, out)
		require.Nil(t, reply.Error)
		seen[reply.ID] = true
	}
	assert.Len(t, seen, n, "every call answered exactly once, any order")
}
