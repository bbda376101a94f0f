package stream

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbaresearch/moatt-go/internal/wire"
)

// writeInChunks writes b to conn split into pieces of size chunkSize, with
// a small delay between writes, to exercise ReadExactly's accumulation
// loop regardless of how the peer happens to chunk the underlying bytes.
func writeInChunks(t *testing.T, conn net.Conn, b []byte, chunkSize int) {
	t.Helper()
	for len(b) > 0 {
		n := chunkSize
		if n > len(b) {
			n = len(b)
		}
		_, err := conn.Write(b[:n])
		require.NoError(t, err)
		b = b[n:]
		time.Sleep(time.Millisecond)
	}
}

func TestReadExactlyAssemblesArbitraryChunking(t *testing.T) {
	for _, chunkSize := range []int{1, 3, 7, 64} {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()

		payload := make([]byte, 200)
		for i := range payload {
			payload[i] = byte(i)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			writeInChunks(t, client, payload, chunkSize)
		}()

		s := New(server)
		got, err := s.ReadExactly(len(payload))
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		<-done
	}
}

func TestReadExactlyReturnsEOFOnEarlyClose(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		client.Write([]byte{1, 2, 3})
		client.Close()
	}()

	s := New(server)
	_, err := s.ReadExactly(10)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteAllWritesEverything(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s := New(server)
		require.NoError(t, s.WriteAll(payload))
	}()

	buf := make([]byte, len(payload))
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
	<-done
}

func TestCloseIsIdempotentAndUnblocksReaders(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	s := New(server)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	_, err := s.ReadExactly(1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadApduPacketRoundTripsThroughStream(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p, err := wire.NewApduPacket(wire.ApduOpApdu, []byte("payload"))
	require.NoError(t, err)

	go func() {
		writeInChunks(t, client, p.Encode(), 4)
	}()

	s := New(server)
	got, err := ReadApduPacket(s)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestReadConnectRequestHandlesBothIdentifierLengths(t *testing.T) {
	imsi, err := wire.NewImsi("123456789")
	require.NoError(t, err)
	iccid, err := wire.NewIccid("1234567890123456")
	require.NoError(t, err)

	for _, req := range []wire.ConnectRequest{
		{Identifier: wire.NewSimIdentifierImsi(imsi)},
		{Identifier: wire.NewSimIdentifierIccid(iccid)},
	} {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()

		encoded := req.Encode()
		go func() {
			writeInChunks(t, client, encoded, 2)
		}()

		s := New(server)
		got, err := ReadConnectRequest(s)
		require.NoError(t, err)
		assert.Equal(t, req.Identifier.String(), got.Identifier.String())
		assert.Equal(t, req.Identifier.IdentifierType(), got.Identifier.IdentifierType())
	}
}
