package udp

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/WebFirstLanguage/kadnet/pkg/transport"
	"github.com/WebFirstLanguage/kadnet/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every request with a response of the same type and payload
func echoServer(t *testing.T, hits *atomic.Int32) *Transport {
	t.Helper()

	var tr *Transport
	self := kad.MustRandomID()
	handler := transport.HandlerFunc(func(msg *wire.Message, from netip.AddrPort) {
		if hits != nil {
			hits.Add(1)
		}
		_ = tr.SendResponse(from, msg.Reply(msg.Type, self, msg.Payload))
	})

	var err error
	tr, err = Listen("127.0.0.1:0", handler, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func silentServer(t *testing.T, hits *atomic.Int32) *Transport {
	t.Helper()

	tr, err := Listen("127.0.0.1:0", transport.HandlerFunc(func(*wire.Message, netip.AddrPort) {
		if hits != nil {
			hits.Add(1)
		}
	}), nil)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSendRequest_Answered(t *testing.T) {
	server := echoServer(t, nil)
	client := silentServer(t, nil)

	req := wire.NewRequest(wire.TypeFindNode, kad.MustRandomID(), []byte("payload"))
	ex, err := client.SendRequest(context.Background(), server.LocalAddr(), req, time.Second)
	require.NoError(t, err)
	require.True(t, ex.Answered())

	assert.Equal(t, wire.TypeFindNode, ex.Response.Type)
	assert.False(t, ex.Response.IsRequest)
	assert.Equal(t, ex.Request.Seq, ex.Response.Seq)
	assert.Equal(t, []byte("payload"), ex.Response.Payload)
	assert.NotZero(t, ex.Request.Seq)
}

func TestSendRequest_TimeoutIsNotAnError(t *testing.T) {
	server := silentServer(t, nil)
	client := silentServer(t, nil)

	start := time.Now()
	req := wire.NewRequest(wire.TypePing, kad.MustRandomID(), nil)
	ex, err := client.SendRequest(context.Background(), server.LocalAddr(), req, 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ex.Answered())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSendRequest_ContextCancelled(t *testing.T) {
	server := silentServer(t, nil)
	client := silentServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := wire.NewRequest(wire.TypePing, kad.MustRandomID(), nil)
	_, err := client.SendRequest(ctx, server.LocalAddr(), req, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendRequest_RejectsResponses(t *testing.T) {
	client := silentServer(t, nil)
	msg := &wire.Message{Type: wire.TypePing}
	_, err := client.SendRequest(context.Background(), client.LocalAddr(), msg, time.Second)
	assert.ErrorIs(t, err, kad.ErrInvalidInput)
}

func TestSendResponse_RejectsRequests(t *testing.T) {
	client := silentServer(t, nil)
	err := client.SendResponse(client.LocalAddr(), wire.NewRequest(wire.TypePing, kad.ID{}, nil))
	assert.ErrorIs(t, err, kad.ErrInvalidInput)
}

func TestConcurrentRequests(t *testing.T) {
	server := echoServer(t, nil)
	client := silentServer(t, nil)

	const n = 20
	results := make(chan *transport.Exchange, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			req := wire.NewRequest(wire.TypeStore, kad.MustRandomID(), []byte{byte(i)})
			ex, err := client.SendRequest(context.Background(), server.LocalAddr(), req, 2*time.Second)
			if err != nil {
				results <- nil
				return
			}
			results <- ex
		}(i)
	}

	for i := 0; i < n; i++ {
		ex := <-results
		require.True(t, ex.Answered())
		assert.Equal(t, ex.Request.Payload, ex.Response.Payload, "response matched to its own request")
	}
}

func TestMalformedDatagramIsDropped(t *testing.T) {
	var hits atomic.Int32
	server := echoServer(t, &hits)

	raw, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(server.LocalAddr()))
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	// The receive loop must survive and keep serving
	client := silentServer(t, nil)
	ex, err := client.SendRequest(context.Background(), server.LocalAddr(),
		wire.NewRequest(wire.TypePing, kad.MustRandomID(), nil), time.Second)
	require.NoError(t, err)
	assert.True(t, ex.Answered())
	assert.Equal(t, int32(1), hits.Load())
}

func TestDuplicateRequestDispatchedOnce(t *testing.T) {
	var hits atomic.Int32
	server := silentServer(t, &hits)

	raw, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(server.LocalAddr()))
	require.NoError(t, err)
	defer raw.Close()

	req := wire.NewRequest(wire.TypePing, kad.MustRandomID(), nil)
	req.Seq = 42
	data, err := req.Marshal()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = raw.Write(data)
		require.NoError(t, err)
	}

	req.Seq = 43
	data, err = req.Marshal()
	require.NoError(t, err)
	_, err = raw.Write(data)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return hits.Load() == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), hits.Load())
}

func TestSequenceWraps(t *testing.T) {
	tr := silentServer(t, nil)

	tr.seq.Store(0)
	assert.Equal(t, uint16(1), tr.nextSeq())

	tr.seq.Store(constants.MaxSeq - 1)
	assert.Equal(t, uint16(constants.MaxSeq), tr.nextSeq())
	assert.Equal(t, uint16(1), tr.nextSeq(), "zero is skipped on wrap")
}

func TestSequenceStartIsRandomized(t *testing.T) {
	a := silentServer(t, nil)
	b := silentServer(t, nil)
	c := silentServer(t, nil)

	starts := map[uint16]struct{}{a.nextSeq(): {}, b.nextSeq(): {}, c.nextSeq(): {}}
	assert.Greater(t, len(starts), 1, "every transport started at the same sequence number")
}

func TestRestartOnSameEndpointIsAnswered(t *testing.T) {
	server := echoServer(t, nil)
	noop := transport.HandlerFunc(func(*wire.Message, netip.AddrPort) {})

	client, err := Listen("127.0.0.1:0", noop, nil)
	require.NoError(t, err)
	addr := client.LocalAddr()

	ping := wire.NewRequest(wire.TypePing, kad.MustRandomID(), nil)
	ex, err := client.SendRequest(context.Background(), server.LocalAddr(), ping, time.Second)
	require.NoError(t, err)
	require.True(t, ex.Answered())
	require.NoError(t, client.Close())

	restarted, err := Listen(addr.String(), noop, nil)
	require.NoError(t, err)
	t.Cleanup(func() { restarted.Close() })

	ex, err = restarted.SendRequest(context.Background(), server.LocalAddr(), ping, time.Second)
	require.NoError(t, err)
	assert.True(t, ex.Answered(), "request after restart was dropped as a duplicate")
}

func TestFinishedRequestKeepsReusedCorrelation(t *testing.T) {
	client := silentServer(t, nil)
	server := silentServer(t, nil)
	client.seq.Store(0)
	key := correlation{peer: server.LocalAddr(), seq: 1}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.SendRequest(ctx, server.LocalAddr(), wire.NewRequest(wire.TypePing, kad.MustRandomID(), nil), 10*time.Second)
	}()

	require.Eventually(t, func() bool {
		_, ok := client.pending.Load(key)
		return ok
	}, time.Second, 5*time.Millisecond)

	// After a wrap the same key may already belong to a newer request
	newer := make(chan *wire.Message, 1)
	client.pending.Store(key, newer)
	cancel()
	<-done

	v, ok := client.pending.Load(key)
	require.True(t, ok, "finished request removed a newer waiter")
	assert.Equal(t, newer, v.(chan *wire.Message))
}

func TestCloseWakesPendingRequests(t *testing.T) {
	server := silentServer(t, nil)
	client, err := Listen("127.0.0.1:0", transport.HandlerFunc(func(*wire.Message, netip.AddrPort) {}), nil)
	require.NoError(t, err)

	done := make(chan *transport.Exchange, 1)
	go func() {
		ex, _ := client.SendRequest(context.Background(), server.LocalAddr(),
			wire.NewRequest(wire.TypePing, kad.MustRandomID(), nil), 10*time.Second)
		done <- ex
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case ex := <-done:
		assert.False(t, ex.Answered())
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not released by Close")
	}

	_, err = client.SendRequest(context.Background(), server.LocalAddr(),
		wire.NewRequest(wire.TypePing, kad.ID{}, nil), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}
