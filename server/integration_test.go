//go:build linux

// File: server/integration_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// End-to-end scenarios over real sockets: echo round-trip, structured
// error replies, partial-frame reassembly, out-of-order completion and
// abrupt peer shutdown.

package server_test

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/momentics/hioload-rpc/buffer"
	"github.com/momentics/hioload-rpc/client"
	"github.com/momentics/hioload-rpc/config"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/rpc"
	"github.com/momentics/hioload-rpc/server"
	"github.com/momentics/hioload-rpc/transport"
)

// freePort asks the kernel for an unused port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// testService registers Echo.say plus a Slow.work handler that defers
// its closure.
func testService() (*rpc.Service, *rpc.Service) {
	echo := rpc.NewService("Echo").RegisterMethod(&rpc.Method{
		Name:        "say",
		NewRequest:  func() proto.Message { return &wrapperspb.StringValue{} },
		NewResponse: func() proto.Message { return &wrapperspb.StringValue{} },
		Handler: func(ctrl *rpc.Controller, req, rsp proto.Message, done *rpc.Closure) {
			rsp.(*wrapperspb.StringValue).Value = req.(*wrapperspb.StringValue).Value
			done.Run()
		},
	})
	slow := rpc.NewService("Slow").RegisterMethod(&rpc.Method{
		Name:        "work",
		NewRequest:  func() proto.Message { return &wrapperspb.StringValue{} },
		NewResponse: func() proto.Message { return &wrapperspb.StringValue{} },
		Handler: func(ctrl *rpc.Controller, req, rsp proto.Message, done *rpc.Closure) {
			go func() {
				time.Sleep(50 * time.Millisecond)
				rsp.(*wrapperspb.StringValue).Value = req.(*wrapperspb.StringValue).Value
				done.Run()
			}()
		},
	})
	return echo, slow
}

// startServer runs a server on its own reactor thread and returns its
// address and a stopper.
func startServer(t *testing.T) (string, func()) {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))

	ready := make(chan *server.Server, 1)
	fail := make(chan error, 1)
	go func() {
		cfg := config.Default()
		cfg.IoThreads = 2
		s, err := server.NewServer(cfg, addr)
		if err != nil {
			fail <- err
			return
		}
		echo, slow := testService()
		s.RegisterService(echo)
		s.RegisterService(slow)
		ready <- s
		s.Start()
	}()

	select {
	case err := <-fail:
		t.Fatalf("server start: %v", err)
		return "", nil
	case s := <-ready:
		return addr, s.Stop
	case <-time.After(2 * time.Second):
		t.Fatal("server never came up")
		return "", nil
	}
}

// writeRequest frames one request onto a raw conn.
func writeRequest(t *testing.T, conn net.Conn, msgID, method, text string) {
	t.Helper()
	payload, err := proto.Marshal(wrapperspb.String(text))
	require.NoError(t, err)
	frame := protocol.NewCodec().EncodeMessage(protocol.NewMessage(msgID, method, payload))
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

// readReply reads one framed reply off a raw conn.
func readReply(t *testing.T, conn net.Conn) *protocol.Message {
	t.Helper()
	codec := protocol.NewCodec()
	in := buffer.NewRingBuffer(256)
	tmp := make([]byte, 512)
	deadline := time.Now().Add(2 * time.Second)
	conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		n, err := conn.Read(tmp)
		if n > 0 {
			in.WriteAll(tmp[:n])
			if msgs := codec.Decode(in); len(msgs) > 0 {
				require.Len(t, msgs, 1)
				return msgs[0]
			}
		}
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
	}
	t.Fatal("no reply within deadline")
	return nil
}

// TestServer_EchoRoundTrip is scenario S1.
func TestServer_EchoRoundTrip(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	writeRequest(t, conn, "1", "Echo.say", "hi")
	rsp := readReply(t, conn)

	require.Equal(t, "1", rsp.MsgID, "reply: %s", spew.Sdump(rsp))
	require.Zero(t, rsp.ErrCode)
	var out wrapperspb.StringValue
	require.NoError(t, proto.Unmarshal(rsp.Payload, &out))
	require.Equal(t, "hi", out.Value)
}

// TestServer_UnknownService is scenario S2.
func TestServer_UnknownService(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	writeRequest(t, conn, "2", "Ghost.none", "")
	rsp := readReply(t, conn)
	require.Equal(t, "2", rsp.MsgID)
	require.Equal(t, rpc.CodeServiceNotFound, rsp.ErrCode)
	require.Equal(t, "service not found", rsp.ErrInfo)
}

// TestServer_MalformedMethodName is scenario S3.
func TestServer_MalformedMethodName(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	writeRequest(t, conn, "3", "", "")
	rsp := readReply(t, conn)
	require.Equal(t, rpc.CodeParseServiceName, rsp.ErrCode)
}

// TestServer_PartialFrameReassembly is scenario S4: one frame delivered
// in ragged chunks with gaps produces exactly one reply.
func TestServer_PartialFrameReassembly(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	payload, err := proto.Marshal(wrapperspb.String("fragmented"))
	require.NoError(t, err)
	frame := protocol.NewCodec().EncodeMessage(protocol.NewMessage("4", "Echo.say", payload))

	for _, size := range []int{1, 17, 53, len(frame)} {
		if size > len(frame) {
			size = len(frame)
		}
		_, err = conn.Write(frame[:size])
		require.NoError(t, err)
		frame = frame[size:]
		if len(frame) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	rsp := readReply(t, conn)
	require.Equal(t, "4", rsp.MsgID)
	require.Zero(t, rsp.ErrCode)
}

// TestClient_OutOfOrderCompletion is scenario S5: the slow handler's
// deferred closure completes after the fast one; the client sees the
// fast reply first and each callback exactly once.
func TestClient_OutOfOrderCompletion(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	peer, err := transport.ParseAddr(addr)
	require.NoError(t, err)

	type reply struct {
		msgID string
		code  int32
	}
	replies := make(chan reply, 4)
	errs := make(chan error, 1)

	go func() {
		cli, err := client.NewClient(peer)
		if err != nil {
			errs <- err
			return
		}
		cli.Connect(func() {
			if cli.ErrCode() != 0 {
				errs <- fmt.Errorf("connect failed: %s", cli.ErrInfo())
				cli.Stop()
				return
			}
			payload, _ := proto.Marshal(wrapperspb.String("x"))
			seen := 0
			onReply := func(msg *protocol.Message) {
				replies <- reply{msgID: msg.MsgID, code: msg.ErrCode}
				seen++
				if seen == 2 {
					cli.Stop()
				}
			}
			cli.WriteMessage(protocol.NewMessage("1", "Slow.work", payload), nil)
			cli.WriteMessage(protocol.NewMessage("2", "Echo.say", payload), nil)
			cli.ReadMessage("1", onReply)
			cli.ReadMessage("2", onReply)
		})
		cli.Run()
	}()

	var got []reply
	for len(got) < 2 {
		select {
		case err := <-errs:
			t.Fatalf("client: %v", err)
		case r := <-replies:
			got = append(got, r)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out with replies %v", got)
		}
	}

	require.Equal(t, "2", got[0].msgID, "fast handler must complete first")
	require.Equal(t, "1", got[1].msgID)
	for _, r := range got {
		require.Zero(t, r.code)
	}
	select {
	case r := <-replies:
		t.Fatalf("extra reply callback for %q", r.msgID)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestServer_PeerShutdown is scenario S6: the peer vanishes before the
// reply lands; the server survives and keeps serving others.
func TestServer_PeerShutdown(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	writeRequest(t, conn, "6", "Slow.work", "gone")
	conn.Close() // peer disappears before the deferred reply

	time.Sleep(150 * time.Millisecond) // let the late closure run against the closed conn

	conn2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn2.Close()
	writeRequest(t, conn2, "7", "Echo.say", "alive")
	rsp := readReply(t, conn2)
	require.Equal(t, "7", rsp.MsgID)
	require.Zero(t, rsp.ErrCode)
}
