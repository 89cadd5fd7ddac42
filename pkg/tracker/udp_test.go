package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agaabrieel/swarmclient/pkg/messaging"
)

// fakeUDPTracker answers each datagram with whatever reply returns; a nil
// reply drops the request.
type fakeUDPTracker struct {
	conn  net.PacketConn
	reply func(req []byte) []byte
}

func newFakeUDPTracker(t *testing.T, reply func(req []byte) []byte) *fakeUDPTracker {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeUDPTracker{conn: conn, reply: reply}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := append([]byte(nil), buf[:n]...)
			if resp := f.reply(req); resp != nil {
				conn.WriteTo(resp, addr)
			}
		}
	}()
	return f
}

func (f *fakeUDPTracker) url() *url.URL {
	return &url.URL{Scheme: "udp", Host: f.conn.LocalAddr().String(), Path: "/announce"}
}

func connectReply(req []byte, connId uint64) []byte {
	resp := make([]byte, 16)
	binary.BigEndian.PutUint32(resp[0:4], uint32(ConnectAction))
	copy(resp[4:8], req[12:16])
	binary.BigEndian.PutUint64(resp[8:16], connId)
	return resp
}

func announceReply(req []byte, peers []byte) []byte {
	resp := make([]byte, 20, 20+len(peers))
	binary.BigEndian.PutUint32(resp[0:4], uint32(AnnounceAction))
	copy(resp[4:8], req[12:16])
	binary.BigEndian.PutUint32(resp[8:12], 900)
	binary.BigEndian.PutUint32(resp[12:16], 2)
	binary.BigEndian.PutUint32(resp[16:20], 7)
	return append(resp, peers...)
}

func errorReply(req []byte, msg string) []byte {
	resp := make([]byte, 8)
	binary.BigEndian.PutUint32(resp[0:4], uint32(ErrorAction))
	copy(resp[4:8], req[12:16])
	return append(resp, msg...)
}

// standardReply plays a well-behaved tracker issuing connection id 0xfeed.
func standardReply(announces chan<- []byte) func([]byte) []byte {
	return func(req []byte) []byte {
		switch Action(binary.BigEndian.Uint32(req[8:12])) {
		case ConnectAction:
			if len(req) != connectRequestSize || binary.BigEndian.Uint64(req[0:8]) != ProtocolID {
				return nil
			}
			return connectReply(req, 0xfeed)
		case AnnounceAction:
			if len(req) != announceRequestSize || binary.BigEndian.Uint64(req[0:8]) != 0xfeed {
				return nil
			}
			if announces != nil {
				announces <- req
			}
			return announceReply(req, []byte{127, 0, 0, 1, 0x1a, 0xe1})
		}
		return nil
	}
}

func TestUDPConnect(t *testing.T) {
	server := newFakeUDPTracker(t, standardReply(nil))

	router := messaging.NewRouter()
	connected := make(chan messaging.Message, 1)
	sub := router.SubscribeChan("tracker.session.connected.*", connected)
	defer sub.Close()

	tr := NewUDPTracker(server.url(), Config{Router: router})
	defer tr.Dispose()

	if tr.State() != Disconnected {
		t.Errorf("expect %s, but got %s", Disconnected, tr.State())
	}
	if _, ok := tr.ConnectionID(); ok {
		t.Error("expect no connection id before connecting")
	}

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.State() != Connected {
		t.Errorf("expect %s, but got %s", Connected, tr.State())
	}
	if id, ok := tr.ConnectionID(); !ok || id != 0xfeed {
		t.Errorf("expect connection id 0xfeed, but got %x", id)
	}

	select {
	case msg := <-connected:
		data := msg.Payload.(messaging.EventData)
		if data.String(messaging.DataConnectionId) != "0xfeed" {
			t.Errorf("unexpected payload %v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("connected event not published")
	}
}

func TestUDPConnectMismatch(t *testing.T) {
	cases := map[string]func([]byte) []byte{
		"action": func(req []byte) []byte {
			resp := connectReply(req, 1)
			binary.BigEndian.PutUint32(resp[0:4], uint32(AnnounceAction))
			return resp
		},
		"transaction": func(req []byte) []byte {
			resp := connectReply(req, 1)
			resp[4] ^= 0xff
			return resp
		},
		"short": func(req []byte) []byte {
			return connectReply(req, 1)[:12]
		},
		"error": func(req []byte) []byte {
			return errorReply(req, "go away")
		},
	}

	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			server := newFakeUDPTracker(t, reply)

			router := messaging.NewRouter()
			failed := make(chan messaging.Message, 1)
			sub := router.SubscribeChan("tracker.session.connection_failed.*", failed)
			defer sub.Close()

			tr := NewUDPTracker(server.url(), Config{Router: router})
			defer tr.Dispose()

			err := tr.Connect(context.Background())
			if !errors.Is(err, ErrProtocolMismatch) {
				t.Errorf("expect %v, but got %v", ErrProtocolMismatch, err)
			}
			if tr.State() != Disconnected {
				t.Errorf("expect %s, but got %s", Disconnected, tr.State())
			}
			select {
			case <-failed:
			case <-time.After(time.Second):
				t.Error("connection_failed event not published")
			}
		})
	}
}

func TestUDPConnectTimeout(t *testing.T) {
	server := newFakeUDPTracker(t, func([]byte) []byte { return nil })

	tr := NewUDPTracker(server.url(), Config{ReadTimeout: 50 * time.Millisecond})
	defer tr.Dispose()

	start := time.Now()
	err := tr.Connect(context.Background())
	if !errors.Is(err, ErrTrackerUnreachable) {
		t.Errorf("expect %v, but got %v", ErrTrackerUnreachable, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if tr.State() != Disconnected {
		t.Errorf("expect %s, but got %s", Disconnected, tr.State())
	}
}

func TestUDPLateReplyDoesNotAnswerNextConnect(t *testing.T) {
	var requests atomic.Int32
	server := newFakeUDPTracker(t, func(req []byte) []byte {
		if requests.Add(1) == 1 {
			time.Sleep(150 * time.Millisecond)
			return connectReply(req, 1)
		}
		return connectReply(req, 2)
	})

	tr := NewUDPTracker(server.url(), Config{ReadTimeout: 100 * time.Millisecond})
	defer tr.Dispose()

	if err := tr.Connect(context.Background()); !errors.Is(err, ErrTrackerUnreachable) {
		t.Fatalf("expect %v, but got %v", ErrTrackerUnreachable, err)
	}
	// let the late reply go out before retrying
	time.Sleep(100 * time.Millisecond)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("expect the retry to succeed, but got %v", err)
	}
	if id, ok := tr.ConnectionID(); !ok || id != 2 {
		t.Errorf("expect connection id 2, but got %d", id)
	}
}

func TestUDPAnnounce(t *testing.T) {
	announces := make(chan []byte, 2)
	server := newFakeUDPTracker(t, standardReply(announces))

	tr := NewUDPTracker(server.url(), Config{})
	defer tr.Dispose()

	req := testRequest()
	req.Downloaded = 10
	req.Uploaded = 20

	resp, err := tr.Announce(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if tr.State() != Connected {
		t.Errorf("expect %s, but got %s", Connected, tr.State())
	}
	if resp.Interval != 15*time.Minute || resp.Leechers != 2 || resp.Seeders != 7 {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].String() != "127.0.0.1:6881" {
		t.Errorf("unexpected peers %v", resp.Peers)
	}

	msg := <-announces
	if string(msg[16:36]) != string(req.InfoHash[:]) || string(msg[36:56]) != string(req.PeerID[:]) {
		t.Error("info hash or peer id misplaced")
	}
	if binary.BigEndian.Uint64(msg[56:64]) != 10 ||
		binary.BigEndian.Uint64(msg[64:72]) != 1000 ||
		binary.BigEndian.Uint64(msg[72:80]) != 20 {
		t.Error("transfer counters misplaced")
	}
	if ev := binary.BigEndian.Uint32(msg[80:84]); ev != 2 {
		t.Errorf("expect started event code 2, but got %d", ev)
	}
	if nw := int32(binary.BigEndian.Uint32(msg[92:96])); nw != -1 {
		t.Errorf("expect numwant -1, but got %d", nw)
	}
	if port := binary.BigEndian.Uint16(msg[96:98]); port != 6881 {
		t.Errorf("expect port 6881, but got %d", port)
	}

	if res := <-tr.AnnounceAsync(req); res.Err != nil {
		t.Fatal(res.Err)
	}
	msg = <-announces
	if ev := binary.BigEndian.Uint32(msg[80:84]); ev != 0 {
		t.Errorf("expect no event on the second announce, but got %d", ev)
	}
}

func TestUDPAnnounceErrorAction(t *testing.T) {
	server := newFakeUDPTracker(t, func(req []byte) []byte {
		if Action(binary.BigEndian.Uint32(req[8:12])) == ConnectAction {
			return connectReply(req, 0xfeed)
		}
		return errorReply(req, "torrent not registered")
	})

	router := messaging.NewRouter()
	failed := make(chan messaging.Message, 1)
	sub := router.SubscribeChan("tracker.session.announce_failed.*", failed)
	defer sub.Close()

	tr := NewUDPTracker(server.url(), Config{Router: router})
	defer tr.Dispose()

	_, err := tr.Announce(context.Background(), testRequest())
	if !errors.Is(err, ErrAnnounceFailed) {
		t.Errorf("expect %v, but got %v", ErrAnnounceFailed, err)
	}
	if tr.State() != Disconnected {
		t.Errorf("expect %s, but got %s", Disconnected, tr.State())
	}
	if _, ok := tr.ConnectionID(); ok {
		t.Error("expect the connection id to be forgotten")
	}
	select {
	case msg := <-failed:
		if msg.Payload.(messaging.EventData).String(messaging.DataMessage) == "" {
			t.Error("expect a failure message")
		}
	case <-time.After(time.Second):
		t.Fatal("announce_failed event not published")
	}
}

func TestUDPReconnectsAfterExpiry(t *testing.T) {
	connects := make(chan struct{}, 4)
	reply := standardReply(nil)
	server := newFakeUDPTracker(t, func(req []byte) []byte {
		if Action(binary.BigEndian.Uint32(req[8:12])) == ConnectAction {
			connects <- struct{}{}
		}
		return reply(req)
	})

	tr := NewUDPTracker(server.url(), Config{ConnectionIDTTL: time.Nanosecond})
	defer tr.Dispose()

	for i := 0; i < 2; i++ {
		if _, err := tr.Announce(context.Background(), testRequest()); err != nil {
			t.Fatal(err)
		}
	}
	if len(connects) != 2 {
		t.Errorf("expect 2 handshakes, but got %d", len(connects))
	}
}

func TestUDPDisposeInterruptsRead(t *testing.T) {
	server := newFakeUDPTracker(t, func([]byte) []byte { return nil })

	router := messaging.NewRouter()
	disconnected := make(chan messaging.Message, 1)
	sub := router.SubscribeChan("tracker.session.disconnected.*", disconnected)
	defer sub.Close()

	tr := NewUDPTracker(server.url(), Config{Router: router, ReadTimeout: time.Minute})

	res := tr.AnnounceAsync(testRequest())
	time.Sleep(50 * time.Millisecond)
	tr.Dispose()

	select {
	case r := <-res:
		if !errors.Is(r.Err, ErrSessionDisposed) {
			t.Errorf("expect %v, but got %v", ErrSessionDisposed, r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispose did not interrupt the pending read")
	}
	if tr.State() != Disposed {
		t.Errorf("expect %s, but got %s", Disposed, tr.State())
	}
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrSessionDisposed) {
		t.Errorf("expect %v, but got %v", ErrSessionDisposed, err)
	}
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Error("disconnected event not published on dispose")
	}
}

func TestUDPContextCancel(t *testing.T) {
	server := newFakeUDPTracker(t, func([]byte) []byte { return nil })

	tr := NewUDPTracker(server.url(), Config{ReadTimeout: time.Minute})
	defer tr.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tr.Connect(ctx)
	if err == nil {
		t.Fatal("expect an error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expect %v, but got %v", context.DeadlineExceeded, err)
	}
}

func TestEventCode(t *testing.T) {
	cases := map[string]uint32{
		EventNone:      0,
		EventCompleted: 1,
		EventStarted:   2,
		EventStopped:   3,
	}
	for event, expect := range cases {
		if got := eventCode(event); got != expect {
			t.Errorf("%q: expect %d, but got %d", event, expect, got)
		}
	}
}
