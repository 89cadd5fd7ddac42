package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	peer "github.com/agaabrieel/swarmclient/pkg/peers"
)

const ProtocolID uint64 = 0x41727101980

type Action uint32

const (
	ConnectAction Action = iota
	AnnounceAction
	ScrapeAction
	ErrorAction
)

const (
	connectRequestSize   = 16
	connectResponseSize  = 16
	announceRequestSize  = 98
	announceResponseSize = 20
	errorHeaderSize      = 8
)

// UDPTracker speaks the datagram protocol: a connect handshake yields a
// connection id that later announces must carry until it expires.
type UDPTracker struct {
	sess   *session
	config Config
	dialer net.Dialer
	key    uint32

	// guarded by sess.mu
	conn     net.Conn
	connId   uint64
	connIdAt time.Time
}

var _ Tracker = (*UDPTracker)(nil)

func NewUDPTracker(u *url.URL, cfg Config) *UDPTracker {
	cfg.set()
	return &UDPTracker{
		sess:   newSession(u, cfg.Router),
		config: cfg,
		key:    newTransactionId(),
	}
}

func (t *UDPTracker) State() State  { return t.sess.State() }
func (t *UDPTracker) URL() *url.URL { return t.sess.url }

// ConnectionID returns the id negotiated by the last handshake, if the
// session is connected.
func (t *UDPTracker) ConnectionID() (uint64, bool) {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	if t.sess.state != Connected {
		return 0, false
	}
	return t.connId, true
}

// Connect runs the handshake on the session worker and waits for it.
func (t *UDPTracker) Connect(ctx context.Context) error {
	return t.sess.do(ctx, t.connect)
}

func (t *UDPTracker) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	return syncAnnounce(ctx, t.sess, req, t.announce)
}

func (t *UDPTracker) AnnounceAsync(req AnnounceRequest) <-chan Result {
	return asyncAnnounce(t.sess, req, t.announce)
}

func (t *UDPTracker) Dispose() {
	t.sess.dispose(func() {
		t.sess.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.connId = 0
		t.sess.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func (t *UDPTracker) dial(ctx context.Context) (net.Conn, error) {
	t.sess.mu.Lock()
	conn := t.conn
	t.sess.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	conn, err := t.dialer.DialContext(ctx, "udp", t.sess.url.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrackerUnreachable, err)
	}

	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	if t.sess.state == Disposed {
		conn.Close()
		return nil, ErrSessionDisposed
	}
	t.conn = conn
	return conn, nil
}

// exchange sends one datagram and waits for one reply. The wait ends at the
// read timeout, the context deadline, or context cancellation, whichever
// comes first.
func (t *UDPTracker) exchange(ctx context.Context, conn net.Conn, req []byte) ([]byte, error) {
	deadline := time.Now().Add(t.config.ReadTimeout)
	ctxDeadline := false
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline, ctxDeadline = d, true
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrackerUnreachable, err)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrackerUnreachable, err)
	}

	buf := make([]byte, t.config.MaxPacketSize)
	n, err := conn.Read(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrTrackerUnreachable, ctxErr)
		}
		if ctxDeadline && !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %w", ErrTrackerUnreachable, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("%w: %w", ErrTrackerUnreachable, err)
	}
	return buf[:n], nil
}

func (t *UDPTracker) connect(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return t.fail(err, true)
	}

	tid := newTransactionId()
	req := make([]byte, connectRequestSize)
	binary.BigEndian.PutUint64(req[0:8], ProtocolID)
	binary.BigEndian.PutUint32(req[8:12], uint32(ConnectAction))
	binary.BigEndian.PutUint32(req[12:16], tid)

	resp, err := t.exchange(ctx, conn, req)
	if err != nil {
		return t.fail(err, true)
	}

	connId, err := parseConnectResponse(resp, tid)
	if err != nil {
		return t.fail(err, true)
	}

	t.sess.mu.Lock()
	_, ok := t.sess.setStateLocked(Connected)
	if ok {
		t.connId = connId
		t.connIdAt = time.Now()
	}
	t.sess.mu.Unlock()
	if !ok {
		return ErrSessionDisposed
	}

	t.sess.emitter.connected(formatConnectionId(connId))
	return nil
}

func parseConnectResponse(resp []byte, tid uint32) (uint64, error) {
	if err := checkHeader(resp, ConnectAction, tid); err != nil {
		return 0, err
	}
	if len(resp) < connectResponseSize {
		return 0, fmt.Errorf("%w: connect response is %d bytes", ErrProtocolMismatch, len(resp))
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

// checkHeader validates the action and transaction id every response starts
// with. An error action is reported as a mismatch carrying the tracker's
// message; announce callers rewrap it.
func checkHeader(resp []byte, want Action, tid uint32) error {
	if len(resp) < errorHeaderSize {
		return fmt.Errorf("%w: response is %d bytes", ErrProtocolMismatch, len(resp))
	}
	action := Action(binary.BigEndian.Uint32(resp[0:4]))
	gotTid := binary.BigEndian.Uint32(resp[4:8])

	if gotTid != tid {
		return fmt.Errorf("%w: transaction id %d, expected %d", ErrProtocolMismatch, gotTid, tid)
	}
	if action == ErrorAction {
		return &trackerError{msg: string(resp[errorHeaderSize:])}
	}
	if action != want {
		return fmt.Errorf("%w: action %d, expected %d", ErrProtocolMismatch, action, want)
	}
	return nil
}

type trackerError struct {
	msg string
}

func (e *trackerError) Error() string {
	return "tracker error: " + e.msg
}

func (e *trackerError) Unwrap() error { return ErrProtocolMismatch }

func (t *UDPTracker) needsConnect() bool {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	return t.sess.state != Connected || time.Since(t.connIdAt) > t.config.ConnectionIDTTL
}

func (t *UDPTracker) announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	if t.needsConnect() {
		if err := t.connect(ctx); err != nil {
			return nil, err
		}
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, t.fail(err, false)
	}
	t.sess.mu.Lock()
	connId := t.connId
	t.sess.mu.Unlock()

	tid := newTransactionId()
	// started repeats until acknowledged, as over http
	msg := encodeAnnounce(connId, tid, t.key, t.config.numWant(), req, eventCode(t.sess.nextEvent(req.Event)))

	resp, err := t.exchange(ctx, conn, msg)
	if err != nil {
		return nil, t.fail(err, false)
	}

	announceResp, err := parseAnnounceResponse(resp, tid)
	if err != nil {
		return nil, t.fail(err, false)
	}

	t.sess.markAnnounced()
	return announceResp, nil
}

func encodeAnnounce(connId uint64, tid, key uint32, numWant int32, req AnnounceRequest, event uint32) []byte {
	msg := make([]byte, announceRequestSize)
	binary.BigEndian.PutUint64(msg[0:8], connId)
	binary.BigEndian.PutUint32(msg[8:12], uint32(AnnounceAction))
	binary.BigEndian.PutUint32(msg[12:16], tid)
	copy(msg[16:36], req.InfoHash[:])
	copy(msg[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(msg[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(msg[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(msg[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(msg[80:84], event)
	binary.BigEndian.PutUint32(msg[84:88], 0) // ip: let the tracker use the source address
	binary.BigEndian.PutUint32(msg[88:92], key)
	binary.BigEndian.PutUint32(msg[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(msg[96:98], req.Port)
	return msg
}

func parseAnnounceResponse(resp []byte, tid uint32) (*AnnounceResponse, error) {
	if err := checkHeader(resp, AnnounceAction, tid); err != nil {
		var te *trackerError
		if errors.As(err, &te) {
			return nil, fmt.Errorf("%w: %s", ErrAnnounceFailed, te.Error())
		}
		return nil, err
	}
	if len(resp) < announceResponseSize {
		return nil, fmt.Errorf("%w: announce response is %d bytes", ErrProtocolMismatch, len(resp))
	}

	addrs, err := peer.ParseCompact(resp[announceResponseSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAnnounceFailed, err)
	}

	return &AnnounceResponse{
		Interval: time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second,
		Leechers: int64(binary.BigEndian.Uint32(resp[12:16])),
		Seeders:  int64(binary.BigEndian.Uint32(resp[16:20])),
		Peers:    addrs,
	}, nil
}

// fail forgets the connection id and the socket, then falls back to
// Disconnected. A reply that arrives late lands on the closed socket instead
// of answering the next request. The event published depends on which phase
// failed.
func (t *UDPTracker) fail(err error, connecting bool) error {
	if errors.Is(err, ErrSessionDisposed) {
		return err
	}

	t.sess.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.connId = 0
	t.connIdAt = time.Time{}
	t.sess.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	err = t.sess.disconnected(err)
	if errors.Is(err, ErrSessionDisposed) {
		return err
	}
	if connecting {
		t.sess.emitter.connectionFailed(err)
	} else {
		t.sess.emitter.announceFailed(err)
	}
	return err
}

func eventCode(event string) uint32 {
	switch event {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

func newTransactionId() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}
