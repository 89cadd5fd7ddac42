package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agaabrieel/swarmclient/pkg/parser"
	peer "github.com/agaabrieel/swarmclient/pkg/peers"
)

// HTTPTracker announces over HTTP(S). Each announce is one GET; the session
// counts as connected after the first well-formed response.
type HTTPTracker struct {
	sess   *session
	config Config
	client *http.Client

	trackerId string // guarded by sess.mu
}

var _ Tracker = (*HTTPTracker)(nil)

func NewHTTPTracker(u *url.URL, cfg Config) *HTTPTracker {
	cfg.set()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &HTTPTracker{
		sess:   newSession(u, cfg.Router),
		config: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.HTTPTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (t *HTTPTracker) State() State  { return t.sess.State() }
func (t *HTTPTracker) URL() *url.URL { return t.sess.url }

func (t *HTTPTracker) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	return syncAnnounce(ctx, t.sess, req, t.announce)
}

func (t *HTTPTracker) AnnounceAsync(req AnnounceRequest) <-chan Result {
	return asyncAnnounce(t.sess, req, t.announce)
}

func (t *HTTPTracker) Dispose() {
	t.sess.dispose(t.client.CloseIdleConnections)
}

func (t *HTTPTracker) announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	t.sess.mu.Lock()
	trackerId := t.trackerId
	t.sess.mu.Unlock()

	// started repeats until a tracker has acknowledged it, so a lost first
	// announce does not leave the swarm unaware of this peer.
	event := t.sess.nextEvent(req.Event)
	announceUrl := buildAnnounceURL(t.sess.url, req, event, trackerId, t.config.numWant())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, announceUrl, nil)
	if err != nil {
		return nil, t.fail(fmt.Errorf("%w: %w", ErrAnnounceFailed, err))
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, t.fail(fmt.Errorf("%w: %w", ErrAnnounceFailed, err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, t.fail(fmt.Errorf("%w: tracker responded with status %s", ErrAnnounceFailed, httpResp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, t.config.MaxResponseSize))
	if err != nil {
		return nil, t.fail(fmt.Errorf("%w: %w", ErrAnnounceFailed, err))
	}

	resp, err := parseHTTPResponse(body)
	if err != nil {
		return nil, t.fail(err)
	}

	changed, err := t.sess.connected()
	if err != nil {
		return nil, err
	}
	t.sess.mu.Lock()
	if resp.TrackerID != "" {
		t.trackerId = resp.TrackerID
	}
	trackerId = t.trackerId
	t.sess.mu.Unlock()

	if changed {
		t.sess.emitter.connected(trackerId)
	}
	t.sess.markAnnounced()
	return resp, nil
}

// fail moves the session back to Disconnected and reports the failure on the
// bus, unless the session was disposed underneath the request.
func (t *HTTPTracker) fail(err error) error {
	err = t.sess.disconnected(err)
	if errors.Is(err, ErrSessionDisposed) {
		return err
	}
	t.sess.emitter.announceFailed(err)
	return err
}

func parseHTTPResponse(body []byte) (*AnnounceResponse, error) {
	root, err := parser.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAnnounceFailed, err)
	}
	if root.ValueType != parser.BencodeDict {
		return nil, fmt.Errorf("%w: %w: response is a %v, not a dictionary", ErrAnnounceFailed, parser.ErrMalformedInput, root.ValueType)
	}

	if reason := root.Get("failure reason"); reason != nil {
		msg, _ := reason.GetStringValue()
		return nil, fmt.Errorf("%w: tracker failure: %s", ErrAnnounceFailed, msg)
	}

	peersValue := root.Get("peers")
	if peersValue == nil {
		return nil, fmt.Errorf("%w: %w: response has no peers", ErrAnnounceFailed, parser.ErrMalformedInput)
	}
	addrs, err := peer.Decode(peersValue)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAnnounceFailed, err)
	}

	resp := &AnnounceResponse{Peers: addrs}
	if v := root.Get("interval"); v != nil {
		secs, _ := v.GetIntegerValue()
		resp.Interval = time.Duration(secs) * time.Second
	}
	if v := root.Get("min interval"); v != nil {
		secs, _ := v.GetIntegerValue()
		resp.MinInterval = time.Duration(secs) * time.Second
	}
	if v := root.Get("complete"); v != nil {
		resp.Seeders, _ = v.GetIntegerValue()
	}
	if v := root.Get("incomplete"); v != nil {
		resp.Leechers, _ = v.GetIntegerValue()
	}
	if v := root.Get("warning message"); v != nil {
		resp.Warning, _ = v.GetStringValue()
	}
	if v := root.Get("tracker id"); v != nil {
		resp.TrackerID, _ = v.GetStringValue()
	}
	return resp, nil
}

// buildAnnounceURL appends the announce query to base in a fixed key order.
func buildAnnounceURL(base *url.URL, req AnnounceRequest, event, trackerId string, numWant int32) string {
	var sb strings.Builder
	sb.WriteString(base.String())

	prefix := byte('?')
	if base.RawQuery != "" {
		prefix = '&'
	}
	appendQuery := func(key, value string) {
		sb.WriteByte(prefix)
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(value)
		prefix = '&'
	}

	appendQuery("peer_id", percentEncode(req.PeerID[:]))
	appendQuery("info_hash", percentEncode(req.InfoHash[:]))
	appendQuery("port", strconv.FormatUint(uint64(req.Port), 10))
	appendQuery("uploaded", strconv.FormatInt(req.Uploaded, 10))
	appendQuery("downloaded", strconv.FormatInt(req.Downloaded, 10))
	appendQuery("left", strconv.FormatInt(req.Left, 10))
	appendQuery("compact", "1")
	appendQuery("no_peer_id", "1")
	appendQuery("event", event)
	if numWant > 0 {
		appendQuery("numwant", strconv.FormatInt(int64(numWant), 10))
	}
	if trackerId != "" {
		appendQuery("trackerid", percentEncode([]byte(trackerId)))
	}
	return sb.String()
}

const upperhex = "0123456789ABCDEF"

// percentEncode escapes every byte outside [A-Za-z0-9._~].
func percentEncode(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for _, c := range b {
		if isUnreserved(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperhex[c>>4])
		sb.WriteByte(upperhex[c&0x0f])
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '.' || c == '_' || c == '~'
}
