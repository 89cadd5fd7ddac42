package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/agaabrieel/swarmclient/pkg/messaging"
	peer "github.com/agaabrieel/swarmclient/pkg/peers"
	"github.com/agaabrieel/swarmclient/pkg/utils"
)

var (
	ErrAnnounceFailed     = errors.New("announce failed")
	ErrProtocolMismatch   = errors.New("tracker protocol mismatch")
	ErrTrackerUnreachable = errors.New("tracker unreachable")
	ErrSessionDisposed    = errors.New("tracker session disposed")
)

const (
	EventNone      = ""
	EventCompleted = "completed"
	EventStarted   = "started"
	EventStopped   = "stopped"
)

type Tracker interface {
	// Announce runs one announce on the session worker and waits for it.
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)
	// AnnounceAsync queues an announce and returns immediately.
	AnnounceAsync(req AnnounceRequest) <-chan Result
	State() State
	URL() *url.URL
	Dispose()
}

type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      string // empty lets the session choose "started" or none
}

type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []peer.Addr
	Warning     string
	TrackerID   string
}

type Result struct {
	Response *AnnounceResponse
	Err      error
}

// Config configures both tracker transports. Zero fields take defaults.
type Config struct {
	Router *messaging.Router

	ReadTimeout     time.Duration // Default: 15s, per datagram exchange
	HTTPTimeout     time.Duration // Default: 30s
	MaxPacketSize   int           // Default: 4096
	ConnectionIDTTL time.Duration // Default: 1m
	NumWant         int32         // Default: 0, sent as -1 so the tracker picks
	MaxResponseSize int64         // Default: 1MiB
}

func (c *Config) set() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = 4096
	}
	if c.ConnectionIDTTL <= 0 {
		c.ConnectionIDTTL = time.Minute
	}
	if c.MaxResponseSize <= 0 {
		c.MaxResponseSize = 1 << 20
	}
}

func (c Config) numWant() int32 {
	if c.NumWant <= 0 {
		return -1
	}
	return c.NumWant
}

// New returns a session for the tracker at rawURL, picking the transport from
// the scheme.
func New(rawURL string, cfg Config) (Tracker, error) {
	trackerUrl, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tracker url: %w", err)
	}

	switch {
	case utils.Contains([]string{"http", "https"}, trackerUrl.Scheme):
		return NewHTTPTracker(trackerUrl, cfg), nil
	case trackerUrl.Scheme == "udp":
		if trackerUrl.Port() == "" {
			return nil, fmt.Errorf("udp tracker url %s has no port", rawURL)
		}
		return NewUDPTracker(trackerUrl, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", trackerUrl.Scheme)
	}
}

func asyncAnnounce(s *session, req AnnounceRequest, announce func(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)) <-chan Result {
	out := make(chan Result, 1)
	var resp *AnnounceResponse
	errCh := s.submit(context.Background(), func(ctx context.Context) error {
		var err error
		resp, err = announce(ctx, req)
		return err
	})
	go func() {
		err := <-errCh
		if err != nil {
			out <- Result{Err: err}
			return
		}
		out <- Result{Response: resp}
	}()
	return out
}

func syncAnnounce(ctx context.Context, s *session, req AnnounceRequest, announce func(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)) (*AnnounceResponse, error) {
	var resp *AnnounceResponse
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = announce(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
