package client

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/agaabrieel/swarmclient/pkg/apperrors"
	"github.com/agaabrieel/swarmclient/pkg/messaging"
	"github.com/agaabrieel/swarmclient/pkg/metainfo"
	"github.com/agaabrieel/swarmclient/pkg/tracker"
)

const componentId = "client"

var ErrNoTracker = errors.New("no tracker answered")

type Config struct {
	Port    uint16 // Default: 6881
	Router  *messaging.Router
	Tracker tracker.Config

	// Errors receives announce failures. Sends never block; nil discards.
	Errors chan<- apperrors.Error

	RetryInitial     time.Duration // Default: 5s
	RetryMax         time.Duration // Default: 30m
	RetryMaxElapsed  time.Duration // Default: 0, retry forever
	AnnounceInterval time.Duration // Default: 30m, when the tracker sends none
	StopTimeout      time.Duration // Default: 5s
}

func (c *Config) set() {
	if c.Port == 0 {
		c.Port = 6881
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 5 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Minute
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = 30 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.Tracker.Router == nil {
		c.Tracker.Router = c.Router
	}
}

type Client struct {
	id     [20]byte
	meta   *metainfo.TorrentMetainfo
	config Config
	state  *State
}

func New(meta *metainfo.TorrentMetainfo, cfg Config) *Client {
	cfg.set()
	return &Client{
		id:     newClientId(),
		meta:   meta,
		config: cfg,
		state:  NewState(meta),
	}
}

// newClientId hashes a seed unique to this process and moment, so two
// clients started together still differ.
func newClientId() [20]byte {
	seed := fmt.Sprintf("swarmclient:%d:%s", time.Now().UnixMilli(), uuid.NewString())
	return sha1.Sum([]byte(seed))
}

func (c *Client) ID() [20]byte                        { return c.id }
func (c *Client) Port() uint16                        { return c.config.Port }
func (c *Client) State() *State                       { return c.state }
func (c *Client) Metainfo() *metainfo.TorrentMetainfo { return c.meta }

func (c *Client) request(event string) tracker.AnnounceRequest {
	uploaded, downloaded, left := c.state.snapshot()
	return tracker.AnnounceRequest{
		InfoHash:   c.meta.Infohash(),
		PeerID:     c.id,
		Port:       c.config.Port,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
	}
}

// NewTracker opens a session for rawURL with the client's tracker settings.
func (c *Client) NewTracker(rawURL string) (tracker.Tracker, error) {
	return tracker.New(rawURL, c.config.Tracker)
}

// Announce walks the tracker urls in order and returns the first session
// that answers. The caller owns the returned session.
func (c *Client) Announce(ctx context.Context) (tracker.Tracker, *tracker.AnnounceResponse, error) {
	var errs []error
	for _, rawURL := range c.meta.TrackerURLs() {
		tr, err := c.NewTracker(rawURL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		resp, err := tr.Announce(ctx, c.request(tracker.EventNone))
		if err != nil {
			tr.Dispose()
			errs = append(errs, fmt.Errorf("%s: %w", rawURL, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return tr, resp, nil
	}
	return nil, nil, fmt.Errorf("%w: %w", ErrNoTracker, errors.Join(errs...))
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	maxElapsed := c.config.RetryMaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 1<<63 - 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.config.RetryInitial,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         c.config.RetryMax,
		MaxElapsedTime:      maxElapsed,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Run keeps announcing until ctx is done: to the session that last answered
// while it keeps answering, otherwise to the first tracker url that does.
// Failed rounds are retried with exponential back-off. Run returns nil when
// ctx ends and an error only when the back-off gives up.
func (c *Client) Run(ctx context.Context) error {
	retry := c.newBackOff()

	var active tracker.Tracker
	defer func() {
		if active != nil {
			c.stop(active)
		}
	}()

	for {
		var resp *tracker.AnnounceResponse
		var err error

		if active != nil {
			resp, err = active.Announce(ctx, c.request(tracker.EventNone))
			if err != nil {
				c.report(fmt.Errorf("%s: %w", active.URL(), err))
				active.Dispose()
				active = nil
			}
		}
		if active == nil && ctx.Err() == nil {
			active, resp, err = c.Announce(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}

		var wait time.Duration
		if err != nil {
			c.report(err)
			if wait = retry.NextBackOff(); wait == backoff.Stop {
				return err
			}
		} else {
			retry.Reset()
			c.publishPeers(active, resp)
			wait = c.interval(resp)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) interval(resp *tracker.AnnounceResponse) time.Duration {
	wait := resp.Interval
	if wait <= 0 {
		wait = c.config.AnnounceInterval
	}
	if resp.MinInterval > wait {
		wait = resp.MinInterval
	}
	return wait
}

// stop sends a best effort "stopped" announce, then disposes the session.
func (c *Client) stop(tr tracker.Tracker) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.StopTimeout)
	defer cancel()
	if _, err := tr.Announce(ctx, c.request(tracker.EventStopped)); err != nil {
		c.report(fmt.Errorf("stopped announce to %s: %w", tr.URL(), err))
	}
	tr.Dispose()
}

func (c *Client) publishPeers(tr tracker.Tracker, resp *tracker.AnnounceResponse) {
	if c.config.Router == nil {
		return
	}
	addrs := make([]net.Addr, len(resp.Peers))
	for i := range resp.Peers {
		addrs[i] = resp.Peers[i]
	}
	c.config.Router.Publish(messaging.Message{
		SourceId:    componentId,
		Topic:       messaging.NewTopic(messaging.ClientManager, messaging.Peer, messaging.Discovered, messaging.AnyActor),
		PayloadType: messaging.PeersDiscovered,
		Payload: messaging.PeersDiscoveredPayload{
			Tracker:  tr.URL().String(),
			Interval: resp.Interval,
			Addrs:    addrs,
		},
	})
}

func (c *Client) report(err error) {
	if c.config.Errors == nil {
		return
	}
	select {
	case c.config.Errors <- apperrors.Error{
		Err:         err,
		Message:     "announce failed",
		Severity:    apperrors.Warning,
		Time:        time.Now(),
		ComponentId: componentId,
	}:
	default:
	}
}
