package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trove-guardian/internal/registry"
)

// ErrTooManyConnections is returned when a subscription would exceed a connection cap.
var ErrTooManyConnections = errors.New("too many connections")

// FrameType tags frames delivered to subscribers.
type FrameType string

const (
	FrameConnected FrameType = "connected"
	FrameEvent     FrameType = "event"
	FrameKeepalive FrameType = "keepalive"
)

// Frame is one message in a subscription's mailbox.
type Frame struct {
	Type      FrameType  `json:"type"`
	Address   string     `json:"address,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Event     *RiskEvent `json:"event,omitempty"`
}

// DistributorOptions bound the subscriber sets.
type DistributorOptions struct {
	MaxPerAddress     int
	MaxTotal          int
	MailboxSize       int
	KeepaliveInterval time.Duration
}

func (o DistributorOptions) withDefaults() DistributorOptions {
	if o.MaxPerAddress <= 0 {
		o.MaxPerAddress = 5
	}
	if o.MaxTotal <= 0 {
		o.MaxTotal = 100
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 32
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 30 * time.Second
	}
	return o
}

// Subscription is one live channel scoped to an address.
type Subscription struct {
	address string
	frames  chan Frame
	dist    *Distributor
	once    sync.Once
}

// Address is the lower-cased address this subscription follows.
func (s *Subscription) Address() string { return s.address }

// Frames yields queued frames. It is closed when the subscription is closed or
// dropped for falling behind.
func (s *Subscription) Frames() <-chan Frame { return s.frames }

// Close releases the subscription slot. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.dist.remove(s) })
}

// Distributor fans events out to per-address subscribers without ever blocking
// the publisher.
type Distributor struct {
	opts   DistributorOptions
	logger zerolog.Logger

	mu    sync.RWMutex
	subs  map[string]map[*Subscription]struct{}
	total int
}

// NewDistributor builds an empty distributor.
func NewDistributor(opts DistributorOptions, logger zerolog.Logger) *Distributor {
	return &Distributor{
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "distributor").Logger(),
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

func normalize(address string) string {
	return registry.Key(address)
}

// Subscribe opens a channel for address. The first frame is always a connected notice.
func (d *Distributor) Subscribe(address string) (*Subscription, error) {
	key := normalize(address)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.total >= d.opts.MaxTotal {
		d.logger.Info().Str("address", key).Int("total", d.total).Msg("global subscription limit reached")
		return nil, fmt.Errorf("%w: global limit of %d reached", ErrTooManyConnections, d.opts.MaxTotal)
	}
	set := d.subs[key]
	if len(set) >= d.opts.MaxPerAddress {
		d.logger.Info().Str("address", key).Int("count", len(set)).Msg("per-address subscription limit reached")
		return nil, fmt.Errorf("%w: limit of %d per address reached", ErrTooManyConnections, d.opts.MaxPerAddress)
	}
	if set == nil {
		set = make(map[*Subscription]struct{})
		d.subs[key] = set
	}

	sub := &Subscription{address: key, frames: make(chan Frame, d.opts.MailboxSize), dist: d}
	sub.frames <- Frame{Type: FrameConnected, Address: key, Timestamp: time.Now().UTC()}
	set[sub] = struct{}{}
	d.total++
	return sub, nil
}

// Publish offers ev to every subscriber of its address. Subscribers whose mailbox
// is full are dropped.
func (d *Distributor) Publish(ev RiskEvent) {
	key := normalize(ev.Address)
	event := ev
	frame := Frame{Type: FrameEvent, Address: key, Timestamp: ev.Timestamp, Event: &event}

	d.mu.RLock()
	slow := d.offer(d.subs[key], frame)
	d.mu.RUnlock()

	d.drop(slow)
}

// Run emits keep-alive frames to every subscriber until ctx is cancelled.
func (d *Distributor) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.keepalive(now.UTC())
		}
	}
}

func (d *Distributor) keepalive(now time.Time) {
	var slow []*Subscription
	d.mu.RLock()
	for key, set := range d.subs {
		slow = append(slow, d.offer(set, Frame{Type: FrameKeepalive, Address: key, Timestamp: now})...)
	}
	d.mu.RUnlock()

	d.drop(slow)
}

// offer must be called with at least the read lock held.
func (d *Distributor) offer(set map[*Subscription]struct{}, frame Frame) []*Subscription {
	var slow []*Subscription
	for sub := range set {
		select {
		case sub.frames <- frame:
		default:
			slow = append(slow, sub)
		}
	}
	return slow
}

func (d *Distributor) drop(slow []*Subscription) {
	for _, sub := range slow {
		d.logger.Warn().Str("address", sub.address).Msg("dropping slow subscriber")
		sub.Close()
	}
}

func (d *Distributor) remove(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.subs[sub.address]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(d.subs, sub.address)
	}
	d.total--
	close(sub.frames)
}

// Count returns the number of open subscriptions.
func (d *Distributor) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.total
}

// CountFor returns the number of open subscriptions for address.
func (d *Distributor) CountFor(address string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[normalize(address)])
}

// Close drops every subscriber.
func (d *Distributor) Close() {
	d.mu.RLock()
	var all []*Subscription
	for _, set := range d.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	d.mu.RUnlock()

	for _, sub := range all {
		sub.Close()
	}
}
