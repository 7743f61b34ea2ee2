// Package online is the OnlineState component: it aggregates
// reachability, authentication, and cookie validity into one
// edge-triggered observable boolean.
package online

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/eventbus"
	"github.com/rs/zerolog/log"
)

// ReachabilityProbe reports whether the cloud host is currently
// reachable. The default implementation dials it with net.Dial; tests
// substitute a fake.
type ReachabilityProbe interface {
	Reachable(ctx context.Context) bool
}

// DialProbe is the production ReachabilityProbe: it attempts a TCP dial
// to host and reports success.
type DialProbe struct {
	Host    string
	Timeout time.Duration
}

// NewDialProbe constructs a DialProbe targeting host (e.g. "i.mi.com:443").
func NewDialProbe(host string, timeout time.Duration) *DialProbe {
	return &DialProbe{Host: host, Timeout: timeout}
}

func (p *DialProbe) Reachable(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Host)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// State is the OnlineState aggregate.
type State struct {
	probe ReachabilityProbe
	bus   *eventbus.EventBus

	mu            sync.Mutex
	reachable     bool
	authenticated bool
	cookieValid   bool
	isOnline      bool
}

// New constructs a State with every input false until updated.
func New(probe ReachabilityProbe, bus *eventbus.EventBus) *State {
	return &State{probe: probe, bus: bus}
}

// IsOnline returns the current aggregate value.
func (s *State) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOnline
}

// SetReachable updates the reachability input.
func (s *State) SetReachable(reachable bool) {
	s.apply(func() { s.reachable = reachable })
}

// SetAuthenticated updates whether SessionClient currently holds a
// cookie with a non-empty serviceToken.
func (s *State) SetAuthenticated(authenticated bool) {
	s.apply(func() { s.authenticated = authenticated })
}

// HandleAuthEvent updates cookieValid from AuthEvent transitions:
// cookieRefreshed sets true, cookieExpired sets false.
func (s *State) HandleAuthEvent(ev eventbus.AuthEvent) {
	switch ev.Kind {
	case eventbus.AuthCookieRefreshed:
		s.apply(func() { s.cookieValid = true })
	case eventbus.AuthCookieExpired:
		s.apply(func() { s.cookieValid = false })
	}
}

// apply mutates state under the lock and publishes OnlineEvent only if
// the aggregate actually flipped (edge-triggered).
func (s *State) apply(mutate func()) {
	s.mu.Lock()
	mutate()
	next := s.reachable && s.authenticated && s.cookieValid
	flipped := next != s.isOnline
	s.isOnline = next
	s.mu.Unlock()

	if flipped {
		log.Info().Bool("isOnline", next).Msg("online: state transition")
		s.bus.Online.Publish(eventbus.OnlineEvent{IsOnline: next})
	}
}

// Probe runs the reachability probe once and feeds the result in.
func (s *State) Probe(ctx context.Context) {
	s.SetReachable(s.probe.Reachable(ctx))
}

// WatchReachability polls the probe at interval until ctx is cancelled.
func (s *State) WatchReachability(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}
