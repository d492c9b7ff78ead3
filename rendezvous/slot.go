package rendezvous

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/DepengLiu/TCPChat/session"
	"github.com/sirupsen/logrus"
)

// DefaultSlotTTL is how long a wait slot stays open without a connection.
const DefaultSlotTTL = 60 * time.Second

// ErrNoSlot is returned by Admit for an inbound connection that matches no
// open wait slot while slots are required.
var ErrNoSlot = errors.New("no wait slot for remote endpoint")

// SlotState represents the progress of one wait slot.
type SlotState uint8

const (
	// SlotWaiting means the slot is open and the acknowledgement is not sent yet.
	SlotWaiting SlotState = iota
	// SlotAnnounced means the relay server has the acknowledgement.
	SlotAnnounced
	// SlotConnected means the expected peer connection arrived.
	SlotConnected
	// SlotExpired means the slot timed out without a connection.
	SlotExpired
)

// String returns a string representation of the slot state.
func (s SlotState) String() string {
	switch s {
	case SlotWaiting:
		return "waiting"
	case SlotAnnounced:
		return "announced"
	case SlotConnected:
		return "connected"
	case SlotExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Slot is a snapshot of a wait slot.
type Slot struct {
	SenderPoint  *net.TCPAddr
	RequestPoint *net.TCPAddr
	RemoteInfo   session.User
	State        SlotState
	Opened       time.Time
	// ConnID is the peer connection ID once the slot is connected.
	ConnID string
}

// open reports whether the slot still accepts a connection.
func (s *Slot) open() bool {
	return s.State == SlotWaiting || s.State == SlotAnnounced
}

func (s *Slot) snapshot() Slot {
	c := *s
	c.RemoteInfo = s.RemoteInfo.Clone()
	return c
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// SlotTable holds the wait slots keyed by the endpoint the expected peer
// connects from. It is consulted by the transport for every inbound
// connection.
type SlotTable struct {
	mu           sync.Mutex
	slots        map[string]*Slot
	ttl          time.Duration
	requireSlot  bool
	onConnected  func(Slot)
	timeProvider TimeProvider
}

// NewSlotTable creates an empty table whose slots expire after ttl.
// A non-positive ttl uses DefaultSlotTTL.
func NewSlotTable(ttl time.Duration) *SlotTable {
	if ttl <= 0 {
		ttl = DefaultSlotTTL
	}
	return &SlotTable{
		slots:        make(map[string]*Slot),
		ttl:          ttl,
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (t *SlotTable) SetTimeProvider(tp TimeProvider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeProvider = tp
}

// SetRequireSlot makes Admit refuse connections that match no open slot.
func (t *SlotTable) SetRequireSlot(require bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requireSlot = require
}

// OnConnected sets a callback invoked after a slot completes.
func (t *SlotTable) OnConnected(callback func(Slot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnected = callback
}

// slotKey normalizes an endpoint so that equal addresses share a key.
func slotKey(a *net.TCPAddr) string {
	ip := a.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return net.JoinHostPort(ip.String(), fmt.Sprint(a.Port))
}

// Open registers a slot for sender. If an open slot for sender already
// exists it is returned unchanged with created set to false.
func (t *SlotTable) Open(sender, request *net.TCPAddr, remote session.User) (slot Slot, created bool) {
	key := slotKey(sender)

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.slots[key]; ok && existing.open() {
		logrus.WithFields(logrus.Fields{
			"function": "Open",
			"sender":   key,
			"state":    existing.State.String(),
		}).Warn("Wait slot already open, reusing")
		return existing.snapshot(), false
	}

	s := &Slot{
		SenderPoint:  sender,
		RequestPoint: request,
		RemoteInfo:   remote.Clone(),
		State:        SlotWaiting,
		Opened:       t.timeProvider.Now(),
	}
	t.slots[key] = s

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"sender":   key,
		"request":  request.String(),
		"remote":   remote.Nick,
	}).Info("Opened wait slot")

	return s.snapshot(), true
}

// MarkAnnounced records that the acknowledgement for sender was delivered.
func (t *SlotTable) MarkAnnounced(sender *net.TCPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.slots[slotKey(sender)]; ok && s.State == SlotWaiting {
		s.State = SlotAnnounced
	}
}

// Get returns the slot for sender.
func (t *SlotTable) Get(sender *net.TCPAddr) (Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[slotKey(sender)]
	if !ok {
		return Slot{}, false
	}
	return s.snapshot(), true
}

// Len returns the number of slots in the table.
func (t *SlotTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Admit implements transport.AcceptPolicy. A connection from the exact
// sender endpoint completes its slot. Failing that, the oldest open slot
// whose sender has the same IP completes, since NAT may remap the port.
func (t *SlotTable) Admit(remote net.Addr) error {
	addr, err := net.ResolveTCPAddr("tcp", remote.String())
	if err != nil {
		return fmt.Errorf("remote endpoint %s: %w", remote, err)
	}

	t.mu.Lock()
	match := t.match(addr)
	var connected Slot
	if match != nil {
		match.State = SlotConnected
		match.ConnID = remote.String()
		connected = match.snapshot()
	}
	callback := t.onConnected
	require := t.requireSlot
	t.mu.Unlock()

	if match == nil {
		if require {
			logrus.WithFields(logrus.Fields{
				"function": "Admit",
				"remote":   remote.String(),
			}).Warn("Refusing connection without wait slot")
			return fmt.Errorf("%w: %s", ErrNoSlot, remote)
		}
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Admit",
		"remote":   remote.String(),
		"sender":   slotKey(connected.SenderPoint),
		"nick":     connected.RemoteInfo.Nick,
	}).Info("Wait slot connected")

	if callback != nil {
		callback(connected)
	}
	return nil
}

// match finds the slot for addr. Caller holds t.mu.
func (t *SlotTable) match(addr *net.TCPAddr) *Slot {
	if s, ok := t.slots[slotKey(addr)]; ok && s.open() {
		return s
	}

	var best *Slot
	for _, s := range t.slots {
		if !s.open() || !s.SenderPoint.IP.Equal(addr.IP) {
			continue
		}
		if best == nil || s.Opened.Before(best.Opened) {
			best = s
		}
	}
	return best
}

// Expire marks open slots older than the TTL as expired and drops finished
// slots older than the TTL. It returns the slots that expired.
func (t *SlotTable) Expire() []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.timeProvider.Now()
	var expired []Slot
	for key, s := range t.slots {
		if now.Sub(s.Opened) < t.ttl {
			continue
		}
		if s.open() {
			s.State = SlotExpired
			expired = append(expired, s.snapshot())

			logrus.WithFields(logrus.Fields{
				"function": "Expire",
				"sender":   key,
				"remote":   s.RemoteInfo.Nick,
				"ttl":      t.ttl,
			}).Warn("Wait slot expired without connection")
			continue
		}
		delete(t.slots, key)
	}
	return expired
}
