// Package dispatch fans pane output and pane events out to subscribers.
//
// Output is not copied per event. The registry signals that a pane buffer
// grew; the dispatcher waits one batch window, then reads everything past
// each subscription's cursor straight from the buffer and sends it as one
// notification. A subscriber whose queue is full loses that delivery only on
// its own path: the cursor moves on, the subscription is marked lagging and
// its next delivery carries a discontinuity marker with the first missed
// sequence.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/muxd/internal/ringbuf"
	"pkt.systems/muxd/internal/rpc"
	"pkt.systems/muxd/schema"
)

// Defaults for Options.
const (
	DefaultBatchWindow   = 16 * time.Millisecond
	DefaultMaxBatchBytes = 1 << 20
	DefaultQueueDepth    = 64
)

// Source reads pane buffers. The registry implements it.
type Source interface {
	PaneOutput(paneID schema.PaneID, from uint64, maxBytes int) (ringbuf.Range, error)
	PaneNextSequence(paneID schema.PaneID) (uint64, error)
	PaneSessionID(paneID schema.PaneID) (schema.SessionID, error)
}

// Options tunes batching and queueing.
type Options struct {
	BatchWindow   time.Duration
	MaxBatchBytes int
	QueueDepth    int
	Logger        pslog.Logger
}

// Dispatcher implements core.EventSink.
type Dispatcher struct {
	window   time.Duration
	maxBatch int
	depth    int
	log      pslog.Logger

	srcMu sync.RWMutex
	src   Source

	mu     sync.Mutex
	subs   map[schema.SubscriptionID]*subscription
	byPane map[schema.PaneID]map[schema.SubscriptionID]*subscription
	timers map[schema.PaneID]*time.Timer
	closed bool
}

// New constructs a dispatcher. The source may be attached later with
// SetSource, since the registry itself needs the dispatcher as its sink.
func New(src Source, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = DefaultBatchWindow
	}
	if opts.MaxBatchBytes <= 0 {
		opts.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	return &Dispatcher{
		window:   opts.BatchWindow,
		maxBatch: opts.MaxBatchBytes,
		depth:    opts.QueueDepth,
		log:      logger,
		src:      src,
		subs:     make(map[schema.SubscriptionID]*subscription),
		byPane:   make(map[schema.PaneID]map[schema.SubscriptionID]*subscription),
		timers:   make(map[schema.PaneID]*time.Timer),
	}
}

// SetSource attaches the buffer source.
func (d *Dispatcher) SetSource(src Source) {
	d.srcMu.Lock()
	d.src = src
	d.srcMu.Unlock()
}

func (d *Dispatcher) source() Source {
	d.srcMu.RLock()
	defer d.srcMu.RUnlock()
	return d.src
}

// Subscriber is one delivery queue, normally a protocol connection. It may
// hold any number of subscriptions.
type Subscriber struct {
	name string
	ch   chan schema.Notification

	mu     sync.Mutex
	closed bool
	subs   map[schema.SubscriptionID]struct{}
	// dropped counts notifications lost to a full queue.
	dropped uint64
}

// C returns the delivery channel. It is closed by CloseSubscriber.
func (s *Subscriber) C() <-chan schema.Notification {
	return s.ch
}

// Dropped returns how many notifications were lost to a full queue.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) send(n schema.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- n:
		return true
	default:
		s.dropped++
		return false
	}
}

type subscription struct {
	id        schema.SubscriptionID
	paneID    schema.PaneID
	sessionID schema.SessionID
	owner     *Subscriber

	// mu serializes deliveries so sequences reach the owner in order.
	mu         sync.Mutex
	cursor     uint64
	lagging    bool
	missedFrom uint64
	done       bool
}

// NewSubscriber registers a delivery queue.
func (d *Dispatcher) NewSubscriber(name string) *Subscriber {
	return &Subscriber{
		name: name,
		ch:   make(chan schema.Notification, d.depth),
		subs: make(map[schema.SubscriptionID]struct{}),
	}
}

// Subscribe starts streaming a pane to sub. A nil since streams only output
// produced from now on; otherwise retained output from *since (zero meaning
// the oldest retained chunk) is replayed first. It returns the subscription
// id and the sequence the stream starts at.
func (d *Dispatcher) Subscribe(sub *Subscriber, paneID schema.PaneID, since *uint64) (schema.SubscriptionID, uint64, error) {
	src := d.source()
	if src == nil {
		return "", 0, schema.ErrPaneNotFound
	}
	sessionID, err := src.PaneSessionID(paneID)
	if err != nil {
		return "", 0, err
	}
	next, err := src.PaneNextSequence(paneID)
	if err != nil {
		return "", 0, err
	}
	cursor := next
	replay := false
	if since != nil && *since < next {
		cursor = *since
		replay = true
	}
	s := &subscription{
		id:        schema.SubscriptionID("sub_" + strings.ReplaceAll(uuid.NewString(), "-", "")),
		paneID:    paneID,
		sessionID: sessionID,
		owner:     sub,
		cursor:    cursor,
	}

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return "", 0, schema.ErrCancelled
	}
	sub.subs[s.id] = struct{}{}
	sub.mu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", 0, schema.ErrCancelled
	}
	d.subs[s.id] = s
	paneSubs := d.byPane[paneID]
	if paneSubs == nil {
		paneSubs = make(map[schema.SubscriptionID]*subscription)
		d.byPane[paneID] = paneSubs
	}
	paneSubs[s.id] = s
	count := len(paneSubs)
	// Output appended between reading the cursor and registering is only
	// seen by a flush, so always arm one.
	delay := d.window
	if replay {
		delay = 0
	}
	d.scheduleLocked(paneID, delay)
	d.mu.Unlock()

	d.log.With("pane", paneID).Debug("dispatch subscribe", "subscription", s.id, "subscriber", sub.name, "cursor", cursor, "subs", count)
	return s.id, cursor, nil
}

// Unsubscribe removes one subscription. A delivery already in progress
// completes; nothing is delivered afterwards.
func (d *Dispatcher) Unsubscribe(id schema.SubscriptionID) error {
	d.mu.Lock()
	s, ok := d.subs[id]
	if ok {
		d.removeLocked(s)
	}
	d.mu.Unlock()
	if !ok {
		return schema.ErrSubscriptionNotFound
	}
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.owner.mu.Lock()
	delete(s.owner.subs, id)
	s.owner.mu.Unlock()
	d.log.With("pane", s.paneID).Debug("dispatch unsubscribe", "subscription", id)
	return nil
}

// Owns reports whether subscription id belongs to sub.
func (d *Dispatcher) Owns(sub *Subscriber, id schema.SubscriptionID) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	_, ok := sub.subs[id]
	return ok
}

// CloseSubscriber drops every subscription of sub and closes its channel.
func (d *Dispatcher) CloseSubscriber(sub *Subscriber) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	close(sub.ch)
	ids := make([]schema.SubscriptionID, 0, len(sub.subs))
	for id := range sub.subs {
		ids = append(ids, id)
	}
	dropped := sub.dropped
	sub.mu.Unlock()

	for _, id := range ids {
		_ = d.Unsubscribe(id)
	}
	d.log.Debug("dispatch subscriber closed", "subscriber", sub.name, "subscriptions", len(ids), "dropped", dropped)
}

// Close stops pending timers. Subscribers are closed by their owners.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for paneID, t := range d.timers {
		t.Stop()
		delete(d.timers, paneID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) removeLocked(s *subscription) {
	delete(d.subs, s.id)
	if paneSubs := d.byPane[s.paneID]; paneSubs != nil {
		delete(paneSubs, s.id)
		if len(paneSubs) == 0 {
			delete(d.byPane, s.paneID)
			if t := d.timers[s.paneID]; t != nil {
				t.Stop()
				delete(d.timers, s.paneID)
			}
		}
	}
}

func (d *Dispatcher) paneSubsLocked(paneID schema.PaneID) []*subscription {
	paneSubs := d.byPane[paneID]
	out := make([]*subscription, 0, len(paneSubs))
	for _, s := range paneSubs {
		out = append(out, s)
	}
	return out
}

func (d *Dispatcher) paneSubs(paneID schema.PaneID) []*subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paneSubsLocked(paneID)
}

// scheduleLocked arms one flush per pane per window; output arriving while
// armed rides along with it.
func (d *Dispatcher) scheduleLocked(paneID schema.PaneID, delay time.Duration) {
	if d.closed {
		return
	}
	if _, armed := d.timers[paneID]; armed {
		return
	}
	d.timers[paneID] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, paneID)
		d.mu.Unlock()
		d.flush(paneID)
	})
}

// flush delivers pending output of one pane to all its subscriptions.
func (d *Dispatcher) flush(paneID schema.PaneID) {
	for _, s := range d.paneSubs(paneID) {
		d.deliver(s)
	}
}

// maxRounds bounds one delivery so a pane that never goes quiet cannot pin
// the flushing goroutine; the remainder is picked up by a new flush.
const maxRounds = 8

func (d *Dispatcher) deliver(s *subscription) {
	src := d.source()
	if src == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for round := 0; !s.done; round++ {
		if round == maxRounds {
			d.mu.Lock()
			d.scheduleLocked(s.paneID, d.window)
			d.mu.Unlock()
			return
		}
		r, err := src.PaneOutput(s.paneID, s.cursor, d.maxBatch)
		if err != nil || len(r.Data) == 0 {
			return
		}
		if r.Truncated && !s.lagging {
			s.lagging = true
			s.missedFrom = s.cursor
		}
		data, encoding := schema.EncodeData(r.Data)
		n := schema.PaneOutputNotification{
			SubscriptionID: s.id,
			PaneID:         s.paneID,
			Data:           data,
			Encoding:       encoding,
			Sequence:       r.First,
			NextSequence:   r.Next,
			Timestamp:      time.Now().UTC(),
		}
		if s.lagging {
			n.Discontinuity = true
			n.MissedFrom = s.missedFrom
		}
		if s.owner.send(schema.Notification{Method: schema.EventPaneOutput, Params: n}) {
			if s.lagging {
				d.log.With("pane", s.paneID).Info("dispatch subscriber resumed", "subscription", s.id, "missed_from", s.missedFrom, "sequence", r.First)
			}
			s.lagging = false
			s.missedFrom = 0
		} else if !s.lagging {
			s.lagging = true
			s.missedFrom = r.First
			d.log.With("pane", s.paneID).Warn("dispatch subscriber lagging", "subscription", s.id, "subscriber", s.owner.name, "missed_from", r.First)
		}
		s.cursor = r.Next
	}
}

// flushNow delivers pending output before a control event so subscribers
// see output and lifecycle changes in order.
func (d *Dispatcher) flushNow(paneID schema.PaneID) []*subscription {
	d.mu.Lock()
	if t := d.timers[paneID]; t != nil {
		t.Stop()
		delete(d.timers, paneID)
	}
	subs := d.paneSubsLocked(paneID)
	d.mu.Unlock()
	for _, s := range subs {
		d.deliver(s)
	}
	return subs
}

func (d *Dispatcher) broadcast(subs []*subscription, n schema.Notification) {
	seen := make(map[*Subscriber]struct{}, len(subs))
	for _, s := range subs {
		if _, ok := seen[s.owner]; ok {
			continue
		}
		seen[s.owner] = struct{}{}
		s.mu.Lock()
		done := s.done
		s.mu.Unlock()
		if done {
			continue
		}
		if !s.owner.send(n) {
			d.log.With("pane", s.paneID).Trace("dispatch dropped", "method", n.Method, "subscriber", s.owner.name)
		}
	}
}

// OnOutput schedules a batched delivery for the pane.
func (d *Dispatcher) OnOutput(event schema.OutputEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.byPane[event.PaneID]) == 0 {
		return
	}
	d.scheduleLocked(event.PaneID, d.window)
}

// OnExit forwards pane.exit after any pending output.
func (d *Dispatcher) OnExit(event schema.ExitEvent) {
	subs := d.flushNow(event.PaneID)
	d.broadcast(subs, schema.Notification{Method: schema.EventPaneExit, Params: schema.PaneExitNotification{
		PaneID:    event.PaneID,
		ExitCode:  event.Status.Code,
		Signal:    event.Status.Signal,
		Timestamp: time.Now().UTC(),
	}})
}

// OnHealthChanged forwards pane.health_changed.
func (d *Dispatcher) OnHealthChanged(event schema.HealthEvent) {
	subs := d.flushNow(event.PaneID)
	d.broadcast(subs, schema.Notification{Method: schema.EventPaneHealthChanged, Params: schema.PaneHealthNotification{
		PaneID:    event.PaneID,
		Old:       event.Old,
		New:       event.New,
		Timestamp: time.Now().UTC(),
	}})
}

// OnResize forwards pane.resized.
func (d *Dispatcher) OnResize(event schema.ResizeEvent) {
	subs := d.flushNow(event.PaneID)
	d.broadcast(subs, schema.Notification{Method: schema.EventPaneResized, Params: schema.PaneResizedNotification{
		PaneID:    event.PaneID,
		Rows:      event.Dimensions.Rows,
		Cols:      event.Dimensions.Cols,
		Timestamp: time.Now().UTC(),
	}})
}

// OnRestart forwards pane.restarted.
func (d *Dispatcher) OnRestart(event schema.RestartEvent) {
	subs := d.flushNow(event.PaneID)
	d.broadcast(subs, schema.Notification{Method: schema.EventPaneRestarted, Params: schema.PaneRestartedNotification{
		PaneID:    event.PaneID,
		Attempt:   event.Attempt,
		PID:       event.PID,
		Timestamp: time.Now().UTC(),
	}})
}

// OnPaneClosed ends every subscription of the pane with pane.closed.
func (d *Dispatcher) OnPaneClosed(event schema.PaneClosedEvent) {
	subs := d.flushNow(event.PaneID)
	for _, s := range subs {
		s.mu.Lock()
		done := s.done
		s.mu.Unlock()
		if done {
			continue
		}
		s.owner.send(schema.Notification{Method: schema.EventPaneClosed, Params: schema.PaneClosedNotification{
			SubscriptionID: s.id,
			PaneID:         s.paneID,
			Timestamp:      time.Now().UTC(),
		}})
		_ = d.Unsubscribe(s.id)
	}
}

// OnSessionChanged forwards session.changed to subscribers of the session's panes.
func (d *Dispatcher) OnSessionChanged(event schema.SessionEvent) {
	d.mu.Lock()
	subs := make([]*subscription, 0)
	for _, s := range d.subs {
		if s.sessionID == event.SessionID {
			subs = append(subs, s)
		}
	}
	d.mu.Unlock()
	d.broadcast(subs, schema.Notification{Method: schema.EventSessionChanged, Params: schema.SessionChangedNotification{
		SessionID:    event.SessionID,
		Name:         event.Name,
		ActivePaneID: event.ActivePaneID,
		Deleted:      event.Deleted,
		Timestamp:    time.Now().UTC(),
	}})
}

// OnError forwards error notifications for a pane.
func (d *Dispatcher) OnError(event schema.ErrorEvent) {
	d.broadcast(d.paneSubs(event.PaneID), schema.Notification{Method: schema.EventError, Params: schema.ErrorNotification{
		Code:      rpc.CodeForKind(event.Kind),
		Kind:      event.Kind,
		Message:   event.Message,
		PaneID:    event.PaneID,
		Timestamp: time.Now().UTC(),
	}})
}
