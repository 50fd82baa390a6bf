package concat

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zappipe/config"
	"zappipe/internal/models"
	"zappipe/internal/store"
	"zappipe/pkg/logger"
)

const defaultLanes = 8

var coarseTypes = []models.CoarseType{
	models.CoarseText,
	models.CoarseAudio,
	models.CoarseImage,
	models.CoarseVideo,
	models.CoarseDocument,
	models.CoarseLocation,
	models.CoarseContact,
}

// SessionLookup loads the session an event belongs to.
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
}

type buffer struct {
	key      Key
	events   []models.InboundMessageEvent
	openedAt time.Time
	timer    Timer
	seq      uint64
}

// lane is an unbounded FIFO of batches drained by one goroutine. push never
// blocks, so cutting a batch under the concatenator lock cannot wait on the sink.
type lane struct {
	mu     sync.Mutex
	items  []*Batch
	closed bool
	ready  chan struct{}
}

func newLane() *lane {
	return &lane{ready: make(chan struct{}, 1)}
}

func (l *lane) push(b *Batch) {
	l.mu.Lock()
	l.items = append(l.items, b)
	l.mu.Unlock()
	l.signal()
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *lane) signal() {
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// next blocks until a batch is queued. It returns false once the lane is closed and empty.
func (l *lane) next() (*Batch, bool) {
	for {
		l.mu.Lock()
		if len(l.items) > 0 {
			b := l.items[0]
			l.items[0] = nil
			l.items = l.items[1:]
			l.mu.Unlock()
			return b, true
		}
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil, false
		}
		<-l.ready
	}
}

func (l *lane) backlog() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Concatenator buffers text fragments per Key and emits one Batch per flush.
// All timers are owned by the concatenator; every flush for a
// (session, contact) pair goes through the same lane so batches reach the
// sink in the order they were cut.
type Concatenator struct {
	cfg      config.ConcatConfig
	sessions SessionLookup
	sink     Sink
	sched    Scheduler
	validate *validator.Validate
	log      zerolog.Logger

	mu      sync.Mutex
	buffers map[Key]*buffer
	seq     uint64
	closed  bool

	lanes []*lane
	wg    sync.WaitGroup
}

// New starts the flush lanes. sched may be nil for the wall clock.
func New(cfg config.ConcatConfig, sessions SessionLookup, sink Sink, sched Scheduler) *Concatenator {
	if sched == nil {
		sched = WallClock()
	}
	if cfg.MaxMessages < 1 {
		cfg.MaxMessages = 10
	}
	if cfg.FlushAttempts < 1 {
		cfg.FlushAttempts = 1
	}
	c := &Concatenator{
		cfg:      cfg,
		sessions: sessions,
		sink:     sink,
		sched:    sched,
		validate: validator.New(),
		log:      logger.Component("concat"),
		buffers:  make(map[Key]*buffer),
		lanes:    make([]*lane, defaultLanes),
	}
	for i := range c.lanes {
		c.lanes[i] = newLane()
		c.wg.Add(1)
		go c.runLane(c.lanes[i])
	}
	return c
}

func mergeable(t models.CoarseType) bool {
	return t == models.CoarseText
}

// Ingest validates ev and adds it to its buffer. Non-text events are emitted
// immediately, after any pending text of the same conversation.
func (c *Concatenator) Ingest(ctx context.Context, ev models.InboundMessageEvent) error {
	if err := c.check(ctx, &ev); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	key := Key{SessionID: ev.SessionID, ContactID: ev.ContactID, Direction: ev.Direction, Coarse: ev.Type.Coarse()}

	// a different coarse type finalizes whatever is pending for the conversation
	for _, other := range coarseTypes {
		if other == key.Coarse {
			continue
		}
		okey := key
		okey.Coarse = other
		if b, ok := c.buffers[okey]; ok {
			c.flushLocked(b, ReasonTypeChange)
		}
	}

	now := c.sched.Now()
	if !mergeable(key.Coarse) {
		c.emitLocked(&buffer{key: key, events: []models.InboundMessageEvent{ev}, openedAt: now}, ReasonSingle)
		return nil
	}

	b, ok := c.buffers[key]
	if !ok {
		c.seq++
		b = &buffer{key: key, openedAt: now, seq: c.seq}
		c.buffers[key] = b
	}
	b.events = append(b.events, ev)

	if len(b.events) >= c.cfg.MaxMessages {
		c.flushLocked(b, ReasonSize)
		return nil
	}
	if !ok || c.cfg.ResetOnArrival {
		c.armLocked(b, now)
	}
	return nil
}

func (c *Concatenator) check(ctx context.Context, ev *models.InboundMessageEvent) error {
	if err := c.validate.Struct(ev); err != nil {
		return &InvalidEventError{SessionID: ev.SessionID, Reason: err.Error()}
	}
	if ev.Type.IsMedia() && ev.MediaURL == "" {
		return &InvalidEventError{SessionID: ev.SessionID, Reason: fmt.Sprintf("%s event without media_url", ev.Type)}
	}
	if ev.Type == models.TypeText && ev.Body == "" {
		return &InvalidEventError{SessionID: ev.SessionID, Reason: "text event without body"}
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = c.sched.Now()
	}

	sess, err := c.sessions.GetSession(ctx, ev.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return &InvalidEventError{SessionID: ev.SessionID, Reason: "session not found"}
	}
	if err != nil {
		return fmt.Errorf("load session %s: %w", ev.SessionID, err)
	}
	if sess.Status == models.SessionClosed {
		return &InvalidEventError{SessionID: ev.SessionID, Reason: "session is closed"}
	}
	if sess.ContactID != ev.ContactID {
		return &InvalidEventError{SessionID: ev.SessionID, Reason: "contact does not belong to session"}
	}
	return nil
}

// armLocked (re)starts the buffer timer, capped by the remaining lifetime.
func (c *Concatenator) armLocked(b *buffer, now time.Time) {
	d := c.cfg.Window
	if c.cfg.MaxLifetime > 0 {
		if remaining := b.openedAt.Add(c.cfg.MaxLifetime).Sub(now); remaining < d {
			d = remaining
		}
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	if d <= 0 {
		c.flushLocked(b, ReasonMaxLifetime)
		return
	}

	c.seq++
	b.seq = c.seq
	seq := b.seq
	b.timer = c.sched.AfterFunc(d, func() { c.expire(b, seq) })
}

func (c *Concatenator) expire(b *buffer, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// a timer that lost the race against a re-arm or another flush is stale
	if cur, ok := c.buffers[b.key]; !ok || cur != b || b.seq != seq {
		return
	}
	reason := ReasonTimer
	if c.cfg.MaxLifetime > 0 && !c.sched.Now().Before(b.openedAt.Add(c.cfg.MaxLifetime)) {
		reason = ReasonMaxLifetime
	}
	c.flushLocked(b, reason)
}

func (c *Concatenator) flushLocked(b *buffer, reason FlushReason) {
	delete(c.buffers, b.key)
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	c.emitLocked(b, reason)
}

func (c *Concatenator) emitLocked(b *buffer, reason FlushReason) {
	if len(b.events) == 0 {
		return
	}
	batch := &Batch{
		ID:           uuid.NewString(),
		SessionID:    b.key.SessionID,
		ContactID:    b.key.ContactID,
		ConnectionID: b.events[0].ConnectionID,
		Direction:    b.key.Direction,
		Coarse:       b.key.Coarse,
		Events:       b.events,
		Reason:       reason,
		OpenedAt:     b.openedAt,
		FlushedAt:    c.sched.Now(),
	}
	c.log.Debug().
		Str("batchID", batch.ID).
		Str("sessionID", batch.SessionID).
		Str("reason", string(reason)).
		Int("fragments", len(batch.Events)).
		Msg("Buffer flushed")
	c.lanes[c.laneFor(b.key)].push(batch)
}

func (c *Concatenator) laneFor(k Key) int {
	h := fnv.New32a()
	h.Write([]byte(k.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(k.ContactID))
	return int(h.Sum32() % uint32(len(c.lanes)))
}

func (c *Concatenator) runLane(l *lane) {
	defer c.wg.Done()
	for {
		batch, ok := l.next()
		if !ok {
			return
		}
		c.deliver(batch)
	}
}

// deliver hands batch to the sink with bounded retries, then drops it.
func (c *Concatenator) deliver(batch *Batch) {
	ctx := context.Background()
	delay := c.cfg.FlushBackoff
	var err error
	for attempt := 1; attempt <= c.cfg.FlushAttempts; attempt++ {
		if err = c.sink.Flush(ctx, batch); err == nil {
			return
		}
		c.log.Warn().Err(err).Str("batchID", batch.ID).Int("attempt", attempt).Msg("Sink rejected batch")
		if attempt < c.cfg.FlushAttempts && delay > 0 {
			time.Sleep(delay)
			delay *= 2
		}
	}

	fragments := make([]string, len(batch.Events))
	for i, ev := range batch.Events {
		fragments[i] = ev.Body
	}
	c.log.Error().Err(err).
		Str("batchID", batch.ID).
		Str("sessionID", batch.SessionID).
		Str("contactID", batch.ContactID).
		Str("direction", string(batch.Direction)).
		Strs("fragments", fragments).
		Msg("Dropping batch after sink retries were exhausted")
}

// FlushKey emits every buffer of the (session, contact) pair and returns how many were flushed.
func (c *Concatenator) FlushKey(sessionID, contactID string) int {
	return c.flushMatching(ReasonManual, func(k Key) bool {
		return k.SessionID == sessionID && k.ContactID == contactID
	})
}

// FlushSession emits every buffer of the session.
func (c *Concatenator) FlushSession(sessionID string) int {
	return c.flushMatching(ReasonSession, func(k Key) bool { return k.SessionID == sessionID })
}

func (c *Concatenator) flushMatching(reason FlushReason, match func(Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var hit []*buffer
	for k, b := range c.buffers {
		if match(k) {
			hit = append(hit, b)
		}
	}
	sort.Slice(hit, func(i, j int) bool { return hit[i].openedAt.Before(hit[j].openedAt) })
	for _, b := range hit {
		c.flushLocked(b, reason)
	}
	return len(hit)
}

// Pending returns a copy of the fragments buffered for the pair, oldest first.
func (c *Concatenator) Pending(sessionID, contactID string) []models.InboundMessageEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.InboundMessageEvent, 0)
	for k, b := range c.buffers {
		if k.SessionID == sessionID && k.ContactID == contactID {
			out = append(out, b.events...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// BufferCount returns the number of open buffers.
func (c *Concatenator) BufferCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers)
}

// Backlog returns the number of cut batches not yet handed to the sink.
func (c *Concatenator) Backlog() int {
	n := 0
	for _, l := range c.lanes {
		n += l.backlog()
	}
	return n
}

// Close flushes every buffer and waits for the lanes to drain or ctx to end.
func (c *Concatenator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	n := len(c.buffers)
	for _, b := range c.buffers {
		c.flushLocked(b, ReasonShutdown)
	}
	c.closed = true
	for _, l := range c.lanes {
		l.close()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.log.Info().Int("flushed", n).Msg("Concatenator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for flush lanes: %w", ctx.Err())
	}
}
