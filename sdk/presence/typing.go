// Package presence tracks ephemeral state: who is typing where, and who is online.
package presence

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mbeoliero/kit/log"
	"golang.org/x/time/rate"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk/notify"
)

// Publisher sends our typing state to the server
type Publisher interface {
	SendTyping(ctx context.Context, conversationId string, typing bool) error
}

// TypingChange lists who is typing in a conversation after a change
type TypingChange struct {
	ConversationId string
	Users          []string
}

// Option configures a Tracker
type Option func(*Tracker)

// WithThrottle sets the minimum gap between outbound start events
func WithThrottle(d time.Duration) Option {
	return func(t *Tracker) { t.throttle = d }
}

// WithIdle sets how long after the last keystroke an implicit stop is sent
func WithIdle(d time.Duration) Option {
	return func(t *Tracker) { t.idle = d }
}

// WithExpiry sets how long an inbound typing event stays valid without refresh
func WithExpiry(d time.Duration) Option {
	return func(t *Tracker) { t.expiry = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type outbound struct {
	limiter *rate.Limiter
	timer   *time.Timer
	gen     uint64
	typing  bool
}

// Tracker throttles our typing events and expires other users' typing state
type Tracker struct {
	pub      Publisher
	selfId   string
	throttle time.Duration
	idle     time.Duration
	expiry   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	out     map[string]*outbound
	in      map[string]map[string]time.Time // conversation -> user -> expires at
	changes *notify.Hub[TypingChange]
}

// NewTracker creates a tracker publishing through pub
func NewTracker(pub Publisher, selfId string, opts ...Option) *Tracker {
	t := &Tracker{
		pub:      pub,
		selfId:   selfId,
		throttle: time.Second,
		idle:     3 * time.Second,
		expiry:   5 * time.Second,
		now:      time.Now,
		out:      make(map[string]*outbound),
		in:       make(map[string]map[string]time.Time),
		changes:  notify.NewHub[TypingChange](),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe registers fn for inbound typing changes
func (t *Tracker) Subscribe(fn func(TypingChange)) (cancel func()) {
	return t.changes.Subscribe(fn)
}

// StartTyping reports a keystroke. At most one start event is emitted per
// throttle window, and a stop follows automatically after the idle timeout.
func (t *Tracker) StartTyping(ctx context.Context, conversationId string) error {
	t.mu.Lock()
	o, ok := t.out[conversationId]
	if !ok {
		o = &outbound{limiter: rate.NewLimiter(rate.Every(t.throttle), 1)}
		t.out[conversationId] = o
	}
	o.gen++
	gen := o.gen
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timer = time.AfterFunc(t.idle, func() { t.idleStop(conversationId, gen) })
	emit := o.limiter.AllowN(t.now(), 1)
	o.typing = true
	t.mu.Unlock()

	if !emit {
		return nil
	}
	return t.pub.SendTyping(ctx, conversationId, true)
}

// StopTyping emits a stop if a start is outstanding
func (t *Tracker) StopTyping(ctx context.Context, conversationId string) error {
	t.mu.Lock()
	o, ok := t.out[conversationId]
	if !ok || !o.typing {
		t.mu.Unlock()
		return nil
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	delete(t.out, conversationId)
	t.mu.Unlock()

	return t.pub.SendTyping(ctx, conversationId, false)
}

func (t *Tracker) idleStop(conversationId string, gen uint64) {
	t.mu.Lock()
	o, ok := t.out[conversationId]
	if !ok || o.gen != gen || !o.typing {
		t.mu.Unlock()
		return
	}
	delete(t.out, conversationId)
	t.mu.Unlock()

	if err := t.pub.SendTyping(context.Background(), conversationId, false); err != nil {
		log.Debug("idle typing stop failed: conversation_id=%s, err=%v", conversationId, err)
	}
}

// Handle applies an inbound typing event. Our own echoes are ignored.
func (t *Tracker) Handle(d protocol.TypingData) {
	if d.UserId == "" || d.UserId == t.selfId {
		return
	}

	t.mu.Lock()
	now := t.now()
	before := t.activeLocked(d.ConversationId, now)
	users := t.in[d.ConversationId]
	if d.Typing {
		if users == nil {
			users = make(map[string]time.Time)
			t.in[d.ConversationId] = users
		}
		users[d.UserId] = now.Add(t.expiry)
	} else {
		delete(users, d.UserId)
		if len(users) == 0 {
			delete(t.in, d.ConversationId)
		}
	}
	list := t.activeLocked(d.ConversationId, now)
	t.mu.Unlock()

	if !slices.Equal(before, list) {
		t.changes.Publish(TypingChange{ConversationId: d.ConversationId, Users: list})
	}
}

// Typing returns who is typing in a conversation, excluding expired entries
func (t *Tracker) Typing(conversationId string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked(conversationId, t.now())
}

func (t *Tracker) activeLocked(conversationId string, now time.Time) []string {
	var out []string
	for user, until := range t.in[conversationId] {
		if now.Before(until) {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep drops expired entries and publishes the affected conversations
func (t *Tracker) Sweep() {
	now := t.now()
	var changes []TypingChange

	t.mu.Lock()
	for convId, users := range t.in {
		expired := false
		for user, until := range users {
			if !now.Before(until) {
				delete(users, user)
				expired = true
			}
		}
		if !expired {
			continue
		}
		if len(users) == 0 {
			delete(t.in, convId)
		}
		changes = append(changes, TypingChange{ConversationId: convId, Users: t.activeLocked(convId, now)})
	}
	t.mu.Unlock()

	for _, c := range changes {
		t.changes.Publish(c)
	}
}

// Run sweeps periodically until ctx is done
func (t *Tracker) Run(ctx context.Context) {
	interval := t.expiry / 5
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Clear forgets all typing state without emitting anything, e.g. on disconnect
func (t *Tracker) Clear() {
	t.mu.Lock()
	for _, o := range t.out {
		if o.timer != nil {
			o.timer.Stop()
		}
	}
	t.out = make(map[string]*outbound)
	cleared := make([]string, 0, len(t.in))
	for convId := range t.in {
		cleared = append(cleared, convId)
	}
	t.in = make(map[string]map[string]time.Time)
	t.mu.Unlock()

	for _, convId := range cleared {
		t.changes.Publish(TypingChange{ConversationId: convId})
	}
}
