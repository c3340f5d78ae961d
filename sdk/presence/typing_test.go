package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

type sent struct {
	conv   string
	typing bool
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []sent
}

func (p *fakePublisher) SendTyping(ctx context.Context, conversationId string, typing bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, sent{conversationId, typing})
	return nil
}

func (p *fakePublisher) snapshot() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func TestStartTypingIsThrottled(t *testing.T) {
	pub := &fakePublisher{}
	clock := newClock()
	tr := NewTracker(pub, "alice", WithClock(clock.Now), WithIdle(time.Hour))

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.StartTyping(context.Background(), "c1"))
		clock.Advance(100 * time.Millisecond)
	}
	assert.Equal(t, []sent{{"c1", true}}, pub.snapshot())

	clock.Advance(time.Second)
	require.NoError(t, tr.StartTyping(context.Background(), "c1"))
	assert.Equal(t, []sent{{"c1", true}, {"c1", true}}, pub.snapshot())

	// Throttling is per conversation.
	require.NoError(t, tr.StartTyping(context.Background(), "c2"))
	assert.Len(t, pub.snapshot(), 3)
}

func TestStopTypingOnlyAfterStart(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(pub, "alice", WithIdle(time.Hour))

	require.NoError(t, tr.StopTyping(context.Background(), "c1"))
	assert.Empty(t, pub.snapshot())

	require.NoError(t, tr.StartTyping(context.Background(), "c1"))
	require.NoError(t, tr.StopTyping(context.Background(), "c1"))
	require.NoError(t, tr.StopTyping(context.Background(), "c1"))
	assert.Equal(t, []sent{{"c1", true}, {"c1", false}}, pub.snapshot())

	// After a stop, the next start is emitted immediately.
	require.NoError(t, tr.StartTyping(context.Background(), "c1"))
	assert.Len(t, pub.snapshot(), 3)
}

func TestImplicitStopAfterIdle(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(pub, "alice", WithIdle(20*time.Millisecond))

	require.NoError(t, tr.StartTyping(context.Background(), "c1"))
	require.Eventually(t, func() bool {
		return len(pub.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, sent{"c1", false}, pub.snapshot()[1])
}

func TestKeystrokesPostponeImplicitStop(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(pub, "alice", WithIdle(60*time.Millisecond))

	for i := 0; i < 4; i++ {
		require.NoError(t, tr.StartTyping(context.Background(), "c1"))
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, []sent{{"c1", true}}, pub.snapshot())
	require.Eventually(t, func() bool {
		return len(pub.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestInboundTypingExpires(t *testing.T) {
	clock := newClock()
	tr := NewTracker(&fakePublisher{}, "alice", WithClock(clock.Now), WithExpiry(5*time.Second))

	var changes []TypingChange
	tr.Subscribe(func(c TypingChange) { changes = append(changes, c) })

	tr.Handle(protocol.TypingData{ConversationId: "c1", UserId: "bob", Typing: true})
	tr.Handle(protocol.TypingData{ConversationId: "c1", UserId: "alice", Typing: true})
	assert.Equal(t, []string{"bob"}, tr.Typing("c1"))

	clock.Advance(6 * time.Second)
	assert.Empty(t, tr.Typing("c1"))

	tr.Sweep()
	require.Len(t, changes, 2)
	assert.Empty(t, changes[1].Users)
}

func TestInboundRefreshAndStop(t *testing.T) {
	clock := newClock()
	tr := NewTracker(&fakePublisher{}, "alice", WithClock(clock.Now), WithExpiry(5*time.Second))

	tr.Handle(protocol.TypingData{ConversationId: "c1", UserId: "bob", Typing: true})
	clock.Advance(4 * time.Second)
	tr.Handle(protocol.TypingData{ConversationId: "c1", UserId: "bob", Typing: true})
	clock.Advance(4 * time.Second)
	assert.Equal(t, []string{"bob"}, tr.Typing("c1"))

	tr.Handle(protocol.TypingData{ConversationId: "c1", UserId: "bob", Typing: false})
	assert.Empty(t, tr.Typing("c1"))
}

func TestClearDropsEverything(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(pub, "alice", WithIdle(20*time.Millisecond))

	require.NoError(t, tr.StartTyping(context.Background(), "c1"))
	tr.Handle(protocol.TypingData{ConversationId: "c1", UserId: "bob", Typing: true})
	tr.Clear()

	assert.Empty(t, tr.Typing("c1"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []sent{{"c1", true}}, pub.snapshot(), "no stop after clear")
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	tr := NewTracker(&fakePublisher{}, "alice", WithExpiry(25*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	expired := make(chan struct{}, 1)
	tr.Subscribe(func(c TypingChange) {
		if len(c.Users) == 0 {
			select {
			case expired <- struct{}{}:
			default:
			}
		}
	})
	go tr.Run(ctx)

	tr.Handle(protocol.TypingData{ConversationId: "c1", UserId: "bob", Typing: true})
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("typing never expired")
	}
}
