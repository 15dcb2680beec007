package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	s1 := b.Subscribe(TopicGlobal)
	s2 := b.Subscribe(TopicGlobal)
	defer s1.Close()
	defer s2.Close()

	b.Publish(TopicGlobal, Message{Kind: KindTaskStateChange, TaskID: "t1"})
	assert.Equal(t, "t1", recv(t, s1).TaskID)
	assert.Equal(t, "t1", recv(t, s2).TaskID)
}

func TestPublishAgentHitsBothTopics(t *testing.T) {
	b := New()
	global := b.Subscribe(TopicGlobal)
	agent := b.Subscribe(AgentTopic("a1"))
	other := b.Subscribe(AgentTopic("a2"))
	defer global.Close()
	defer agent.Close()
	defer other.Close()

	b.PublishAgent("a1", Message{Kind: KindAgentEvent})
	assert.Equal(t, "a1", recv(t, global).AgentRunID)
	assert.Equal(t, "a1", recv(t, agent).AgentRunID)

	select {
	case <-other.C():
		t.Fatal("agent:a2 subscriber must not receive a1 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriberReceivesOnlyAfterSubscription(t *testing.T) {
	b := New()
	b.Publish(TopicGlobal, Message{Kind: KindTaskStateChange, TaskID: "early"})
	sub := b.Subscribe(TopicGlobal)
	defer sub.Close()
	b.Publish(TopicGlobal, Message{Kind: KindTaskStateChange, TaskID: "late"})
	assert.Equal(t, "late", recv(t, sub).TaskID)
}

func TestOrderPreservedPerPublisher(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicGlobal)
	defer sub.Close()

	const n = 100
	for i := 0; i < n; i++ {
		b.Publish(TopicGlobal, Message{Kind: KindTaskStateChange, TaskID: fmt.Sprint(i)})
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprint(i), recv(t, sub).TaskID)
	}
}

func TestOverflowDropsOldestAndDeliversLaggedOnce(t *testing.T) {
	b := NewWithBuffer(8)
	sub := b.Subscribe(TopicGlobal)
	defer sub.Close()

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(TopicGlobal, Message{Kind: KindTaskStateChange, TaskID: fmt.Sprint(i)})
	}

	// The pump may have forwarded an early prefix before the queue filled;
	// collect everything and verify shape: prefix, one lagged marker, suffix.
	var lagged, received int64
	laggedCount := 0
	for {
		msg := recv(t, sub)
		if msg.Kind == KindLagged {
			require.Greater(t, msg.Lagged, int64(0))
			lagged += msg.Lagged
			laggedCount++
			continue
		}
		received++
		if msg.TaskID == fmt.Sprint(n-1) {
			break
		}
	}
	require.Equal(t, 1, laggedCount, "exactly one lagged marker expected")
	assert.Equal(t, int64(n), received+lagged, "dropped + delivered covers every publish")
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewWithBuffer(1024)
	fast := b.Subscribe(TopicGlobal)
	slow := b.Subscribe(TopicGlobal) // never read until the end
	defer fast.Close()
	defer slow.Close()

	const n = 500
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			b.Publish(TopicGlobal, Message{Kind: KindTaskStateChange, TaskID: fmt.Sprint(i)})
		}
	}()

	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprint(i), recv(t, fast).TaskID)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestCloseIsIdempotentAndClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicGlobal)
	sub.Close()
	sub.Close()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}

	// Publishing after close must not panic or block.
	b.Publish(TopicGlobal, Message{Kind: KindTaskStateChange})
}

func TestCloseRacesWithPublish(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sub := b.Subscribe(TopicGlobal)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(TopicGlobal, Message{Kind: KindTaskStateChange})
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
}

func TestManySubscribersOneSlow(t *testing.T) {
	const subscribers = 20
	const events = 2000
	b := NewWithBuffer(256)

	var fast []*Subscription
	for i := 0; i < subscribers-1; i++ {
		fast = append(fast, b.Subscribe(TopicGlobal))
	}
	slow := b.Subscribe(TopicGlobal)
	defer slow.Close()

	var wg sync.WaitGroup
	for _, sub := range fast {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			defer sub.Close()
			for i := 0; i < events; i++ {
				select {
				case msg := <-sub.C():
					if msg.TaskID != fmt.Sprint(i) {
						t.Errorf("out of order: got %s want %d", msg.TaskID, i)
						return
					}
				case <-time.After(5 * time.Second):
					t.Error("fast subscriber starved")
					return
				}
			}
		}(sub)
	}

	for i := 0; i < events; i++ {
		b.Publish(TopicGlobal, Message{Kind: KindTaskStateChange, TaskID: fmt.Sprint(i)})
		if i%100 == 0 {
			// Give readers a chance to drain so only the idle subscriber lags.
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	// The slow subscriber sees a prefix, exactly one lagged marker, then
	// resumes with later events.
	sawLagged := false
	for {
		var msg Message
		select {
		case msg = <-slow.C():
		case <-time.After(time.Second):
			t.Fatal("slow subscriber starved")
		}
		if msg.Kind == KindLagged {
			require.False(t, sawLagged, "lagged marker delivered more than once")
			require.Greater(t, msg.Lagged, int64(0))
			sawLagged = true
			continue
		}
		if msg.TaskID == fmt.Sprint(events-1) {
			break
		}
	}
	assert.True(t, sawLagged)
}
