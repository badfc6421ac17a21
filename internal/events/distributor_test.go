package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDistributor(opts DistributorOptions) *Distributor {
	return NewDistributor(opts, zerolog.Nop())
}

func recv(t *testing.T, sub *Subscription) Frame {
	t.Helper()
	select {
	case f, ok := <-sub.Frames():
		require.True(t, ok, "subscription closed")
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Frame{}
}

func TestSubscribeSendsConnectedFirst(t *testing.T) {
	d := newTestDistributor(DistributorOptions{})
	sub, err := d.Subscribe("0xABC")
	require.NoError(t, err)
	defer sub.Close()

	f := recv(t, sub)
	assert.Equal(t, FrameConnected, f.Type)
	assert.Equal(t, "0xabc", f.Address)
}

func TestPublishRoutesByAddress(t *testing.T) {
	d := newTestDistributor(DistributorOptions{})
	mine, err := d.Subscribe("0xabc")
	require.NoError(t, err)
	other, err := d.Subscribe("0xdef")
	require.NoError(t, err)
	recv(t, mine)
	recv(t, other)

	d.Publish(RiskEvent{ID: "1", Address: "0xAbC", Severity: "DANGER"})

	f := recv(t, mine)
	assert.Equal(t, FrameEvent, f.Type)
	require.NotNil(t, f.Event)
	assert.Equal(t, "1", f.Event.ID)

	select {
	case f := <-other.Frames():
		t.Fatalf("unexpected frame for other address: %+v", f)
	default:
	}
}

func TestSubscribeLimits(t *testing.T) {
	d := newTestDistributor(DistributorOptions{MaxPerAddress: 2, MaxTotal: 3})

	_, err := d.Subscribe("0xa")
	require.NoError(t, err)
	second, err := d.Subscribe("0xa")
	require.NoError(t, err)

	_, err = d.Subscribe("0xA")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyConnections))
	assert.Contains(t, err.Error(), "per address")

	_, err = d.Subscribe("0xb")
	require.NoError(t, err)
	_, err = d.Subscribe("0xc")
	require.ErrorIs(t, err, ErrTooManyConnections)
	assert.Contains(t, err.Error(), "global")

	second.Close()
	second.Close()
	assert.Equal(t, 2, d.Count())
	assert.Equal(t, 1, d.CountFor("0xa"))

	_, err = d.Subscribe("0xc")
	require.NoError(t, err)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	d := newTestDistributor(DistributorOptions{MailboxSize: 2})
	slow, err := d.Subscribe("0xa")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		d.Publish(RiskEvent{Address: "0xa"})
	}

	assert.Equal(t, 0, d.CountFor("0xa"))
	drained := 0
	for range slow.Frames() {
		drained++
	}
	assert.Equal(t, 2, drained)
}

func TestKeepaliveFrames(t *testing.T) {
	d := newTestDistributor(DistributorOptions{KeepaliveInterval: 10 * time.Millisecond})
	sub, err := d.Subscribe("0xa")
	require.NoError(t, err)
	recv(t, sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	f := recv(t, sub)
	assert.Equal(t, FrameKeepalive, f.Type)
	assert.Equal(t, "0xa", f.Address)
}

func TestCloseDropsEverything(t *testing.T) {
	d := newTestDistributor(DistributorOptions{})
	a, _ := d.Subscribe("0xa")
	_, _ = d.Subscribe("0xb")
	d.Close()

	assert.Equal(t, 0, d.Count())
	recv(t, a)
	_, ok := <-a.Frames()
	assert.False(t, ok)
}

func TestLogAppendPublishesAndRecords(t *testing.T) {
	d := newTestDistributor(DistributorOptions{})
	log := NewLog(NewHistory(4), d)
	sub, err := d.Subscribe("0xa")
	require.NoError(t, err)
	recv(t, sub)

	log.Append(RiskEvent{ID: "x", Address: "0xa", AgentID: "agent"})

	assert.Equal(t, 1, log.Len())
	assert.Equal(t, "x", recv(t, sub).Event.ID)
	assert.Len(t, log.Query("agent", 10), 1)
}

func TestDistributorConcurrentSubscribePublish(t *testing.T) {
	d := newTestDistributor(DistributorOptions{MaxPerAddress: 3, MaxTotal: 10, MailboxSize: 4})
	addrs := []string{"0xa1", "0xa2", "0xa3", "0xa4"}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				sub, err := d.Subscribe(addrs[(w+i)%len(addrs)])
				if err != nil {
					assert.ErrorIs(t, err, ErrTooManyConnections)
					continue
				}
				select {
				case <-sub.Frames():
				default:
				}
				sub.Close()
			}
		}(w)
	}
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				e := ev(w*1000+i, "")
				e.Address = addrs[i%len(addrs)]
				d.Publish(e)
				if i%20 == 0 {
					d.keepalive(time.Now().UTC())
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 0, d.Count())
	for _, a := range addrs {
		assert.Equal(t, 0, d.CountFor(a))
	}

	sub, err := d.Subscribe(addrs[0])
	require.NoError(t, err)
	assert.Equal(t, 1, d.Count())
	d.Close()
	assert.Equal(t, 0, d.Count())
	_, open := <-sub.Frames()
	assert.True(t, open, "connected frame stays readable after close")
	_, open = <-sub.Frames()
	assert.False(t, open)
}
