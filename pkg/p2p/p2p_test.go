package p2p

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
)

func sampleReceipt() *exchange.Receipt {
	return &exchange.Receipt{
		Seq: 7,
		Op:  exchange.Op{Kind: exchange.OpListSell},
		Events: []exchange.Event{{
			Seq:          7,
			Type:         exchange.EventFillUnfilledBuyOrder,
			InstrumentID: 3,
			SeriesKey:    common.HexToHash("0xabc"),
			Seller:       common.HexToAddress("0x5e11"),
			Buyer:        common.HexToAddress("0xb0b"),
			Price:        *uint256.MustFromDecimal("115792089237316195423570985008687907853269984665640564039457584007913129639935"),
			Refund:       *uint256.NewInt(5),
			Timestamp:    1_700_000_000,
		}},
	}
}

func TestReceiptWirePreservesEvents(t *testing.T) {
	r := sampleReceipt()
	data, err := gobEncode(toReceiptWire(r))
	require.NoError(t, err)

	var w ReceiptWire
	require.NoError(t, gobDecode(data, &w))
	require.Equal(t, uint64(7), w.Seq)
	require.Equal(t, "list_sell", w.Op)
	events, err := eventsFromWire(w.Events)
	require.NoError(t, err)
	require.Equal(t, r.Events, events)
}

func TestEventWireRejectsBadAmount(t *testing.T) {
	w := toEventWire(sampleReceipt().Events[0])
	w.Refund = "-1"
	_, err := w.event()
	require.Error(t, err)
}

type fakeSource struct {
	events []exchange.Event
	err    error
}

func (s fakeSource) Events(from uint64, limit int) ([]exchange.Event, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []exchange.Event
	for _, ev := range s.events {
		if ev.Seq >= from && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func newPair(t *testing.T, src EventSource) (server, client *Gossip) {
	t.Helper()
	ctx := context.Background()
	server, err := NewGossip(ctx, Config{ListenAddr: "/ip4/127.0.0.1/tcp/0", Source: src})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	client, err = NewGossip(ctx, Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	info := peer.AddrInfo{ID: server.Host().ID(), Addrs: server.Host().Addrs()}
	require.NoError(t, client.Host().Connect(ctx, info))
	return server, client
}

func TestFetchEventsFromPeer(t *testing.T) {
	var src fakeSource
	for seq := uint64(1); seq <= 5; seq++ {
		src.events = append(src.events, exchange.Event{Seq: seq, Type: exchange.EventSellOrder, InstrumentID: 1, Price: *uint256.NewInt(seq)})
	}
	server, client := newPair(t, src)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := client.FetchEvents(ctx, server.Host().ID(), 3, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(3), got[0].Seq)
	require.Equal(t, uint64(4), got[1].Price.Uint64())
}

func TestFetchEventsSourceError(t *testing.T) {
	server, client := newPair(t, fakeSource{err: errors.New("store closed")})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := client.FetchEvents(ctx, server.Host().ID(), 0, 10)
	require.EqualError(t, err, "store closed")
}

func TestAddrsIncludePeerID(t *testing.T) {
	g, err := NewGossip(context.Background(), Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	require.NoError(t, err)
	defer g.Close()
	addrs := g.Addrs()
	require.NotEmpty(t, addrs)
	require.Contains(t, addrs[0], "/p2p/"+g.Host().ID().String())
}

// eventLog is a source the test appends to while a follower is running.
type eventLog struct {
	mu     sync.Mutex
	events []exchange.Event
}

func (l *eventLog) add(seq uint64) *exchange.Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev := exchange.Event{Seq: seq, Type: exchange.EventSellOrder, InstrumentID: 1, Price: *uint256.NewInt(seq)}
	l.events = append(l.events, ev)
	return &exchange.Receipt{Seq: seq, Events: []exchange.Event{ev}}
}

func (l *eventLog) Events(from uint64, limit int) ([]exchange.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fakeSource{events: l.events}.Events(from, limit)
}

func TestFollowBackfillsThenTracksGossip(t *testing.T) {
	backlog := &eventLog{}
	backlog.add(1)
	backlog.add(2)
	leader, follower := newPair(t, backlog)

	var (
		mu  sync.Mutex
		got []uint64
	)
	seen := func() []uint64 {
		mu.Lock()
		defer mu.Unlock()
		return append([]uint64(nil), got...)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- follower.Follow(ctx, leader.Host().ID(), 1, func(seq uint64, events []exchange.Event) {
			if len(events) != 1 || events[0].Seq != seq {
				seq = 0
			}
			mu.Lock()
			got = append(got, seq)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool { return len(seen()) == 2 }, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return len(leader.topic.ListPeers()) > 0 }, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, leader.PublishReceipt(ctx, backlog.add(3)))
	require.Eventually(t, func() bool { return len(seen()) == 3 }, 10*time.Second, 20*time.Millisecond)

	// seq 4 is never gossiped; the follower fetches it when 5 arrives
	backlog.add(4)
	require.NoError(t, leader.PublishReceipt(ctx, backlog.add(5)))
	require.Eventually(t, func() bool { return len(seen()) == 5 }, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, seen())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSubscribeReceivesPublishedReceipt(t *testing.T) {
	leader, follower := newPair(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan uint64, 1)
	go follower.Subscribe(ctx, func(seq uint64, _ []exchange.Event) {
		select {
		case got <- seq:
		default:
		}
	})
	require.Eventually(t, func() bool { return len(leader.topic.ListPeers()) > 0 }, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, leader.PublishReceipt(ctx, sampleReceipt()))
	select {
	case seq := <-got:
		require.Equal(t, uint64(7), seq)
	case <-time.After(10 * time.Second):
		t.Fatal("receipt not delivered")
	}
}

func TestParsePeer(t *testing.T) {
	g, err := NewGossip(context.Background(), Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	require.NoError(t, err)
	defer g.Close()
	id, err := ParsePeer(g.Addrs()[0])
	require.NoError(t, err)
	require.Equal(t, g.Host().ID(), id)

	_, err = ParsePeer("/ip4/127.0.0.1/tcp/4001")
	require.Error(t, err)
}

func TestGroupBySeqStopsAtUntil(t *testing.T) {
	events := []exchange.Event{{Seq: 3}, {Seq: 3}, {Seq: 4}, {Seq: 6}}
	groups := groupBySeq(events, 6)
	require.Len(t, groups, 2)
	require.Len(t, groups[0], 2)
	require.Equal(t, uint64(4), groups[1][0].Seq)
	require.Empty(t, groupBySeq(events, 3))
}
