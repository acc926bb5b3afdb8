package p2p

import (
	"context"
	"math"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
)

// ParsePeer extracts the peer id from a full /p2p multiaddr.
func ParsePeer(addr string) (peer.ID, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// Follow mirrors the sequencer at leader: it backfills every receipt with
// seq >= from, then delivers gossiped receipts in order, fetching any gap
// before the receipt that revealed it. fn sees each seq at most once and in
// increasing order. Follow returns when ctx ends or a fetch fails; callers
// resume from the last seq they saw plus one.
func (g *Gossip) Follow(ctx context.Context, leader peer.ID, from uint64, fn func(seq uint64, events []exchange.Event)) error {
	// subscribe before the backfill so nothing published meanwhile is missed
	sub, err := g.topic.Subscribe()
	if err != nil {
		return err
	}
	defer sub.Cancel()

	next, err := g.backfill(ctx, leader, from, math.MaxUint64, fn)
	if err != nil {
		return err
	}
	g.log.Infow("follow_caught_up", "leader", leader.String(), "next_seq", next)

	return g.consume(ctx, sub, func(seq uint64, events []exchange.Event) error {
		if seq < next {
			return nil
		}
		if seq > next {
			if _, err := g.backfill(ctx, leader, next, seq, fn); err != nil {
				return err
			}
		}
		fn(seq, events)
		next = seq + 1
		return nil
	})
}

// backfill fetches events in [from, until) from leader and delivers them
// grouped by seq. It returns the seq after the last one delivered, or from
// when nothing was fetched. A receipt cut by the page limit is refetched
// whole on the next page.
func (g *Gossip) backfill(ctx context.Context, leader peer.ID, from, until uint64, fn func(seq uint64, events []exchange.Event)) (uint64, error) {
	next := from
	for next < until {
		events, err := g.FetchEvents(ctx, leader, next, maxFetch)
		if err != nil {
			return next, err
		}
		groups := groupBySeq(events, until)
		if len(events) == maxFetch && len(groups) > 1 {
			groups = groups[:len(groups)-1]
		}
		if len(groups) == 0 {
			break
		}
		for _, grp := range groups {
			fn(grp[0].Seq, grp)
		}
		next = groups[len(groups)-1][0].Seq + 1
		if len(events) < maxFetch {
			break
		}
	}
	if until != math.MaxUint64 {
		// receipts without events leave no trace in the log
		next = until
	}
	return next, nil
}

func groupBySeq(events []exchange.Event, until uint64) [][]exchange.Event {
	var out [][]exchange.Event
	for _, ev := range events {
		if ev.Seq >= until {
			break
		}
		if n := len(out); n > 0 && out[n-1][0].Seq == ev.Seq {
			out[n-1] = append(out[n-1], ev)
			continue
		}
		out = append(out, []exchange.Event{ev})
	}
	return out
}
