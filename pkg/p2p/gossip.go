package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
)

const (
	topicEvents   = "optionbook-events/1"
	protocolFetch = protocol.ID("/optionbook/fetch-events/1.0.0")

	maxFetch      = 1000
	maxFetchBytes = 8 << 20
)

// EventSource serves catch-up requests from replicas.
type EventSource interface {
	Events(from uint64, limit int) ([]exchange.Event, error)
}

// Gossip replicates committed receipts to read replicas. The sequencer
// publishes; replicas subscribe and backfill gaps with FetchEvents.
// Joining the topic does not subscribe; only Subscribe and Follow do.
type Gossip struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	log   *zap.SugaredLogger
}

// Config configures a Gossip host.
type Config struct {
	ListenAddr string
	Bootstrap  []string
	// Source, when set, answers fetch requests from peers.
	Source EventSource
	Logger *zap.SugaredLogger
}

// NewGossip starts a libp2p host, dials the bootstrap peers and joins the
// events topic.
func NewGossip(ctx context.Context, cfg Config) (*Gossip, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}
	g := &Gossip{h: h, ps: ps, log: cfg.Logger}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}
	if g.topic, err = ps.Join(topicEvents); err != nil {
		h.Close()
		return nil, err
	}
	if cfg.Source != nil {
		h.SetStreamHandler(protocolFetch, g.fetchHandler(cfg.Source))
	}
	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *Gossip) Host() host.Host { return g.h }

// Addrs returns the full dialable addresses of this host, /p2p suffix
// included.
func (g *Gossip) Addrs() []string {
	var out []string
	for _, a := range g.h.Addrs() {
		out = append(out, a.String()+"/p2p/"+g.h.ID().String())
	}
	return out
}

func (g *Gossip) Close() error {
	g.topic.Close()
	return g.h.Close()
}

// PublishReceipt broadcasts a committed receipt's events.
func (g *Gossip) PublishReceipt(ctx context.Context, r *exchange.Receipt) error {
	data, err := gobEncode(toReceiptWire(r))
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

// Subscribe delivers receipts published by other peers until ctx ends.
// Undecodable messages are dropped.
func (g *Gossip) Subscribe(ctx context.Context, fn func(seq uint64, events []exchange.Event)) error {
	sub, err := g.topic.Subscribe()
	if err != nil {
		return err
	}
	defer sub.Cancel()
	return g.consume(ctx, sub, func(seq uint64, events []exchange.Event) error {
		fn(seq, events)
		return nil
	})
}

func (g *Gossip) consume(ctx context.Context, sub *pubsub.Subscription, fn func(seq uint64, events []exchange.Event) error) error {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		var w ReceiptWire
		if err := gobDecode(msg.Data, &w); err != nil {
			g.log.Debugw("gossip_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		events, err := eventsFromWire(w.Events)
		if err != nil {
			g.log.Debugw("gossip_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if err := fn(w.Seq, events); err != nil {
			return err
		}
	}
}

// FetchEvents asks a peer for events with seq >= from.
func (g *Gossip) FetchEvents(ctx context.Context, p peer.ID, from uint64, limit int) ([]exchange.Event, error) {
	s, err := g.h.NewStream(ctx, p, protocolFetch)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	req, err := gobEncode(FetchRequest{From: from, Limit: limit})
	if err != nil {
		return nil, err
	}
	if _, err := s.Write(req); err != nil {
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(s, maxFetchBytes))
	if err != nil {
		return nil, err
	}
	var resp FetchResponse
	if err := gobDecode(data, &resp); err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, errors.New(resp.Err)
	}
	return eventsFromWire(resp.Events)
}

func (g *Gossip) fetchHandler(src EventSource) network.StreamHandler {
	return func(s network.Stream) {
		defer s.Close()
		data, err := io.ReadAll(io.LimitReader(s, 1<<10))
		if err != nil {
			return
		}
		var req FetchRequest
		if err := gobDecode(data, &req); err != nil {
			return
		}
		if req.Limit <= 0 || req.Limit > maxFetch {
			req.Limit = maxFetch
		}
		var resp FetchResponse
		events, err := src.Events(req.From, req.Limit)
		if err != nil {
			resp.Err = err.Error()
		}
		for _, ev := range events {
			resp.Events = append(resp.Events, toEventWire(ev))
		}
		out, err := gobEncode(resp)
		if err != nil {
			return
		}
		if _, err := s.Write(out); err != nil {
			g.log.Debugw("fetch_write_failed", "peer", s.Conn().RemotePeer().String(), "err", err)
		}
	}
}
