package p2p

import (
	"context"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/nftswap/pkg/app/core/events"
)

const DefaultTopic = "nftswap-events/1"

// Handler receives events gossiped by other nodes.
type Handler func(ctx context.Context, from peer.ID, ev events.Event)

// Gossip broadcasts committed order-book events on a gossipsub topic so
// peer indexers can follow the book without polling the API.
type Gossip struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.SugaredLogger

	muH     sync.RWMutex
	handler Handler
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Topic      string
	Logger     *zap.SugaredLogger
}

func NewGossip(ctx context.Context, cfg Config) (*Gossip, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen addr %q: %w", cfg.ListenAddr, err)
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

	if g.topic, err = ps.Join(cfg.Topic); err != nil {
		h.Close()
		return nil, err
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}
	go g.handleEvents(ctx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
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

// SetHandler installs the callback for events received from the topic.
func (g *Gossip) SetHandler(h Handler) { g.muH.Lock(); g.handler = h; g.muH.Unlock() }

// Name identifies the gossip sink to the relay.
func (g *Gossip) Name() string { return "gossip" }

// Publish gossips each event in order.
func (g *Gossip) Publish(ctx context.Context, evs []events.Event) error {
	for i := range evs {
		data, err := encodeEvent(g.h.ID(), &evs[i])
		if err != nil {
			return err
		}
		if err := g.topic.Publish(ctx, data); err != nil {
			return fmt.Errorf("gossip publish seq %d: %w", evs[i].Seq, err)
		}
	}
	return nil
}

func (g *Gossip) Close() error {
	g.sub.Cancel()
	_ = g.topic.Close()
	return g.h.Close()
}

func (g *Gossip) handleEvents(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		from, ev, err := decodeEvent(msg.Data)
		if err != nil {
			g.log.Debugw("gossip_decode_failed", "from", msg.GetFrom().String(), "err", err)
			continue
		}

		g.muH.RLock()
		h := g.handler
		g.muH.RUnlock()
		if h != nil {
			h(ctx, from, ev)
		}
	}
}
