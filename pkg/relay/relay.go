package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/nftswap/pkg/app/core/events"
	"github.com/uhyunpark/nftswap/pkg/metrics"
	"github.com/uhyunpark/nftswap/pkg/storage"
)

// Publisher is a downstream sink for committed events. Publish must be
// safe to repeat: after a crash the relay resends from its last cursor.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, evs []events.Event) error
	Close() error
}

// Relay tails the durable event log and forwards it to one publisher,
// persisting a cursor after every acknowledged batch.
type Relay struct {
	db       *storage.DB
	pub      Publisher
	feed     *events.Feed
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func New(db *storage.DB, pub Publisher, feed *events.Feed, interval time.Duration, batch int, log *zap.Logger) *Relay {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if batch <= 0 {
		batch = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{db: db, pub: pub, feed: feed, interval: interval, batch: batch, log: log.With(zap.String("sink", pub.Name()))}
}

// Start runs the relay loop until ctx is cancelled. New events on the feed
// wake it early; the ticker retries failed publishes.
func (r *Relay) Start(ctx context.Context) {
	r.log.Info("relay started")

	var wake <-chan events.Event
	if r.feed != nil {
		ch, cancel := r.feed.Subscribe(1)
		wake = ch
		go func() { <-ctx.Done(); cancel() }()
	}

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case _, ok := <-wake:
				if !ok {
					wake = nil
					continue
				}
			}
			if _, err := r.RelayOnce(ctx); err != nil {
				r.log.Warn("relay publish failed", zap.Error(err))
			}
		}
	}()
}

// RelayOnce forwards every pending event, batch by batch, and returns how
// many were acknowledged. It stops at the first failing batch; that batch
// is retried on the next call.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	cursor, err := r.Cursor()
	if err != nil {
		return 0, err
	}

	sent := 0
	for {
		evs, err := events.Scan(r.db, cursor, r.batch)
		if err != nil {
			return sent, err
		}
		if len(evs) == 0 {
			return sent, nil
		}

		err = r.pub.Publish(ctx, evs)
		metrics.RecordRelayPublish(r.pub.Name(), err)
		if err != nil {
			return sent, fmt.Errorf("publish after seq %d: %w", cursor, err)
		}

		cursor = evs[len(evs)-1].Seq
		if err := r.setCursor(cursor); err != nil {
			return sent, err
		}
		metrics.SetRelayCursor(r.pub.Name(), cursor)
		sent += len(evs)
	}
}

// Cursor returns the last acknowledged event sequence.
func (r *Relay) Cursor() (uint64, error) {
	return storage.GetUint64(r.db, storage.CursorKey(r.pub.Name()))
}

func (r *Relay) setCursor(seq uint64) error {
	tx := r.db.Begin()
	defer tx.Discard()
	if err := storage.PutUint64(tx, storage.CursorKey(r.pub.Name()), seq); err != nil {
		return err
	}
	return tx.Commit()
}
