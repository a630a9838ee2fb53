package bus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alphafactory/hive/pkg/log"
	"github.com/alphafactory/hive/pkg/metrics"
)

const (
	forwardQueueCap = 1024
	retryBase       = 100 * time.Millisecond
	retryMax        = 5 * time.Second
)

type forwardItem struct {
	channel string
	payload []byte
}

// brokerBridge forwards published envelopes to an external Redis broker.
// The queue is bounded with drop-oldest overflow; forwarding retries
// with exponential backoff and never blocks local delivery.
type brokerBridge struct {
	url string
	rdb *redis.Client

	mu    sync.Mutex
	queue []forwardItem
	wake  chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func newBrokerBridge(url string) *brokerBridge {
	return &brokerBridge{
		url:  url,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (f *brokerBridge) start(ctx context.Context) {
	opts, err := redis.ParseURL(f.url)
	if err != nil {
		log.WithComponent("bus").Error().Err(err).Str("url", f.url).Msg("invalid broker url, bridge disabled")
		close(f.done)
		return
	}
	f.rdb = redis.NewClient(opts)
	ctx, f.cancel = context.WithCancel(ctx)
	go f.run(ctx)
}

// enqueue adds an item, dropping the oldest entry when the queue is
// full.
func (f *brokerBridge) enqueue(channel string, payload []byte) {
	f.mu.Lock()
	if len(f.queue) >= forwardQueueCap {
		f.queue = f.queue[1:]
		metrics.BusBrokerDropped.Inc()
		log.WithComponent("bus").Warn().Str("topic", channel).Msg("broker forward queue full, dropping oldest")
	}
	f.queue = append(f.queue, forwardItem{channel: channel, payload: payload})
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *brokerBridge) pop() (forwardItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return forwardItem{}, false
	}
	item := f.queue[0]
	f.queue = f.queue[1:]
	return item, true
}

func (f *brokerBridge) run(ctx context.Context) {
	defer close(f.done)
	backoff := retryBase
	for {
		item, ok := f.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-f.wake:
				continue
			}
		}
		for {
			err := f.rdb.Publish(ctx, item.channel, item.payload).Err()
			if err == nil {
				backoff = retryBase
				break
			}
			log.WithComponent("bus").Warn().Err(err).
				Str("topic", item.channel).Dur("backoff", backoff).
				Msg("broker publish failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > retryMax {
				backoff = retryMax
			}
		}
	}
}

func (f *brokerBridge) stop() {
	if f.cancel != nil {
		f.cancel()
	}
	<-f.done
	if f.rdb != nil {
		f.rdb.Close()
	}
}
