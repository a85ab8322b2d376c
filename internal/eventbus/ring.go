package eventbus

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/r3e-cellvault/cellserver/pkg/logger"
	"github.com/r3e-cellvault/cellserver/pkg/metrics"
)

type record struct {
	Topic Topic `json:"topic"`
	Event Event `json:"event"`
}

// RingConfig controls the in-process bus.
type RingConfig struct {
	Size      int
	SpillPath string
}

// Ring is the default EventBus implementation: a fixed-capacity
// in-memory ring buffer per topic with drop-oldest overflow, plus a
// disk spill file so events survive a restart. No broker dependency.
type Ring struct {
	mu        sync.Mutex
	cfg       RingConfig
	handlers  map[Topic][]Handler
	buffers   map[Topic][]Event
	dropped   map[Topic]int64
	spillFile *os.File
	spillW    *bufio.Writer
	log       *logger.Logger
}

// NewRing constructs a Ring bus. Call Start before Publish/Subscribe
// take effect against the spill file.
func NewRing(cfg RingConfig, log *logger.Logger) *Ring {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	return &Ring{
		cfg:      cfg,
		handlers: make(map[Topic][]Handler),
		buffers:  make(map[Topic][]Event),
		dropped:  make(map[Topic]int64),
		log:      log,
	}
}

// Start opens the spill file for appending. It does not replay events
// left over from a previous process; ReplaySpill does that.
func (r *Ring) Start(ctx context.Context) error {
	if r.cfg.SpillPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.SpillPath), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(r.cfg.SpillPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.spillFile = f
	r.spillW = bufio.NewWriter(f)
	r.mu.Unlock()
	return nil
}

// Stop flushes and closes the spill file.
func (r *Ring) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spillW != nil {
		_ = r.spillW.Flush()
	}
	if r.spillFile != nil {
		return r.spillFile.Close()
	}
	return nil
}

// Publish pushes onto topic's bounded buffer — evicting the oldest
// buffered event and counting the drop if topic is already at
// capacity — then fans out to subscribed handlers and appends to the
// spill file. It never returns an error to the caller; failures are
// logged and counted via the "dropped" metric.
func (r *Ring) Publish(ctx context.Context, topic Topic, key string, payload map[string]interface{}) {
	event := Event{Key: key, Timestamp: time.Now(), Payload: payload}

	r.mu.Lock()
	r.pushBufferedLocked(topic, event)
	handlers := append([]Handler{}, r.handlers[topic]...)
	if err := r.spillLocked(topic, event); err != nil {
		r.dropped[topic]++
		if r.log != nil {
			r.log.WithField("error", err).WithField("topic", string(topic)).Warn("failed to spill event")
		}
		metrics.RecordEventDropped("ring")
	} else {
		metrics.RecordEventPublished("ring", string(topic))
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(ctx, topic, event)
	}
}

// pushBufferedLocked appends event to topic's bounded buffer, evicting
// the oldest entry first if the buffer is already at cfg.Size. Caller
// must hold mu.
func (r *Ring) pushBufferedLocked(topic Topic, event Event) {
	buf := r.buffers[topic]
	if len(buf) >= r.cfg.Size {
		buf = buf[1:]
		r.dropped[topic]++
		metrics.RecordEventDropped("ring")
	}
	r.buffers[topic] = append(buf, event)
}

// Buffered returns a copy of the events currently held in topic's
// in-memory buffer, oldest first.
func (r *Ring) Buffered(topic Topic) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.buffers[topic]...)
}

func (r *Ring) spillLocked(topic Topic, event Event) error {
	if r.spillW == nil {
		return nil
	}
	data, err := json.Marshal(record{Topic: topic, Event: event})
	if err != nil {
		return err
	}
	if _, err := r.spillW.Write(append(data, '\n')); err != nil {
		return err
	}
	return r.spillW.Flush()
}

// Subscribe registers handler to be invoked for every future Publish
// on topic. Subscriptions do not retroactively see buffered events.
func (r *Ring) Subscribe(topic Topic, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = append(r.handlers[topic], handler)
}

// DroppedCount returns the number of events dropped for topic, either
// evicted from the full in-memory buffer or failed to spill, for
// diagnostics.
func (r *Ring) DroppedCount(topic Topic) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped[topic]
}

// ReplaySpill reads every event previously written to the spill file
// and invokes handler for each, used to recover events published
// before the process last exited.
func (r *Ring) ReplaySpill(ctx context.Context, handler Handler) error {
	if r.cfg.SpillPath == "" {
		return nil
	}
	f, err := os.Open(r.cfg.SpillPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		handler(ctx, rec.Topic, rec.Event)
	}
	return scanner.Err()
}
