package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/resilience"
)

// Message headers carried by re-published jobs.
const (
	headerDelivery  = "delivery"
	headerLastError = "last-error"
	headerNotBefore = "not-before"
)

// KafkaConfig locates the job and dead-letter topics.
type KafkaConfig struct {
	Brokers         []string
	Topic           string
	DeadLetterTopic string
	GroupID         string
}

// messageWriter abstracts kafka.Writer for testability.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader abstracts a consumer-group kafka.Reader.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// topicScanner reads a whole topic from the first offset.
type topicScanner func(ctx context.Context) ([]kafka.Message, error)

// KafkaTransport publishes jobs to a topic consumed by a consumer group.
// Kafka has no per-message visibility timeout: a nacked job is committed
// and re-published with its delivery count and a not-before header. A
// fetched job that is not yet due is parked in memory, uncommitted, while
// Receive keeps handing out jobs behind it. Offsets are committed per
// partition only up to the first job still in flight, so a crash redelivers
// everything that was not finished. Dead letters go to a separate topic
// keyed by dead-letter id; a redrive appends an empty tombstone for that key.
type KafkaTransport struct {
	jobs    messageWriter
	dead    messageWriter
	reader  messageReader
	scanDLQ topicScanner
	opts    Options
	now     func() time.Time

	offsets  *offsetLedger
	commitMu sync.Mutex

	fetched   chan fetchResult
	fetchOnce sync.Once
	fetchWG   sync.WaitGroup
	stop      context.Context
	cancel    context.CancelFunc

	parkedMu sync.Mutex
	parked   []parkedJob
}

type fetchResult struct {
	msg kafka.Message
	err error
}

// parkedJob is a fetched delivery held until its not-before time.
type parkedJob struct {
	d  *Delivery
	at time.Time
}

// NewKafkaTransport connects writers and a group reader to cfg's brokers.
func NewKafkaTransport(cfg KafkaConfig, opts Options) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, eris.Wrap(model.ErrValidation, "queue: kafka brokers and topic are required")
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = cfg.Topic + ".dlq"
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newKafkaTransport(newWriter(cfg.Topic), newWriter(cfg.DeadLetterTopic), reader,
		partitionScanner(cfg.Brokers, cfg.DeadLetterTopic), opts), nil
}

func newKafkaTransport(jobs, dead messageWriter, reader messageReader, scan topicScanner, opts Options) *KafkaTransport {
	stop, cancel := context.WithCancel(context.Background())
	return &KafkaTransport{
		jobs:    jobs,
		dead:    dead,
		reader:  reader,
		scanDLQ: scan,
		opts:    opts.withDefaults(),
		now:     time.Now,
		offsets: newOffsetLedger(),
		fetched: make(chan fetchResult),
		stop:    stop,
		cancel:  cancel,
	}
}

func (k *KafkaTransport) Enqueue(ctx context.Context, attemptID string) error {
	if attemptID == "" {
		return eris.Wrap(model.ErrValidation, "queue: attempt id is required")
	}
	job := Job{ID: uuid.NewString(), AttemptID: attemptID, EnqueuedAt: k.now().UTC()}
	msg, err := jobMessage(job, 0, "", time.Time{})
	if err != nil {
		return err
	}
	return eris.Wrapf(k.jobs.WriteMessages(ctx, msg), "queue: publish %s", attemptID)
}

func (k *KafkaTransport) Receive(ctx context.Context) (*Delivery, error) {
	k.fetchOnce.Do(func() {
		k.fetchWG.Add(1)
		go k.fetchLoop()
	})
	for {
		if d := k.takeDue(); d != nil {
			return d, nil
		}
		var wake <-chan time.Time
		var timer *time.Timer
		if at, ok := k.nextDue(); ok {
			timer = time.NewTimer(at.Sub(k.now()))
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-k.stop.Done():
			stopTimer(timer)
			return nil, ErrClosed
		case <-wake:
			continue
		case res := <-k.fetched:
			stopTimer(timer)
			if res.err != nil {
				return nil, eris.Wrap(res.err, "queue: fetch message")
			}
			d, err := k.accept(ctx, res.msg)
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}
	}
}

// fetchLoop pulls messages from the group reader until Close.
func (k *KafkaTransport) fetchLoop() {
	defer k.fetchWG.Done()
	for {
		msg, err := k.reader.FetchMessage(k.stop)
		if k.stop.Err() != nil {
			return
		}
		select {
		case k.fetched <- fetchResult{msg: msg, err: err}:
		case <-k.stop.Done():
			return
		}
		if err != nil {
			if sleep(k.stop, k.opts.PollInterval) != nil {
				return
			}
		}
	}
}

// accept tracks a fetched message and returns its delivery, or nil when the
// message was malformed or parked until its not-before time.
func (k *KafkaTransport) accept(ctx context.Context, msg kafka.Message) (*Delivery, error) {
	k.offsets.track(msg)
	var job Job
	if err := json.Unmarshal(msg.Value, &job); err != nil || job.AttemptID == "" {
		zap.L().Error("queue: dropping malformed job message",
			zap.Int64("offset", msg.Offset), zap.Error(err))
		if err := k.commit(ctx, msg); err != nil {
			return nil, eris.Wrap(err, "queue: commit malformed message")
		}
		return nil, nil
	}
	count, lastErr, notBefore := readHeaders(msg.Headers)
	d := &Delivery{Job: job, Count: count + 1, LastError: lastErr, receipt: msg}
	if notBefore.After(k.now()) {
		k.parkedMu.Lock()
		k.parked = append(k.parked, parkedJob{d: d, at: notBefore})
		k.parkedMu.Unlock()
		return nil, nil
	}
	return d, nil
}

// takeDue removes and returns the earliest parked delivery that is due.
func (k *KafkaTransport) takeDue() *Delivery {
	k.parkedMu.Lock()
	defer k.parkedMu.Unlock()
	now := k.now()
	best := -1
	for i, p := range k.parked {
		if p.at.After(now) {
			continue
		}
		if best < 0 || p.at.Before(k.parked[best].at) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	d := k.parked[best].d
	k.parked = append(k.parked[:best], k.parked[best+1:]...)
	return d
}

func (k *KafkaTransport) nextDue() (time.Time, bool) {
	k.parkedMu.Lock()
	defer k.parkedMu.Unlock()
	var next time.Time
	for _, p := range k.parked {
		if next.IsZero() || p.at.Before(next) {
			next = p.at
		}
	}
	return next, !next.IsZero()
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (k *KafkaTransport) Ack(ctx context.Context, d *Delivery) error {
	msg, ok := d.receipt.(kafka.Message)
	if !ok {
		return eris.New("queue: delivery did not come from this transport")
	}
	return eris.Wrapf(k.commit(ctx, msg), "queue: commit %s", d.ID)
}

// commit settles msg and commits the partition's settled prefix, if any.
// commitMu keeps commits for a partition from going out of order.
func (k *KafkaTransport) commit(ctx context.Context, msg kafka.Message) error {
	k.commitMu.Lock()
	defer k.commitMu.Unlock()
	upTo, ok := k.offsets.settle(msg)
	if !ok {
		return nil
	}
	return k.reader.CommitMessages(ctx, upTo)
}

// Nack re-publishes the job with the next delivery count, then commits the
// original.
func (k *KafkaTransport) Nack(ctx context.Context, d *Delivery, cause error) error {
	if d.Count >= k.opts.MaxDeliveries {
		return k.DeadLetter(ctx, d, cause)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	msg, err := jobMessage(d.Job, d.Count, reason, k.now().Add(k.opts.VisibilityTimeout))
	if err != nil {
		return err
	}
	if err := k.jobs.WriteMessages(ctx, msg); err != nil {
		return eris.Wrapf(err, "queue: re-publish %s", d.ID)
	}
	return k.Ack(ctx, d)
}

func (k *KafkaTransport) DeadLetter(ctx context.Context, d *Delivery, cause error) error {
	dl := resilience.NewDeadLetter(d.ID, d.AttemptID, d.Count, cause)
	b, err := json.Marshal(dl)
	if err != nil {
		return eris.Wrap(err, "queue: marshal dead letter")
	}
	if err := k.dead.WriteMessages(ctx, kafka.Message{Key: []byte(dl.ID), Value: b}); err != nil {
		return eris.Wrapf(err, "queue: publish dead letter %s", d.ID)
	}
	zap.L().Warn("queue: job dead-lettered",
		zap.String("job_id", d.ID),
		zap.String("attempt_id", d.AttemptID),
		zap.Int("delivery", d.Count),
		zap.Error(cause),
	)
	return k.Ack(ctx, d)
}

func (k *KafkaTransport) DeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	live, err := k.liveDeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	out := []resilience.DeadLetter{}
	for _, dl := range live {
		if !filter.Matches(dl) {
			continue
		}
		out = append(out, dl)
		if len(out) == limit(filter.Limit) {
			break
		}
	}
	return out, nil
}

func (k *KafkaTransport) Redrive(ctx context.Context, id string) error {
	live, err := k.liveDeadLetters(ctx)
	if err != nil {
		return err
	}
	var found *resilience.DeadLetter
	for i := range live {
		if live[i].ID == id {
			found = &live[i]
			break
		}
	}
	if found == nil {
		return eris.Wrapf(model.ErrNotFound, "queue: dead letter %s", id)
	}
	if err := k.Enqueue(ctx, found.AttemptID); err != nil {
		return err
	}
	return eris.Wrapf(k.dead.WriteMessages(ctx, kafka.Message{Key: []byte(id)}), "queue: tombstone %s", id)
}

// liveDeadLetters replays the dead-letter topic, last record per key wins
// and tombstones remove the key. Order is first appearance.
func (k *KafkaTransport) liveDeadLetters(ctx context.Context) ([]resilience.DeadLetter, error) {
	msgs, err := k.scanDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "queue: scan dead letters")
	}
	var order []string
	byKey := map[string]*resilience.DeadLetter{}
	for _, m := range msgs {
		key := string(m.Key)
		if len(m.Value) == 0 {
			delete(byKey, key)
			continue
		}
		var dl resilience.DeadLetter
		if err := json.Unmarshal(m.Value, &dl); err != nil {
			zap.L().Warn("queue: skipping malformed dead letter", zap.String("key", key), zap.Error(err))
			continue
		}
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = &dl
	}
	out := make([]resilience.DeadLetter, 0, len(byKey))
	for _, key := range order {
		if dl, ok := byKey[key]; ok {
			out = append(out, *dl)
			delete(byKey, key)
		}
	}
	return out, nil
}

func (k *KafkaTransport) Close() error {
	k.cancel()
	k.fetchWG.Wait()
	var firstErr error
	for _, c := range []interface{ Close() error }{k.reader, k.jobs, k.dead} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return eris.Wrap(firstErr, "queue: close kafka")
}

func jobMessage(job Job, deliveries int, lastErr string, notBefore time.Time) (kafka.Message, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return kafka.Message{}, eris.Wrap(err, "queue: marshal job")
	}
	msg := kafka.Message{
		Key:     []byte(job.AttemptID),
		Value:   b,
		Headers: []kafka.Header{{Key: headerDelivery, Value: []byte(strconv.Itoa(deliveries))}},
	}
	if lastErr != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: headerLastError, Value: []byte(lastErr)})
	}
	if !notBefore.IsZero() {
		msg.Headers = append(msg.Headers, kafka.Header{Key: headerNotBefore, Value: []byte(notBefore.UTC().Format(time.RFC3339Nano))})
	}
	return msg, nil
}

func readHeaders(headers []kafka.Header) (deliveries int, lastErr string, notBefore time.Time) {
	for _, h := range headers {
		switch h.Key {
		case headerDelivery:
			deliveries, _ = strconv.Atoi(string(h.Value))
		case headerLastError:
			lastErr = string(h.Value)
		case headerNotBefore:
			notBefore, _ = time.Parse(time.RFC3339Nano, string(h.Value))
		}
	}
	return deliveries, lastErr, notBefore
}

// partitionScanner reads partition 0 of topic up to its current head.
func partitionScanner(brokers []string, topic string) topicScanner {
	return func(ctx context.Context) ([]kafka.Message, error) {
		conn, err := kafka.DialLeader(ctx, "tcp", brokers[0], topic, 0)
		if err != nil {
			return nil, eris.Wrapf(err, "queue: dial %s", topic)
		}
		head, err := conn.ReadLastOffset()
		conn.Close() //nolint:errcheck
		if err != nil {
			return nil, eris.Wrapf(err, "queue: read head of %s", topic)
		}
		if head == 0 {
			return nil, nil
		}

		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   brokers,
			Topic:     topic,
			Partition: 0,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
		defer r.Close() //nolint:errcheck

		var out []kafka.Message
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				return nil, eris.Wrapf(err, "queue: read %s", topic)
			}
			out = append(out, m)
			if m.Offset >= head-1 {
				return out, nil
			}
		}
	}
}
