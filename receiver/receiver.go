// Package receiver implements the message-decryption pipeline. Envelopes
// arrive from a transport, pass through an ingestion queue into a debounced
// decrypt batcher, are decrypted with per-peer serialization inside one zone
// per batch, persisted as unprocessed records in the same commit, and finally
// dispatched as typed updates the application layer must confirm.
package receiver

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/meow-io/go-ready/address"
	"github.com/meow-io/go-ready/batch"
	"github.com/meow-io/go-ready/clock"
	"github.com/meow-io/go-ready/config"
	"github.com/meow-io/go-ready/internal/serial"
	"github.com/meow-io/go-ready/protocol"
	"github.com/meow-io/go-ready/task"
	"go.uber.org/zap"
)

const ingestionKey = "ingestion"

var errBlockedSender = errors.New("receiver: sender is blocked")

// BlockedChecker reports whether envelopes from source should be silently
// dropped for the given local account.
type BlockedChecker func(our, source address.ServiceID) bool

type queuedEnvelope struct {
	our    address.ServiceID
	env    *Envelope
	record *protocol.UnprocessedEnvelope
	cached bool
}

type decryptResult struct {
	item      *queuedEnvelope
	plaintext []byte
	err       error
}

type Receiver struct {
	config  *config.Config
	log     *zap.SugaredLogger
	clock   clock.Clock
	store   *protocol.Store
	blocked BlockedChecker

	ingestion *serial.Runner
	batcher   *batch.Batcher[*queuedEnvelope]

	updates chan interface{}

	mu        sync.Mutex
	idleTimer clock.Timer
	started   bool
	stop      chan struct{}
	done      sync.WaitGroup
}

func New(c *config.Config, store *protocol.Store, cl clock.Clock, blocked BlockedChecker) *Receiver {
	r := &Receiver{
		config:  c,
		log:     c.Logger("receiver"),
		clock:   cl,
		store:   store,
		blocked: blocked,
		updates: make(chan interface{}, 100),
		stop:    make(chan struct{}),
	}
	r.ingestion = serial.NewRunner(r.log, store.Tasks())
	r.batcher = batch.New(r.log, "decrypt", time.Duration(c.DecryptWaitTimeMs)*time.Millisecond, c.DecryptBatchSize, r.processBatch)
	return r
}

// Updates is the stream of typed updates produced by dispatch. The facade
// fans it into the process-wide update channel.
func (r *Receiver) Updates() chan interface{} {
	return r.updates
}

// Start replays the unprocessed cache and begins the idle-retry sweep.
func (r *Receiver) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.idleTimer = r.clock.NewTimer(time.Duration(r.config.RetryIdleTimeMs) * time.Millisecond)
	r.mu.Unlock()

	if err := r.replayCache(false); err != nil {
		return fmt.Errorf("receiver: error replaying cache: %w", err)
	}
	r.done.Add(1)
	go r.idleLoop()
	return nil
}

// Shutdown drains the batcher and stops the idle sweep. Envelopes not yet
// confirmed stay cached for the next start.
func (r *Receiver) Shutdown() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	close(r.stop)
	r.mu.Unlock()
	r.batcher.Shutdown()
	r.done.Wait()
}

// HandleNewMessage normalizes a transport envelope and queues it for
// decryption. Arrival order is preserved into the batcher.
func (r *Receiver) HandleNewMessage(env *Envelope, background bool) error {
	if env.DestinationID == "" {
		return errors.New("receiver: envelope has no destination")
	}
	raw, err := env.serialize()
	if err != nil {
		return fmt.Errorf("receiver: error serializing envelope: %w", err)
	}
	r.resetIdleTimer()
	return r.ingestion.Do(ingestionKey, "ingest envelope", func() error {
		record := &protocol.UnprocessedEnvelope{
			ID:               uuid.NewString(),
			OurAccountID:     env.DestinationID,
			Envelope:         raw,
			TimestampMs:      env.TimestampMs,
			ReceivedAtMs:     r.clock.CurrentTimeMs(),
			Background:       background,
			SourceIdentifier: env.SourceIdentifier,
			SourceDevice:     env.SourceDevice,
		}
		r.batcher.Add(&queuedEnvelope{our: env.DestinationID, env: env, record: record})
		return nil
	})
}

// FlushAndWait drains the decrypt batcher. Intended for tests and shutdown.
func (r *Receiver) FlushAndWait() {
	r.batcher.FlushAndWait()
}

func (r *Receiver) resetIdleTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idleTimer != nil {
		r.idleTimer.Reset(time.Duration(r.config.RetryIdleTimeMs) * time.Millisecond)
	}
}

func (r *Receiver) idleLoop() {
	defer r.done.Done()
	for {
		select {
		case <-r.idleTimer.C():
			count, err := r.store.CountUnprocessed()
			if err != nil {
				r.log.Warnf("error counting unprocessed envelopes: %v", err)
			} else if count > 0 {
				if err := r.replayCache(true); err != nil {
					r.log.Warnf("error replaying cache: %v", err)
				}
			}
			r.resetIdleTimer()
		case <-r.stop:
			r.mu.Lock()
			r.idleTimer.Stop()
			r.mu.Unlock()
			return
		}
	}
}

// replayCache refetches every unprocessed envelope id in chunks, incrementing
// each envelope's attempt counter, and requeues them. Envelopes that already
// carry decrypted content skip straight to dispatch.
func (r *Receiver) replayCache(background bool) error {
	var ids []string
	fetch := func() error {
		var err error
		ids, err = r.store.GetAllUnprocessedIDs()
		return err
	}
	if err := backoff.Retry(fetch, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		return fmt.Errorf("receiver: error fetching unprocessed ids: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	r.log.Debugf("replaying %d unprocessed envelopes", len(ids))

	processed := 0
	for start := 0; start < len(ids); start += r.config.RetryChunkSize {
		end := start + r.config.RetryChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		records, err := r.store.GetUnprocessedByIDsAndIncrementAttempts(ids[start:end])
		if err != nil {
			return fmt.Errorf("receiver: error fetching unprocessed chunk: %w", err)
		}
		for _, record := range records {
			env, err := parseEnvelope(record.Envelope)
			if err != nil {
				r.log.Warnf("dropping unparseable cached envelope %s: %v", record.ID, err)
				if err := r.store.RemoveUnprocessed(record.ID); err != nil {
					r.log.Warnf("error removing envelope %s: %v", record.ID, err)
				}
				continue
			}
			record.Background = background
			r.batcher.Add(&queuedEnvelope{our: record.OurAccountID, env: env, record: record, cached: true})
		}
		processed += len(records)
		r.emit(&ProgressUpdate{Processed: processed, Total: len(ids)})
	}
	return nil
}

// processBatch opens one zone per fired batch, decrypts every item with
// per-peer serialization, persists all outcomes in the zone's single commit,
// then dispatches outside the zone.
func (r *Receiver) processBatch(items []*queuedEnvelope) {
	results := make([]*decryptResult, len(items))
	zone := protocol.NewZone("decrypt-batch", protocol.ZoneSupports{
		PendingSessions:    true,
		PendingUnprocessed: true,
	})
	err := r.store.WithZone(zone, "decrypt batch", func() error {
		var wg sync.WaitGroup
		for i, item := range items {
			if item.cached && item.record.Decrypted != "" {
				results[i] = &decryptResult{item: item}
				continue
			}
			i, item := i, item
			wg.Add(1)
			go func() {
				defer wg.Done()
				plaintext, err := r.decrypt(item, zone)
				results[i] = &decryptResult{item: item, plaintext: plaintext, err: err}
			}()
		}
		wg.Wait()

		var persist []*protocol.UnprocessedEnvelope
		for _, res := range results {
			if rec := r.recordFor(res); rec != nil {
				persist = append(persist, rec)
			}
		}
		if len(persist) > 0 {
			return r.store.AddMultipleUnprocessed(persist, zone)
		}
		return nil
	})
	if err != nil {
		// Nothing was marked processed, so the batch's cached envelopes are
		// picked up again on the next cache pass.
		r.log.Warnf("decrypt batch failed: %v", err)
		r.emit(&ErrorUpdate{Err: fmt.Errorf("receiver: decrypt batch failed: %w", err)})
		return
	}

	for _, res := range results {
		r.finish(res)
	}
}

// recordFor decides what, if anything, gets persisted for one decrypt
// outcome inside the batch commit.
func (r *Receiver) recordFor(res *decryptResult) *protocol.UnprocessedEnvelope {
	item := res.item
	switch {
	case res.err == nil && res.plaintext != nil:
		item.record.Decrypted = base64.StdEncoding.EncodeToString(res.plaintext)
		item.record.SourceIdentifier = item.env.SourceIdentifier
		item.record.SourceDevice = item.env.SourceDevice
		return item.record
	case res.err == nil:
		// Cached and already decrypted; the durable record is current.
		return nil
	case r.terminal(res):
		return nil
	case r.timeout(res):
		// Left untouched for retry; a fresh arrival still needs its record
		// written so the retry has something to replay.
		if item.cached {
			return nil
		}
		return item.record
	default:
		if !r.sourceKnown(item) {
			return nil
		}
		if !item.cached {
			item.record.Attempts++
		}
		return item.record
	}
}

// finish runs after the zone has committed: it dispatches successes, removes
// terminal failures from the cache and emits failure updates.
func (r *Receiver) finish(res *decryptResult) {
	item := res.item
	if res.err == nil {
		r.dispatch(item, res.plaintext)
		return
	}

	switch {
	case errors.Is(res.err, protocol.ErrDuplicateMessage):
		r.log.Debugf("dropping duplicate envelope from %s", item.env.SourceIdentifier)
		r.removeCached(item)
	case isUntrusted(res.err):
		r.log.Warnf("dropping envelope from untrusted identity %s", item.env.SourceIdentifier)
		r.removeCached(item)
	case errors.Is(res.err, errBlockedSender):
		r.removeCached(item)
	case r.timeout(res):
		r.log.Warnf("decrypt timed out for %s: %v", item.env.SourceIdentifier, res.err)
	case !r.sourceKnown(item):
		r.log.Warnf("dropping undecryptable envelope with unknown source: %v", res.err)
		r.removeCached(item)
	case errors.Is(res.err, protocol.ErrNoSession):
		r.emit(&RetryRequestUpdate{
			OurAccountID: item.our,
			Source:       item.env.SourceIdentifier,
			SourceDevice: item.env.SourceDevice,
			TimestampMs:  item.env.TimestampMs,
			Ack:          r.removalAck(item.record.ID),
		})
	default:
		r.log.Warnf("error decrypting envelope from %s: %v", item.env.SourceIdentifier, res.err)
		r.emit(&DecryptionErrorUpdate{
			OurAccountID: item.our,
			Source:       item.env.SourceIdentifier,
			SourceDevice: item.env.SourceDevice,
			TimestampMs:  item.env.TimestampMs,
			Attempts:     item.record.Attempts,
			Ack:          r.removalAck(item.record.ID),
		})
	}
}

func (r *Receiver) decrypt(item *queuedEnvelope, zone *protocol.Zone) ([]byte, error) {
	env := item.env
	if !r.sourceKnown(item) {
		return nil, fmt.Errorf("%w: missing source address", protocol.ErrInvalidMessage)
	}
	if r.blocked != nil && r.blocked(item.our, env.SourceIdentifier) {
		return nil, errBlockedSender
	}
	qa := address.NewQualifiedAddress(item.our, address.NewProtocolAddress(env.SourceIdentifier, env.SourceDevice))
	var plaintext []byte
	err := r.store.RunOnSessionQueue(qa, "decrypt envelope", func() error {
		stores := r.store.NewStores(item.our, zone)
		var err error
		switch env.Type {
		case protocol.MessageTypePreKey:
			plaintext, err = r.store.Engine().DecryptPreKey(qa.ProtocolAddress, stores, env.Content)
		case protocol.MessageTypeWhisper:
			plaintext, err = r.store.Engine().DecryptWhisper(qa.ProtocolAddress, stores, env.Content)
		default:
			err = fmt.Errorf("%w: unknown envelope type %d", protocol.ErrInvalidMessage, env.Type)
		}
		return err
	})
	return plaintext, err
}

// dispatch classifies the decrypted payload and emits exactly one typed
// update. Confirmable updates carry the removal ack; everything else removes
// the cached envelope immediately.
func (r *Receiver) dispatch(item *queuedEnvelope, plaintext []byte) {
	if plaintext == nil {
		decoded, err := base64.StdEncoding.DecodeString(item.record.Decrypted)
		if err != nil {
			r.log.Warnf("dropping envelope %s with corrupt cached plaintext: %v", item.record.ID, err)
			r.removeNow(item.record.ID)
			return
		}
		plaintext = decoded
	}

	source := item.record.SourceIdentifier
	sourceDevice := item.record.SourceDevice
	r.emit(&EnvelopeUpdate{
		OurAccountID: item.our,
		Source:       source,
		SourceDevice: sourceDevice,
		TimestampMs:  item.env.TimestampMs,
	})

	c, err := parseContent(plaintext)
	if err != nil {
		r.log.Warnf("dropping envelope %s with unparseable content: %v", item.record.ID, err)
		r.removeNow(item.record.ID)
		return
	}
	ack := r.removalAck(item.record.ID)

	switch {
	case c.DataMessage != nil:
		r.emit(&MessageUpdate{
			OurAccountID: item.our,
			Source:       source,
			SourceDevice: sourceDevice,
			TimestampMs:  c.DataMessage.TimestampMs,
			Body:         c.DataMessage.Body,
			Ack:          ack,
		})
	case c.SyncMessage != nil && c.SyncMessage.Sent != nil:
		body := ""
		timestamp := c.SyncMessage.Sent.TimestampMs
		if c.SyncMessage.Sent.Message != nil {
			body = c.SyncMessage.Sent.Message.Body
		}
		r.emit(&SentUpdate{
			OurAccountID: item.our,
			Destination:  c.SyncMessage.Sent.DestinationID,
			TimestampMs:  timestamp,
			Body:         body,
			Ack:          ack,
		})
	case c.SyncMessage != nil && len(c.SyncMessage.Read) != 0:
		for i, read := range c.SyncMessage.Read {
			readAck := ack
			if i != 0 {
				readAck = newAck(func() error { return nil })
			}
			r.emit(&ReadUpdate{
				OurAccountID: item.our,
				Sender:       read.SenderID,
				TimestampMs:  read.TimestampMs,
				Ack:          readAck,
			})
		}
	case c.SyncMessage != nil && len(c.SyncMessage.View) != 0:
		for i, view := range c.SyncMessage.View {
			viewAck := ack
			if i != 0 {
				viewAck = newAck(func() error { return nil })
			}
			r.emit(&ViewUpdate{
				OurAccountID: item.our,
				Sender:       view.SenderID,
				TimestampMs:  view.TimestampMs,
				Ack:          viewAck,
			})
		}
	case c.ReceiptMessage != nil:
		r.emit(&DeliveryUpdate{
			OurAccountID: item.our,
			Source:       source,
			SourceDevice: sourceDevice,
			Type:         c.ReceiptMessage.Type,
			TimestampsMs: c.ReceiptMessage.TimestampsMs,
			Ack:          ack,
		})
	case c.TypingMessage != nil:
		r.emit(&TypingUpdate{
			OurAccountID: item.our,
			Source:       source,
			SourceDevice: sourceDevice,
			Started:      c.TypingMessage.Action == "started",
			TimestampMs:  c.TypingMessage.TimestampMs,
		})
		r.removeNow(item.record.ID)
	default:
		r.log.Warnf("dropping envelope %s with empty content", item.record.ID)
		r.removeNow(item.record.ID)
	}
}

func (r *Receiver) removalAck(id string) *Ack {
	return newAck(func() error {
		return r.store.RemoveUnprocessed(id)
	})
}

func (r *Receiver) removeCached(item *queuedEnvelope) {
	if !item.cached {
		return
	}
	r.removeNow(item.record.ID)
}

func (r *Receiver) removeNow(id string) {
	if err := r.store.RemoveUnprocessed(id); err != nil {
		r.log.Warnf("error removing envelope %s: %v", id, err)
	}
}

func (r *Receiver) sourceKnown(item *queuedEnvelope) bool {
	return item.env.SourceIdentifier != "" && item.env.SourceDevice != 0
}

// terminal reports a failure retrying can never fix: the envelope is dropped
// rather than recached.
func (r *Receiver) terminal(res *decryptResult) bool {
	return errors.Is(res.err, protocol.ErrDuplicateMessage) ||
		errors.Is(res.err, errBlockedSender) ||
		isUntrusted(res.err)
}

func (r *Receiver) timeout(res *decryptResult) bool {
	var te *task.TimeoutError
	return errors.As(res.err, &te)
}

func isUntrusted(err error) bool {
	var ue *protocol.UntrustedIdentityError
	return errors.As(err, &ue)
}

// emit blocks until the consumer drains the channel, so a slow consumer
// back-pressures dispatch rather than losing confirmable updates. Shutdown
// unblocks any emit still waiting.
func (r *Receiver) emit(update interface{}) {
	select {
	case r.updates <- update:
	case <-r.stop:
		r.log.Warnf("dropping %T during shutdown", update)
	}
}
