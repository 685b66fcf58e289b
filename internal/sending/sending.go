// Package sending implements the outbound transaction sender: one FIFO
// queue per destination (remote server, application service, or push
// gateway), a single in-flight transaction per destination, quadratic
// retry backoff, and persisted queues replayed at startup. NATS wakeups
// nudge idle destinations when new work is enqueued.
package sending

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/amityvox/continuum/internal/events"
	"github.com/amityvox/continuum/internal/models"
	"github.com/amityvox/continuum/internal/transport"
)

// Service is the transaction sender.
type Service struct {
	pool   *pgxpool.Pool
	client *transport.Client
	bus    *events.Bus
	logger *slog.Logger

	serverName string

	mu     sync.Mutex
	queues map[string]*destinationQueue

	// eventJSON loads the canonical JSON for a queued PDU.
	eventJSON func(ctx context.Context, eventID string) (json.RawMessage, error)

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// destinationQueue is the in-memory state for one destination.
type destinationQueue struct {
	dest  models.Destination
	retry models.RetryState
	wake  chan struct{}
}

// Config holds the configuration for the sending service.
type Config struct {
	Pool       *pgxpool.Pool
	Client     *transport.Client
	Bus        *events.Bus
	Logger     *slog.Logger
	ServerName string
	// EventJSON resolves a queued event id to its canonical JSON.
	EventJSON func(ctx context.Context, eventID string) (json.RawMessage, error)
}

// New creates the sending service.
func New(cfg Config) *Service {
	return &Service{
		pool:       cfg.Pool,
		client:     cfg.Client,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		serverName: cfg.ServerName,
		queues:     make(map[string]*destinationQueue),
		eventJSON:  cfg.EventJSON,
		shutdown:   make(chan struct{}),
	}
}

// Start replays persisted queues and subscribes to wakeup events.
func (s *Service) Start(ctx context.Context) error {
	if err := s.replayQueues(ctx); err != nil {
		return err
	}
	if s.bus != nil {
		if _, err := s.bus.SubscribeWildcard(events.SubjectSendingWakeup+".>", func(subject string, _ events.Event) {
			destKey := subject[len(events.SubjectSendingWakeup)+1:]
			s.wakeDestination(destKey)
		}); err != nil {
			return fmt.Errorf("subscribing to sender wakeups: %w", err)
		}
	}
	return nil
}

// Stop signals all destination loops to drain and waits for them.
func (s *Service) Stop() {
	close(s.shutdown)
	s.wg.Wait()
}

// replayQueues restores a queue and its retry state at startup for every
// destination with persisted entries, and logs a warning for each one with
// more than StartupReplayBatchLimit entries. The limit does not bound the
// first batch: every batch is loaded at the normal transaction size and
// nothing is dropped.
func (s *Service) replayQueues(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT destination, count(*) FROM sending_queue GROUP BY destination`)
	if err != nil {
		return models.NewError(models.ErrStorageFault, "loading sending queues: %s", err)
	}
	defer rows.Close()

	type destCount struct {
		key   string
		count int64
	}
	var dests []destCount
	for rows.Next() {
		var d destCount
		if err := rows.Scan(&d.key, &d.count); err != nil {
			return models.NewError(models.ErrStorageFault, "scanning queue destination: %s", err)
		}
		dests = append(dests, d)
	}
	if err := rows.Err(); err != nil {
		return models.NewError(models.ErrStorageFault, "iterating queue destinations: %s", err)
	}

	for _, d := range dests {
		if d.count > models.StartupReplayBatchLimit {
			s.logger.Warn("destination queue exceeds startup batch limit",
				slog.String("destination", d.key),
				slog.Int64("queued", d.count),
				slog.Int("limit", models.StartupReplayBatchLimit))
		}
		dest, err := models.ParseDestination(d.key)
		if err != nil {
			s.logger.Warn("dropping malformed queue destination",
				slog.String("destination", d.key), slog.String("error", err.Error()))
			continue
		}
		q := s.ensureQueue(dest)
		s.restoreRetryState(ctx, q)
	}
	return nil
}

// restoreRetryState resumes a destination's persisted backoff schedule so a
// restart does not hammer a failing peer.
func (s *Service) restoreRetryState(ctx context.Context, q *destinationQueue) {
	var phase string
	var tries int
	var lastFailure *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT phase, tries, last_failure_at FROM sending_retry_state WHERE destination = $1`,
		q.dest.String()).Scan(&phase, &tries, &lastFailure)
	if err != nil {
		return
	}
	if phase == string(models.RetryPhaseFailed) && lastFailure != nil {
		q.retry = models.RetryState{
			Phase:       models.RetryPhaseFailed,
			Tries:       tries,
			LastFailure: *lastFailure,
		}
	}
}

// ensureQueue starts the delivery loop for a destination if not running.
func (s *Service) ensureQueue(dest models.Destination) *destinationQueue {
	key := dest.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[key]; ok {
		return q
	}
	q := &destinationQueue{
		dest:  dest,
		retry: models.RetryState{Phase: models.RetryPhaseIdle},
		wake:  make(chan struct{}, 1),
	}
	s.queues[key] = q
	s.wg.Add(1)
	go s.runDestination(q)
	// Immediately look for work.
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return q
}

func (s *Service) wakeDestination(key string) {
	s.mu.Lock()
	q, ok := s.queues[key]
	s.mu.Unlock()
	if !ok {
		dest, err := models.ParseDestination(key)
		if err != nil {
			return
		}
		s.ensureQueue(dest)
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// EnqueuePDU queues an event for delivery to each destination and wakes
// their loops.
func (s *Service) EnqueuePDU(ctx context.Context, eventID string, destinations []models.Destination) error {
	for _, dest := range destinations {
		if dest.Kind == models.DestinationServer && dest.Name == s.serverName {
			continue
		}
		id := ulid.Make().String()
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO sending_queue (id, destination, seq, kind, event_id, queued_at)
			 VALUES ($1, $2, nextval('sending_seq'), 'pdu', $3, now())`,
			id, dest.String(), eventID); err != nil {
			return models.NewError(models.ErrStorageFault, "queueing PDU: %s", err)
		}
		s.ensureQueue(dest)
		s.wakeDestination(dest.String())
		if s.bus != nil {
			s.bus.WakeSender(ctx, dest.String())
		}
	}
	return nil
}

// EnqueueEDU queues an ephemeral event for delivery.
func (s *Service) EnqueueEDU(ctx context.Context, edu models.EDU, destinations []models.Destination) error {
	payload, err := json.Marshal(map[string]interface{}{
		"edu_type": edu.Type,
		"content":  json.RawMessage(edu.Content),
	})
	if err != nil {
		return fmt.Errorf("encoding EDU: %w", err)
	}
	for _, dest := range destinations {
		if dest.Kind == models.DestinationServer && dest.Name == s.serverName {
			continue
		}
		id := ulid.Make().String()
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO sending_queue (id, destination, seq, kind, edu, queued_at)
			 VALUES ($1, $2, nextval('sending_seq'), 'edu', $3, now())`,
			id, dest.String(), payload); err != nil {
			return models.NewError(models.ErrStorageFault, "queueing EDU: %s", err)
		}
		s.ensureQueue(dest)
		s.wakeDestination(dest.String())
	}
	return nil
}

// runDestination is the single-writer delivery loop for one destination.
func (s *Service) runDestination(q *destinationQueue) {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case <-q.wake:
		case <-time.After(time.Minute):
			// Periodic poll covers missed wakeups and retry cooldowns.
		}

		if q.retry.Phase == models.RetryPhaseFailed {
			next := q.retry.NextAttemptAt()
			if time.Now().Before(next) {
				continue
			}
			q.retry.Phase = models.RetryPhaseRetrying
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		s.deliverPending(ctx, q)
		cancel()
	}
}

// deliverPending drains the destination queue one transaction at a time.
func (s *Service) deliverPending(ctx context.Context, q *destinationQueue) {
	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		entries, err := s.loadBatch(ctx, q.dest)
		if err != nil {
			s.logger.Error("loading sending batch failed",
				slog.String("destination", q.dest.String()), slog.String("error", err.Error()))
			return
		}
		if len(entries) == 0 {
			q.retry = models.RetryState{Phase: models.RetryPhaseIdle}
			return
		}

		q.retry.Phase = models.RetryPhaseRunning
		if err := s.sendBatch(ctx, q.dest, entries); err != nil {
			q.retry = models.RetryState{
				Phase:       models.RetryPhaseFailed,
				Tries:       q.retry.Tries + 1,
				LastFailure: time.Now().UTC(),
			}
			s.persistRetryState(ctx, q)
			s.logger.Warn("transaction delivery failed",
				slog.String("destination", q.dest.String()),
				slog.Int("tries", q.retry.Tries),
				slog.String("error", err.Error()))
			return
		}

		// Mark delivered.
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM sending_queue WHERE id = ANY($1)`, ids); err != nil {
			s.logger.Error("marking entries delivered failed",
				slog.String("destination", q.dest.String()), slog.String("error", err.Error()))
			return
		}
		q.retry = models.RetryState{Phase: models.RetryPhaseRunning}
		s.persistRetryState(ctx, q)
	}
}

// loadBatch reads the next transaction's worth of queue entries in sequence
// order: up to 50 PDUs and 100 EDUs.
func (s *Service) loadBatch(ctx context.Context, dest models.Destination) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, kind, event_id, edu FROM sending_queue
		 WHERE destination = $1 ORDER BY seq ASC LIMIT $2`,
		dest.String(), models.MaxPDUsPerTransaction+models.MaxEDUsPerTransaction)
	if err != nil {
		return nil, models.NewError(models.ErrStorageFault, "querying queue: %s", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	pdus, edus := 0, 0
	for rows.Next() {
		var e models.QueueEntry
		var eventID *string
		var edu []byte
		if err := rows.Scan(&e.ID, &e.Seq, &e.Kind, &eventID, &edu); err != nil {
			return nil, models.NewError(models.ErrStorageFault, "scanning queue entry: %s", err)
		}
		if eventID != nil {
			e.EventID = *eventID
		}
		e.EDU = edu
		e.Destination = dest

		switch e.Kind {
		case models.QueuePayloadPDU:
			if pdus >= models.MaxPDUsPerTransaction {
				continue
			}
			pdus++
		case models.QueuePayloadEDU:
			if edus >= models.MaxEDUsPerTransaction {
				continue
			}
			edus++
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// sendBatch delivers one batch to the destination by kind.
func (s *Service) sendBatch(ctx context.Context, dest models.Destination, entries []models.QueueEntry) error {
	switch dest.Kind {
	case models.DestinationServer:
		return s.sendServerTransaction(ctx, dest.Name, entries)
	case models.DestinationPushGateway:
		return s.sendPushNotifications(ctx, dest, entries)
	case models.DestinationAppservice:
		return s.sendAppserviceTransaction(ctx, dest, entries)
	default:
		return fmt.Errorf("unknown destination kind %q", dest.Kind)
	}
}

// sendServerTransaction builds and sends a federation transaction,
// folding in the pending EDUs for the destination.
func (s *Service) sendServerTransaction(ctx context.Context, destination string, entries []models.QueueEntry) error {
	txn := transport.Transaction{
		Origin:         s.serverName,
		OriginServerTS: time.Now().UnixMilli(),
	}
	for _, e := range entries {
		switch e.Kind {
		case models.QueuePayloadPDU:
			raw, err := s.eventJSON(ctx, e.EventID)
			if err != nil {
				s.logger.Warn("queued event unavailable, skipping",
					slog.String("event_id", e.EventID), slog.String("error", err.Error()))
				continue
			}
			txn.PDUs = append(txn.PDUs, raw)
		case models.QueuePayloadEDU:
			txn.EDUs = append(txn.EDUs, json.RawMessage(e.EDU))
		}
	}

	extra, err := s.selectEDUs(ctx, destination)
	if err != nil {
		s.logger.Debug("selecting EDUs failed",
			slog.String("destination", destination), slog.String("error", err.Error()))
	}
	for _, edu := range extra {
		if len(txn.EDUs) >= models.MaxEDUsPerTransaction {
			break
		}
		txn.EDUs = append(txn.EDUs, edu)
	}

	if len(txn.PDUs) == 0 && len(txn.EDUs) == 0 {
		return nil
	}

	txnID := ulid.Make().String()
	resp, err := s.client.SendTransaction(ctx, destination, txnID, txn)
	if err != nil {
		return err
	}
	for eventID, result := range resp.PDUs {
		if result.Error != "" {
			s.logger.Warn("remote rejected PDU",
				slog.String("destination", destination),
				slog.String("event_id", eventID),
				slog.String("error", result.Error))
		}
	}
	return nil
}

// sendPushNotifications delivers queued notification payloads to a push
// gateway subscription via WebPush with a short timeout.
func (s *Service) sendPushNotifications(ctx context.Context, dest models.Destination, entries []models.QueueEntry) error {
	var endpoint, authKey, p256dh, vapidPublic, vapidPrivate string
	err := s.pool.QueryRow(ctx,
		`SELECT endpoint, auth_key, p256dh_key, vapid_public, vapid_private
		 FROM pushers WHERE push_key = $1`, dest.PushKey).Scan(
		&endpoint, &authKey, &p256dh, &vapidPublic, &vapidPrivate)
	if err != nil {
		return models.NewError(models.ErrStorageFault, "loading pusher %s: %s", dest.PushKey, err)
	}

	sub := &webpush.Subscription{
		Endpoint: endpoint,
		Keys:     webpush.Keys{Auth: authKey, P256dh: p256dh},
	}
	for _, e := range entries {
		payload := e.EDU
		if e.Kind == models.QueuePayloadPDU {
			raw, jerr := s.eventJSON(ctx, e.EventID)
			if jerr != nil {
				continue
			}
			payload = raw
		}
		pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		resp, perr := webpush.SendNotificationWithContext(pushCtx, payload, sub, &webpush.Options{
			VAPIDPublicKey:  vapidPublic,
			VAPIDPrivateKey: vapidPrivate,
			TTL:             60,
		})
		cancel()
		if perr != nil {
			return fmt.Errorf("pushing to %s: %w", dest.PushKey, perr)
		}
		resp.Body.Close()
	}
	return nil
}

// sendAppserviceTransaction forwards PDUs to a registered application
// service endpoint.
func (s *Service) sendAppserviceTransaction(ctx context.Context, dest models.Destination, entries []models.QueueEntry) error {
	var pdus []json.RawMessage
	for _, e := range entries {
		if e.Kind != models.QueuePayloadPDU {
			continue
		}
		raw, err := s.eventJSON(ctx, e.EventID)
		if err != nil {
			continue
		}
		pdus = append(pdus, raw)
	}
	if len(pdus) == 0 {
		return nil
	}

	txnID := ulid.Make().String()
	path := "/_matrix/app/v1/transactions/" + txnID
	return s.client.Do(ctx, "PUT", dest.Name, path, map[string]interface{}{"events": pdus}, nil)
}

// persistRetryState stores the destination's retry state so restarts resume
// the backoff schedule.
func (s *Service) persistRetryState(ctx context.Context, q *destinationQueue) {
	var lastFailure *time.Time
	if !q.retry.LastFailure.IsZero() {
		lastFailure = &q.retry.LastFailure
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO sending_retry_state (destination, phase, tries, last_failure_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (destination) DO UPDATE SET
			phase = EXCLUDED.phase, tries = EXCLUDED.tries,
			last_failure_at = EXCLUDED.last_failure_at`,
		q.dest.String(), q.retry.Phase, q.retry.Tries, lastFailure); err != nil {
		s.logger.Debug("persisting retry state failed",
			slog.String("destination", q.dest.String()), slog.String("error", err.Error()))
	}
}
