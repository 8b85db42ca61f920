package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"slidegen/internal/domain"
	"slidegen/internal/infra"
	"slidegen/internal/sqlinline"
)

// DefaultChannel is the LISTEN/NOTIFY channel shared by workers and the API.
const DefaultChannel = "slide_job_events"

// PGPublisher sends events through pg_notify so an API process can relay
// progress of jobs that run in a separate worker process. Results are left
// out of the payload because NOTIFY payloads are capped at 8000 bytes.
type PGPublisher struct {
	sql     infra.SQLExecutor
	channel string
}

func NewPGPublisher(sql infra.SQLExecutor, channel string) *PGPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PGPublisher{sql: sql, channel: channel}
}

func (p *PGPublisher) Publish(ctx context.Context, evt Event) error {
	evt.Result = nil
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify pg: encode event: %w", err)
	}
	if _, err := p.sql.Exec(ctx, sqlinline.QNotifySlideJobEvent, p.channel, string(data)); err != nil {
		return fmt.Errorf("notify pg: %w", err)
	}
	return nil
}

// ResultLookup fetches a cached result by job id.
type ResultLookup interface {
	GetByJob(ctx context.Context, jobID string) (*domain.Result, bool, error)
}

// PGListener relays NOTIFY payloads to a local notifier, typically the
// websocket Hub. Completed events get their result re-attached from the cache.
type PGListener struct {
	dsn     string
	channel string
	relay   Notifier
	results ResultLookup
	logger  infra.Logger
}

func NewPGListener(dsn, channel string, relay Notifier, results ResultLookup, logger infra.Logger) *PGListener {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PGListener{dsn: dsn, channel: channel, relay: relay, results: results, logger: logger}
}

// Run listens until ctx is cancelled. Connection loss is handled by
// pq.Listener, which reconnects with backoff.
func (l *PGListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			l.logger.Warn().Err(err).Str("channel", l.channel).Msg("notify pg: listener connection lost")
		case pq.ListenerEventReconnected:
			l.logger.Info().Str("channel", l.channel).Msg("notify pg: listener reconnected")
		}
	})
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		return fmt.Errorf("notify pg: listen %s: %w", l.channel, err)
	}

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-listener.Notify:
			if n == nil {
				// Reconnected; notifications sent while disconnected are gone.
				continue
			}
			l.handle(ctx, n.Extra)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Debug().Err(err).Msg("notify pg: ping failed")
				}
			}()
		}
	}
}

func (l *PGListener) handle(ctx context.Context, payload string) {
	var evt Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		l.logger.Warn().Err(err).Msg("notify pg: discarding malformed payload")
		return
	}
	if evt.Type == EventCompleted && evt.Result == nil && l.results != nil {
		res, ok, err := l.results.GetByJob(ctx, evt.JobID)
		if err != nil {
			l.logger.Warn().Err(err).Str("job_id", evt.JobID).Msg("notify pg: result lookup failed")
		} else if ok {
			evt.Result = res
		}
	}
	if err := l.relay.Publish(ctx, evt); err != nil {
		l.logger.Warn().Err(err).Str("job_id", evt.JobID).Msg("notify pg: relay failed")
	}
}
