package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix roots the per-job subjects: <prefix>.<userId>.<jobId>.
const DefaultSubjectPrefix = "slidegen.jobs"

// NATSPublisher publishes events on core NATS so other services can follow a
// user's jobs with a wildcard subscription.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject an event for the given user and job is sent on.
func (p *NATSPublisher) Subject(userID, jobID string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(userID), subjectToken(jobID))
}

func (p *NATSPublisher) Publish(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify nats: encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(evt.UserID, evt.JobID), data); err != nil {
		return fmt.Errorf("notify nats: publish: %w", err)
	}
	return nil
}

// subjectToken keeps ids from introducing extra subject levels or wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	out := []byte(s)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			out[i] = '_'
		}
	}
	return string(out)
}
