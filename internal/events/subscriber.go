// Package events subscribes to ingestion status events published by the
// backend on NATS and feeds them to the push progress source.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/ingest"
	"github.com/sells-group/govchat/internal/model"
)

// DefaultSubject is the subject ingestion events are published on.
const DefaultSubject = "ingest.status"

// Publisher receives decoded events. ingest.PushSource implements it.
type Publisher interface {
	Publish(ev ingest.Event)
}

// statusMessage is the wire form of one event. The backend identifies files
// by its own id; remote_id is accepted as an alias.
type statusMessage struct {
	ID       string `json:"id"`
	RemoteID string `json:"remote_id"`
	FileID   string `json:"file_id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Error    string `json:"error"`
}

// Decode parses one status message.
func Decode(data []byte) (ingest.Event, error) {
	var m statusMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ingest.Event{}, eris.Wrap(err, "events: unmarshal status")
	}
	status := model.FileStatus(m.Status)
	if !status.IsValid() {
		return ingest.Event{}, eris.Errorf("events: unknown status %q", m.Status)
	}
	remote := m.RemoteID
	if remote == "" {
		remote = m.ID
	}
	if remote == "" && m.FileID == "" && m.Name == "" {
		return ingest.Event{}, eris.New("events: status without a file reference")
	}
	return ingest.Event{
		FileID:   m.FileID,
		RemoteID: remote,
		Name:     m.Name,
		Status:   status,
		Error:    m.Error,
	}, nil
}

// Subscriber forwards NATS status messages to a Publisher.
type Subscriber struct {
	nc      *nats.Conn
	subject string
	pub     Publisher
	log     *zap.Logger
}

// Connect dials url. The connection retries in the background if the
// server is not up yet.
func Connect(url, subject string, pub Publisher) (*Subscriber, error) {
	log := zap.L().With(zap.String("component", "events"))
	nc, err := nats.Connect(url,
		nats.Name("govchat"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("events: disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("events: reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "events: connect %s", url)
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &Subscriber{nc: nc, subject: subject, pub: pub, log: log}, nil
}

// Handle decodes one message payload and publishes it. Undecodable payloads
// are logged and dropped.
func (s *Subscriber) Handle(data []byte) {
	ev, err := Decode(data)
	if err != nil {
		s.log.Warn("events: dropped message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	s.pub.Publish(ev)
}

// Run subscribes and blocks until ctx is done, then drains the connection.
func (s *Subscriber) Run(ctx context.Context) error {
	sub, err := s.nc.Subscribe(s.subject, func(m *nats.Msg) {
		s.Handle(m.Data)
	})
	if err != nil {
		return eris.Wrapf(err, "events: subscribe %s", s.subject)
	}
	s.log.Info("events: subscribed", zap.String("subject", s.subject))

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		s.log.Debug("events: unsubscribe", zap.Error(err))
	}
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return eris.Wrap(err, "events: drain")
	}
	return nil
}

// Close closes the connection immediately.
func (s *Subscriber) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}
