// Package notify forwards finished ticks to NATS so other services can
// follow the scheduler without polling /status.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"crawlsched/internal/eventbus"
	"crawlsched/internal/events"
	logx "crawlsched/pkg/logx"
)

const DefaultSubjectPrefix = "crawlsched"

type Config struct {
	URL           string
	SubjectPrefix string
	// Token authenticates against the server when set. Do not log.
	Token string
}

// Publisher is the part of *nats.Conn the Forwarder uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Forwarder publishes every TickDone as JSON on
// <prefix>.tick.<event>.
type Forwarder struct {
	pub    Publisher
	prefix string
	log    logx.Logger
	close  func() error
}

// Dial connects to cfg.URL. Reconnects are unlimited; publishes made while
// disconnected are buffered by the client.
func Dial(cfg Config, log logx.Logger) (*Forwarder, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("notify: nats url required")
	}
	opts := []nats.Option{
		nats.Name("crawlsched"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", logx.Err(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", nc.ConnectedUrlRedacted()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	f := NewForwarder(nc, cfg.SubjectPrefix, log)
	f.close = nc.Drain
	log.Info("nats connected", logx.String("url", nc.ConnectedUrlRedacted()), logx.String("prefix", f.prefix))
	return f, nil
}

func NewForwarder(pub Publisher, prefix string, log logx.Logger) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Forwarder{pub: pub, prefix: prefix, log: log}
}

// Subject returns the subject a tick of event is published on.
func (f *Forwarder) Subject(event string) string { return f.prefix + ".tick." + event }

// Run forwards tick events from in until ctx is done or in is closed.
// Publish failures are logged and the event dropped.
func (f *Forwarder) Run(ctx context.Context, in <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			td, ok := e.Data.(events.TickDone)
			if !ok {
				continue
			}
			if err := f.Forward(td); err != nil {
				f.log.Warn("tick not forwarded", logx.String("event", td.Event), logx.Err(err))
			}
		}
	}
}

func (f *Forwarder) Forward(td events.TickDone) error {
	b, err := json.Marshal(td)
	if err != nil {
		return err
	}
	return f.pub.Publish(f.Subject(td.Event), b)
}

// Close drains the connection when Dial opened it.
func (f *Forwarder) Close() error {
	if f == nil || f.close == nil {
		return nil
	}
	return f.close()
}
