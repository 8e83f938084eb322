// Package bus publishes and consumes JSON messages over NATS, optionally
// through a JetStream stream so audit events survive subscriber restarts.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cordum/barkit/core/infra/config"
	"github.com/cordum/barkit/core/infra/logging"
)

// NatsBus is a thin wrapper over a NATS connection that speaks JSON.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
}

const (
	defaultAckWait = time.Minute

	streamEvents = "BARKIT_EVENTS"
	// SubjectEvents is the subject tree carrying install audit events.
	SubjectEvents = "barkit.events"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilPayload = errors.New("nil payload")
	errEmptyTopic = errors.New("empty subject")
)

func natsOptions(cfg *config.Config) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name("barkit-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Error("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	tlsConfig, err := cfg.NatsTLS.Client()
	if err != nil {
		return nil, fmt.Errorf("nats %w", err)
	}
	if tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}
	return opts, nil
}

// NewNatsBus dials cfg.NatsURL and, when cfg.JetStream is set, ensures the
// events stream.
func NewNatsBus(cfg *config.Config) (*NatsBus, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	opts, err := natsOptions(cfg)
	if err != nil {
		return nil, err
	}
	nc, err := nats.Connect(cfg.NatsURL, opts...)
	if err != nil {
		return nil, err
	}
	ackWait := cfg.JSAckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	b := &NatsBus{nc: nc, ackWait: ackWait}
	if cfg.JetStream {
		b.initJetStream(ackWait, cfg.JSMaxAge)
	}
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish JSON-encodes v and sends it on subject. msgID, when set, lets
// JetStream drop duplicates of the same event.
func (b *NatsBus) Publish(subject, msgID string, v any) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if v == nil {
		return errNilPayload
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if b.jsEnabled && isDurableSubject(subject) {
		if msgID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(msgID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe invokes handler with each raw message body. With JetStream a
// handler error naks the message for redelivery.
func (b *NatsBus) Subscribe(subject, queue string, handler func([]byte) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			if err := handler(msg.Data); err != nil {
				logging.Error("bus", "handler error, nak", "subject", msg.Subject, "error", err)
				_ = msg.Nak()
				return
			}
			_ = msg.Ack()
		}
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
		}
		if durable := durableName(subject, queue); durable != "" && queue != "" {
			opts = append(opts, nats.Durable(durable))
		}
		var err error
		if queue == "" {
			_, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			_, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
		return err
	}

	cb := func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			logging.Error("bus", "handler error", "subject", msg.Subject, "error", err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func (b *NatsBus) initJetStream(ackWait, maxAge time.Duration) {
	if b == nil || b.nc == nil {
		return
	}
	js, err := b.nc.JetStream()
	if err != nil {
		logging.Error("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Error("bus", "jetstream not available", "error", err)
		return
	}
	subjects := []string{SubjectEvents + ".>"}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamEvents,
		Subjects:   subjects,
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		if _, infoErr := js.StreamInfo(streamEvents); infoErr != nil {
			logging.Error("bus", "jetstream ensure stream failed", "stream", streamEvents, "error", err)
			return
		}
	}

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info("bus", "jetstream enabled", "stream", streamEvents, "ack_wait", ackWait, "max_age", maxAge)
}

func isDurableSubject(subject string) bool {
	return subject == SubjectEvents || strings.HasPrefix(subject, SubjectEvents+".")
}

func durableName(subject, queue string) string {
	clean := func(s string) string {
		s = strings.ReplaceAll(s, ".", "_")
		s = strings.ReplaceAll(s, "*", "STAR")
		s = strings.ReplaceAll(s, ">", "GT")
		return strings.TrimSpace(s)
	}
	name := clean(subject)
	if name == "" {
		return ""
	}
	if q := clean(queue); q != "" {
		return "dur_" + q + "__" + name
	}
	return "dur_" + name
}
