package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/filswan/go-mcs-sdk/mcs/api/common/logs"
	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/nats-io/nats.go"
)

// NATSSink forwards events as JSON to "<subject>.<event type>".
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

func NewNATSSink(url, subject, name string) (*NATSSink, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logs.GetLogger().Warnf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logs.GetLogger().Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSSink{nc: nc, subject: subject}, nil
}

func (s *NATSSink) Subject(ev models.Event) string {
	return s.subject + "." + string(ev.Type)
}

func (s *NATSSink) Forward(ev models.Event) error {
	if s.nc == nil || s.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.nc.Publish(s.Subject(ev), payload)
}

func (s *NATSSink) Close() {
	if s.nc != nil {
		s.nc.Drain()
		s.nc.Close()
	}
}
