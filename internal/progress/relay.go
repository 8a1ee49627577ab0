package progress

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix NATS 主题前缀，后接档案ID
const SubjectPrefix = "voice.progress."

type wireEvent struct {
	Origin string `json:"origin"`
	Event
}

// NATSRelay mirrors events between instances over core NATS pub/sub.
type NATSRelay struct {
	nc     *nats.Conn
	origin string
	sub    *nats.Subscription
}

// NewNATSRelay subscribes to every profile subject and hands remote events
// to b. The relay is installed on b.
func NewNATSRelay(nc *nats.Conn, b *Broadcaster) (*NATSRelay, error) {
	r := &NATSRelay{nc: nc, origin: uuid.NewString()}
	sub, err := nc.Subscribe(SubjectPrefix+"*", func(msg *nats.Msg) {
		var w wireEvent
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			b.log.Warn("decode relayed progress", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if w.Origin == r.origin {
			return
		}
		if w.ProfileID == "" {
			w.ProfileID = strings.TrimPrefix(msg.Subject, SubjectPrefix)
		}
		b.Receive(w.Event)
	})
	if err != nil {
		return nil, err
	}
	r.sub = sub
	b.SetRelay(r)
	return r, nil
}

func (r *NATSRelay) Forward(e Event) error {
	raw, err := json.Marshal(wireEvent{Origin: r.origin, Event: e})
	if err != nil {
		return err
	}
	return r.nc.Publish(SubjectPrefix+e.ProfileID, raw)
}

func (r *NATSRelay) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}
