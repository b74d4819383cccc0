package forwarding

import (
	"github.com/TicketsBot/common/eventforwarding"
	"github.com/TicketsBot/gatewayclient/gateway"
	"github.com/go-redis/redis"
	"github.com/sirupsen/logrus"
)

// RedisForwarder pushes every routed dispatch onto Redis for the workers to
// consume.
type RedisForwarder struct {
	client       *redis.Client
	token        string
	isWhitelabel bool
	selfId       func() uint64
}

func NewRedisForwarder(client *redis.Client, token string, isWhitelabel bool, selfId func() uint64) *RedisForwarder {
	if selfId == nil {
		selfId = func() uint64 { return 0 }
	}

	return &RedisForwarder{
		client:       client,
		token:        token,
		isWhitelabel: isWhitelabel,
		selfId:       selfId,
	}
}

// Forward is a gateway.Handler, register it with Router.OnAny so that it runs
// after the cache listeners have filled in Extra.
func (f *RedisForwarder) Forward(e *gateway.Event) {
	if err := eventforwarding.ForwardEvent(f.client, f.build(e)); err != nil {
		logrus.Warnf("shard %d: error whilst forwarding %s: %s", e.ShardId, e.Name, err.Error())
	}
}

func (f *RedisForwarder) build(e *gateway.Event) eventforwarding.Event {
	return eventforwarding.Event{
		BotToken:     f.token,
		BotId:        f.selfId(),
		IsWhitelabel: f.isWhitelabel,
		ShardId:      e.ShardId,
		EventType:    e.Name,
		Data:         e.Data,
		Extra: eventforwarding.Extra{
			IsJoin: e.Extra.IsJoin,
		},
	}
}
