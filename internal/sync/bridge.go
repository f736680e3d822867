package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"easel/api/internal/util"
)

const bridgeChannelPrefix = "easel:board:"

// Bridge relays board frames between API instances over Redis pub/sub,
// so participants of one board connected to different instances still
// share a broadcast domain. A single instance runs fine without one.
type Bridge struct {
	client     *redis.Client
	instanceID string
}

type bridgeEnvelope struct {
	Origin string `json:"origin"`
	Frame  Frame  `json:"frame"`
}

func NewBridge(redisURL string) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Bridge{client: client, instanceID: util.NewID("inst")}, nil
}

// NewBridgeWithClient builds a bridge on an existing client. Used by
// tests and by callers that already hold a connection.
func NewBridgeWithClient(client *redis.Client) *Bridge {
	return &Bridge{client: client, instanceID: util.NewID("inst")}
}

// Publish pushes a locally-broadcast frame to the board's channel.
func (b *Bridge) Publish(ctx context.Context, frame Frame) error {
	payload, err := json.Marshal(bridgeEnvelope{Origin: b.instanceID, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal bridge envelope: %w", err)
	}
	return b.client.Publish(ctx, bridgeChannelPrefix+frame.BoardID, payload).Err()
}

// Run subscribes to all board channels and relays frames from other
// instances into the local hub. Blocks until ctx is done.
func (b *Bridge) Run(ctx context.Context, hub *Hub) error {
	pubsub := b.client.PSubscribe(ctx, bridgeChannelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env bridgeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("sync: bad bridge payload on %s: %v", msg.Channel, err)
				continue
			}
			if env.Origin == b.instanceID {
				continue
			}
			if env.Frame.BoardID == "" {
				env.Frame.BoardID = strings.TrimPrefix(msg.Channel, bridgeChannelPrefix)
			}
			hub.Relay(env.Frame)
		}
	}
}

func (b *Bridge) Close() error {
	return b.client.Close()
}
