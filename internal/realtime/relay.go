package realtime

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel carries revision events between service processes.
const Channel = "display:revisions"

// Relay fans revision bumps out to every process. Each process runs one Relay
// that publishes its own bumps and dispatches everyone's into its local hub.
type Relay struct {
	redis     *redis.Client
	hub       *Hub
	opTimeout time.Duration
}

func NewRelay(redisClient *redis.Client, hub *Hub, opTimeout time.Duration) *Relay {
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}
	return &Relay{redis: redisClient, hub: hub, opTimeout: opTimeout}
}

// RevisionBumped publishes the bump. Without Redis, or when the publish
// fails, the event only reaches this process.
func (r *Relay) RevisionBumped(tenantID string, revision int64) {
	ev := Event{TenantID: tenantID, Revision: revision}
	if r.redis == nil {
		r.hub.Publish(ev)
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		r.hub.Publish(ev)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.redis.Publish(ctx, Channel, payload).Err(); err != nil {
		log.Printf("revision relay publish failed for %s, delivering locally: %v", tenantID, err)
		r.hub.Publish(ev)
	}
}

// Run dispatches events from the channel into the hub until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if r.redis == nil {
		<-ctx.Done()
		return nil
	}
	sub := r.redis.Subscribe(ctx, Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil || ev.TenantID == "" {
				log.Printf("revision relay: dropping malformed event %q", msg.Payload)
				continue
			}
			r.hub.Publish(ev)
		}
	}
}
