package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/mediaharvest/harvester/internal/progress"
)

// terminalStages are the only events worth a message on the wire; progress
// ticks stay local.
var terminalStages = map[progress.Stage]struct{}{
	progress.StageRunStart:          {},
	progress.StageRunDone:           {},
	progress.StageJobCompleted:      {},
	progress.StageJobFailed:         {},
	progress.StageDomainQuarantined: {},
}

// PubSubSink publishes terminal events to a Cloud Pub/Sub topic for
// downstream consumers.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink builds a sink over an existing client.
func NewPubSubSink(client *pubsub.Client, topicID string) (*PubSubSink, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topicID == "" {
		return nil, fmt.Errorf("topic id is required")
	}
	return &PubSubSink{
		client: client,
		topic:  client.Topic(topicID),
	}, nil
}

// Consume publishes every terminal event in the batch. Publish results are
// awaited so sink errors surface to the hub.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	var results []*pubsub.PublishResult
	for _, evt := range batch {
		if _, terminal := terminalStages[evt.Stage]; !terminal {
			continue
		}
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"stage":  string(evt.Stage),
				"run_id": evt.RunUUID().String(),
			},
		}))
	}
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
	}
	return nil
}

// Close stops the topic's publish goroutines.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
