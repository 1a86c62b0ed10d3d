package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"

	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

const (
	// EventSource is the source of every published event.
	EventSource = "airflow-monitor"

	DetailTypeCompleted = "SyncPassCompleted"
	DetailTypeFailed    = "SyncPassFailed"

	sendTimeout = 10 * time.Second
)

// EventBridgeAPI is the subset of the EventBridge client used by EventBridgeSink.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeSink publishes summaries as events on a bus.
type EventBridgeSink struct {
	client  EventBridgeAPI
	busName string
}

// NewEventBridgeSink creates a sink publishing to busName.
func NewEventBridgeSink(client EventBridgeAPI, busName string) (*EventBridgeSink, error) {
	if busName == "" {
		return nil, fmt.Errorf("event bus name required")
	}
	return &EventBridgeSink{client: client, busName: busName}, nil
}

// Name returns the sink identifier.
func (s *EventBridgeSink) Name() string { return "eventbridge" }

// Send publishes one event whose detail is the JSON summary.
func (s *EventBridgeSink) Send(ctx context.Context, sum types.SyncSummary) error {
	detail, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}

	detailType := DetailTypeCompleted
	if sum.Error != "" {
		detailType = DetailTypeFailed
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	out, err := s.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []ebtypes.PutEventsRequestEntry{{
			EventBusName: aws.String(s.busName),
			Source:       aws.String(EventSource),
			DetailType:   aws.String(detailType),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(sum.FinishedAt),
		}},
	})
	if err != nil {
		return fmt.Errorf("publishing to EventBridge: %w", err)
	}
	if out.FailedEntryCount > 0 && len(out.Entries) > 0 {
		e := out.Entries[0]
		return fmt.Errorf("publishing to EventBridge: %s: %s", aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
	}
	return nil
}
