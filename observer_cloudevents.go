package plume

import (
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// NewCloudEvent builds a CloudEvents envelope for an application
// notification. IDs are UUIDv7 so event order is recoverable from the id
// alone; metadata entries become extension attributes.
func NewCloudEvent(eventType, source string, data any, metadata map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()

	if id, err := uuid.NewV7(); err == nil {
		event.SetID(id.String())
	} else {
		event.SetID(uuid.New().String())
	}
	event.SetType(eventType)
	event.SetSource(source)
	event.SetTime(time.Now())

	if data != nil {
		if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
			_ = event.SetData(cloudevents.ApplicationJSON, map[string]any{
				"error": fmt.Sprintf("failed to encode event data: %v", err),
			})
		}
	}
	for key, value := range metadata {
		event.SetExtension(key, value)
	}
	return event
}

// ValidateCloudEvent checks the envelope fields NotifyObservers requires.
func ValidateCloudEvent(event cloudevents.Event) error {
	if event.ID() == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCloudEvent)
	}
	if event.Type() == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidCloudEvent)
	}
	if event.Source() == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidCloudEvent)
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrEventValidationFail, err)
	}
	return nil
}
