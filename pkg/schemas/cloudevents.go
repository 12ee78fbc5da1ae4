package schemas

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	CloudEventsSpecVersion = "1.0"
)

// Event types carried by the migrator.
const (
	EventTypeMigrateRule     = "ruleMigrator.migrate.v1"
	EventTypeWorkflowCreated = "ruleMigrator.workflow.migrated.v1"
	EventTypeMigrationFailed = "ruleMigrator.workflow.failed.v1"
)

// CloudEvent represents the minimal CloudEvents envelope used internally.
type CloudEvent struct {
	SpecVersion string            `json:"specversion"`
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Type        string            `json:"type"`
	Time        string            `json:"time"`
	DataSchema  string            `json:"dataschema,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Data        json.RawMessage   `json:"data,omitempty"`
	// Extensions are string attributes carried beside the core ones.
	Extensions map[string]string `json:"-"`
}

// Standard extension names used across the migrator.
const (
	ExtensionCorrelationID = "correlationid"
	ExtensionCausationID   = "causationid"
)

// coreAttributes are the envelope keys that cannot be used as extensions.
var coreAttributes = map[string]bool{
	"specversion": true, "id": true, "source": true, "type": true, "time": true,
	"dataschema": true, "subject": true, "data": true, "datacontenttype": true,
}

type cloudEventFields CloudEvent

// MarshalJSON writes extensions as top-level attributes.
func (e CloudEvent) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(cloudEventFields(e))
	if err != nil || len(e.Extensions) == 0 {
		return b, err
	}
	attrs := make(map[string]json.RawMessage)
	if err := json.Unmarshal(b, &attrs); err != nil {
		return nil, err
	}
	for name, v := range e.Extensions {
		if coreAttributes[name] {
			return nil, fmt.Errorf("extension %q shadows a core attribute", name)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		attrs[name] = raw
	}
	return json.Marshal(attrs)
}

// UnmarshalJSON collects unknown string attributes into Extensions.
func (e *CloudEvent) UnmarshalJSON(b []byte) error {
	var f cloudEventFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	var attrs map[string]json.RawMessage
	if err := json.Unmarshal(b, &attrs); err != nil {
		return err
	}
	for name, raw := range attrs {
		if coreAttributes[name] {
			continue
		}
		var v string
		if json.Unmarshal(raw, &v) != nil {
			continue
		}
		if f.Extensions == nil {
			f.Extensions = make(map[string]string)
		}
		f.Extensions[name] = v
	}
	*e = CloudEvent(f)
	return nil
}

// Extension returns the named extension, or "" when it is not set.
func (e *CloudEvent) Extension(name string) string {
	return e.Extensions[name]
}

// SetExtension sets the named extension.
func (e *CloudEvent) SetExtension(name, value string) {
	if e.Extensions == nil {
		e.Extensions = make(map[string]string)
	}
	e.Extensions[name] = value
}

// CausedBy records cause as the event that produced e. The correlation id
// is inherited from cause; a cause without one starts the chain with its id.
func (e *CloudEvent) CausedBy(cause *CloudEvent) {
	e.SetExtension(ExtensionCausationID, cause.ID)
	corr := cause.Extension(ExtensionCorrelationID)
	if corr == "" {
		corr = cause.ID
	}
	e.SetExtension(ExtensionCorrelationID, corr)
}

// NewCloudEvent builds an envelope with a fresh id and the current time.
func NewCloudEvent(source, typ, subject string, data any) (*CloudEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", typ, err)
	}
	return &CloudEvent{
		SpecVersion: CloudEventsSpecVersion,
		ID:          uuid.NewString(),
		Source:      source,
		Type:        typ,
		Time:        time.Now().UTC().Format(time.RFC3339Nano),
		Subject:     subject,
		Data:        raw,
	}, nil
}

// DecodeCloudEvent unmarshals an envelope and rejects unknown spec versions.
func DecodeCloudEvent(b []byte) (*CloudEvent, error) {
	var ev CloudEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, fmt.Errorf("decode cloudevent: %w", err)
	}
	if ev.SpecVersion != CloudEventsSpecVersion {
		return nil, fmt.Errorf("unsupported specversion %q", ev.SpecVersion)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("cloudevent missing id or type")
	}
	return &ev, nil
}
