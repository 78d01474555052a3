// Package stream encodes run events as newline-delimited JSON records and
// decodes them incrementally on the observing side.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/bmie/internal/job"
)

// ContentType is the media type of an encoded event stream.
const ContentType = "application/x-ndjson"

// record is the wire shape. File events are flat (name, fileType, content,
// path); every other event carries its payload in value.
type record struct {
	Type     job.EventType    `json:"type"`
	Seq      int              `json:"seq"`
	RunID    string           `json:"runId,omitempty"`
	TS       time.Time        `json:"ts,omitzero"`
	Value    json.RawMessage  `json:"value,omitempty"`
	State    job.RunState     `json:"state,omitempty"`
	Name     string           `json:"name,omitempty"`
	FileType job.ArtifactKind `json:"fileType,omitempty"`
	Content  string           `json:"content,omitempty"`
	Path     string           `json:"path,omitempty"`
	URI      string           `json:"uri,omitempty"`
	Hash     string           `json:"contentHash,omitempty"`
}

// Marshal encodes one event as a single JSON object without the trailing
// separator.
func Marshal(evt job.Event) ([]byte, error) {
	rec := record{
		Type:  evt.Type,
		Seq:   evt.Seq,
		RunID: evt.RunID,
		TS:    evt.At,
		State: evt.State,
	}
	var value any
	switch evt.Type {
	case job.EventProgress:
		value = evt.Percent
	case job.EventStep:
		value = evt.Step
	case job.EventFile:
		if evt.File == nil {
			return nil, fmt.Errorf("file event %d has no artifact", evt.Seq)
		}
		if evt.File.Name == "" {
			return nil, fmt.Errorf("file event %d has no name", evt.Seq)
		}
		rec.Name = evt.File.Name
		rec.FileType = evt.File.Kind
		rec.Content = evt.File.Content
		rec.Path = evt.File.Path
		rec.URI = evt.File.URI
		rec.Hash = evt.File.ContentHash
	case job.EventItem:
		if evt.Item == nil {
			return nil, fmt.Errorf("item event %d has no item", evt.Seq)
		}
		value = evt.Item
	case job.EventStats:
		if evt.Stats == nil {
			return nil, fmt.Errorf("stats event %d has no stats", evt.Seq)
		}
		value = evt.Stats
	case job.EventFinal, job.EventAborted, job.EventError:
		value = evt.Message
	default:
		return nil, fmt.Errorf("unknown event type %q", evt.Type)
	}
	if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal %s value: %w", evt.Type, err)
		}
		rec.Value = raw
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", evt.Type, err)
	}
	return b, nil
}

// Unmarshal decodes one record.
func Unmarshal(line []byte) (job.Event, error) {
	var rec record
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&rec); err != nil {
		return job.Event{}, fmt.Errorf("decode record: %w", err)
	}
	if dec.More() {
		return job.Event{}, fmt.Errorf("decode record: trailing data")
	}
	evt := job.Event{
		Type:  rec.Type,
		Seq:   rec.Seq,
		RunID: rec.RunID,
		At:    rec.TS,
		State: rec.State,
	}
	var err error
	switch rec.Type {
	case job.EventProgress:
		err = decodeValue(rec, &evt.Percent)
	case job.EventStep:
		err = decodeValue(rec, &evt.Step)
	case job.EventFile:
		if rec.Name == "" {
			return job.Event{}, fmt.Errorf("file record missing name")
		}
		evt.File = &job.Artifact{
			Name:        rec.Name,
			Kind:        rec.FileType,
			Content:     rec.Content,
			Path:        rec.Path,
			URI:         rec.URI,
			ContentHash: rec.Hash,
		}
	case job.EventItem:
		evt.Item = &job.ItemStatus{}
		err = decodeValue(rec, evt.Item)
	case job.EventStats:
		evt.Stats = &job.Stats{}
		err = decodeValue(rec, evt.Stats)
	case job.EventFinal, job.EventAborted, job.EventError:
		if len(rec.Value) > 0 {
			err = decodeValue(rec, &evt.Message)
		}
	default:
		return job.Event{}, fmt.Errorf("unknown event type %q", rec.Type)
	}
	if err != nil {
		return job.Event{}, err
	}
	return evt, nil
}

func decodeValue(rec record, dst any) error {
	if len(rec.Value) == 0 {
		return fmt.Errorf("%s record missing value", rec.Type)
	}
	if err := json.Unmarshal(rec.Value, dst); err != nil {
		return fmt.Errorf("decode %s value: %w", rec.Type, err)
	}
	return nil
}
