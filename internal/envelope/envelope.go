// Package envelope defines the JSON message types exchanged between the
// matcher, ingest validator, and project validator stages (spec §3, §6).
//
// Every message carries PayloadVersion so a future incompatible change can
// be introduced without breaking consumers still processing older messages
// already sitting on the bus.
package envelope

import "time"

// CurrentPayloadVersion is the payload_version this build emits and expects.
const CurrentPayloadVersion = 1

type (
	// UploadEvent is the standard S3-style object-upload event the matcher
	// consumes (spec §4.1, §6 "Object-upload event envelope").
	UploadEvent struct {
		Bucket    string    `json:"bucket"`
		Key       string    `json:"key"`
		ETag      string    `json:"etag"`
		Size      int64     `json:"size"`
		EventTime time.Time `json:"event_time"`
		Uploader  string    `json:"uploader"`
	}

	// FileRef describes a single observed file within a submission (spec §3
	// "files: mapping from file extension").
	FileRef struct {
		URI       string    `json:"uri"`
		ETag      string    `json:"etag"`
		BucketKey string    `json:"bucket_key"`
		Uploader  string    `json:"uploader"`
		LastSeen  time.Time `json:"last_seen"`
	}

	// MatchMessage is emitted by the matcher once a submission is complete
	// and self-consistent (spec §3 "Match message", §4.1).
	MatchMessage struct {
		PayloadVersion int                `json:"payload_version"`
		UUID           string             `json:"uuid"`
		ArtifactKey    string             `json:"artifact_key"`
		Project        string             `json:"project"`
		SampleID       string             `json:"sample_id"`
		RunID          string             `json:"run_id"`
		Platform       string             `json:"platform"`
		Site           string             `json:"site"`
		Env            string             `json:"env"`
		Files          map[string]FileRef `json:"files"`
		Uploaders      []string           `json:"uploaders"`
		TestFlag       bool               `json:"test_flag"`
		MatchTimestamp time.Time          `json:"match_timestamp"`
	}

	// FieldErrors accumulates per-field validation messages, mirroring the
	// record API's {"field": ["message", ...]} response shape (spec §4.2
	// status-code table).
	FieldErrors map[string][]string

	// ValidationPayload is the match message extended with ingest, and later
	// validator, outcomes (spec §3 "Validation payload"). Earlier stages'
	// error maps are never cleared by later stages (spec §7).
	ValidationPayload struct {
		MatchMessage

		// Ingest stage.
		OnyxTestCreateStatus bool        `json:"onyx_test_create_status"`
		OnyxTestStatusCode   int         `json:"onyx_test_status_code"`
		OnyxTestCreateErrors FieldErrors `json:"onyx_test_create_errors"`
		Validate             bool        `json:"validate"`
		IngestErrors         FieldErrors `json:"ingest_errors"`

		// Project validator stage.
		ClimbID          string      `json:"climb_id,omitempty"`
		Created          bool        `json:"created"`
		Ingested         bool        `json:"ingested"`
		OnyxCreateStatus bool        `json:"onyx_create_status"`
		OnyxCreateErrors FieldErrors `json:"onyx_create_errors,omitempty"`
		PublishErrors    FieldErrors `json:"publish_errors,omitempty"`
	}

	// ResultMessage is the detailed per-stage outcome published to
	// inbound.results.<project>.<site> on both success and failure
	// (spec §4 "Result publisher", §6 "Validation result message").
	ResultMessage struct {
		Stage     string            `json:"stage"`
		Payload   ValidationPayload `json:"payload"`
		Succeeded bool              `json:"succeeded"`
		Alert     bool              `json:"alert"`
		Timestamp time.Time         `json:"timestamp"`
	}

	// NewArtifactNotification is the minimal success notification published
	// to inbound.new_artifact.<project> (spec §6).
	NewArtifactNotification struct {
		IngestTimestamp time.Time `json:"ingest_timestamp"`
		ClimbID         string    `json:"climb_id"`
		Site            string    `json:"site"`
		MatchUUID       string    `json:"match_uuid"`
	}
)

// Add appends a message to the field's error list, creating the slice on
// first use. Mirrors the accumulation pattern used throughout the original
// Python pipeline's "payload[field].append(...)" idiom.
func (fe FieldErrors) Add(field, message string) FieldErrors {
	if fe == nil {
		fe = FieldErrors{}
	}

	fe[field] = append(fe[field], message)

	return fe
}

// HasErrors reports whether any field carries at least one message.
func (fe FieldErrors) HasErrors() bool {
	return len(fe) > 0
}
