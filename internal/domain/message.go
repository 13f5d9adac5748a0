package domain

import (
	"encoding/json"
	"fmt"
)

// JobKey is the envelope key a stage's service queue messages carry.
func JobKey(stage string) string { return stage + "_job" }

// JobDeleteKey is the envelope key of a job deletion request.
func JobDeleteKey(stage string) string { return stage + "_job_delete" }

// ResultKey is the envelope key of a stage's outbound status messages.
func ResultKey(stage string) string { return stage + "_result" }

// StatusMessage is the status a stage publishes downstream and what the next
// stage receives as its listener message. Fields carries the stage-declared
// result arguments (artifact identifiers and the like).
type StatusMessage struct {
	ID     string
	Status Status
	Fields map[string]any
}

// CredentialEnvelope wraps a signed credential request or response token.
type CredentialEnvelope struct {
	JWTToken string `json:"jwt_token"`
}

// ServiceMessage is a decoded service-queue message: either a new job
// document or a deletion request for a registered job.
type ServiceMessage struct {
	Job      *JobDoc
	DeleteID string
}

// DecodeServiceMessage unwraps a "<stage>_job" or "<stage>_job_delete"
// envelope.
func DecodeServiceMessage(stage string, body []byte) (ServiceMessage, error) {
	jobKey := JobKey(stage)
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ServiceMessage{}, &ValidationError{Field: jobKey, Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}

	if raw, ok := envelope[jobKey]; ok {
		var doc JobDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return ServiceMessage{}, &ValidationError{Field: jobKey, Reason: fmt.Sprintf("bad job document: %v", err)}
		}
		return ServiceMessage{Job: &doc}, nil
	}

	if raw, ok := envelope[JobDeleteKey(stage)]; ok {
		var del struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &del); err != nil || del.ID == "" {
			return ServiceMessage{}, &ValidationError{Field: JobDeleteKey(stage), Reason: "needs an id"}
		}
		return ServiceMessage{DeleteID: del.ID}, nil
	}

	return ServiceMessage{}, &ValidationError{Field: jobKey, Reason: "envelope key is missing"}
}

// DecodeResultMessage unwraps a "<prevStage>_result" envelope. The id and
// status fields are required; everything else lands in Fields.
func DecodeResultMessage(prevStage string, body []byte) (StatusMessage, error) {
	key := ResultKey(prevStage)
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return StatusMessage{}, &ValidationError{Field: key, Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}
	raw, ok := envelope[key]
	if !ok {
		return StatusMessage{}, &ValidationError{Field: key, Reason: "envelope key is missing"}
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return StatusMessage{}, &ValidationError{Field: key, Reason: fmt.Sprintf("bad result document: %v", err)}
	}

	id, _ := fields["id"].(string)
	if id == "" {
		return StatusMessage{}, &ValidationError{Field: "id", Reason: "is required"}
	}
	status, _ := fields["status"].(string)
	if status == "" {
		return StatusMessage{}, &ValidationError{Field: "status", Reason: "is required"}
	}
	delete(fields, "id")
	delete(fields, "status")

	return StatusMessage{ID: id, Status: Status(status), Fields: fields}, nil
}

// EncodeResultMessage wraps a status message in the stage's result envelope.
func EncodeResultMessage(stage string, msg StatusMessage) ([]byte, error) {
	inner := make(map[string]any, len(msg.Fields)+2)
	for k, v := range msg.Fields {
		inner[k] = v
	}
	inner["id"] = msg.ID
	inner["status"] = string(msg.Status)
	return json.Marshal(map[string]any{ResultKey(stage): inner})
}
