package domain

import (
	"encoding/json"
	"testing"
)

func TestDecodeServiceMessage_Job(t *testing.T) {
	body := []byte(`{"upload_job": {"id": "42", "last_service": "publish", "requesting_user": "u1", "cloud": "ec2", "utctime": "now"}}`)
	msg, err := DecodeServiceMessage("upload", body)
	if err != nil {
		t.Fatalf("DecodeServiceMessage failed: %v", err)
	}
	if msg.Job == nil || msg.Job.ID != "42" || msg.Job.Cloud != "ec2" {
		t.Errorf("msg = %+v", msg)
	}

	if _, err := DecodeServiceMessage("test", body); err == nil {
		t.Error("wrong envelope key accepted")
	}
	if _, err := DecodeServiceMessage("upload", []byte("not json")); err == nil {
		t.Error("non-JSON body accepted")
	}
}

func TestDecodeServiceMessage_Delete(t *testing.T) {
	msg, err := DecodeServiceMessage("upload", []byte(`{"upload_job_delete": {"id": "42"}}`))
	if err != nil {
		t.Fatalf("DecodeServiceMessage failed: %v", err)
	}
	if msg.Job != nil || msg.DeleteID != "42" {
		t.Errorf("msg = %+v", msg)
	}

	if _, err := DecodeServiceMessage("upload", []byte(`{"upload_job_delete": {}}`)); err == nil {
		t.Error("deletion without id accepted")
	}
}

func TestDecodeResultMessage(t *testing.T) {
	body := []byte(`{"upload_result": {"id": "42", "status": "success", "cloud_image_name": "ami-x", "source_regions": ["us-east-1"]}}`)
	msg, err := DecodeResultMessage("upload", body)
	if err != nil {
		t.Fatalf("DecodeResultMessage failed: %v", err)
	}
	if msg.ID != "42" || msg.Status != StatusSuccess {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Fields["cloud_image_name"] != "ami-x" {
		t.Errorf("cloud_image_name = %v", msg.Fields["cloud_image_name"])
	}
	if _, ok := msg.Fields["id"]; ok {
		t.Error("id left in Fields")
	}

	tests := []struct {
		name string
		body string
	}{
		{"missing id", `{"upload_result": {"status": "success"}}`},
		{"missing status", `{"upload_result": {"id": "42"}}`},
		{"wrong envelope", `{"test_result": {"id": "42", "status": "success"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeResultMessage("upload", []byte(tt.body)); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestEncodeResultMessage(t *testing.T) {
	out, err := EncodeResultMessage("test", StatusMessage{
		ID:     "42",
		Status: StatusSuccess,
		Fields: map[string]any{"cloud_image_name": "ami-x"},
	})
	if err != nil {
		t.Fatalf("EncodeResultMessage failed: %v", err)
	}

	// The encoded form must decode as the next stage's listener message.
	msg, err := DecodeResultMessage("test", out)
	if err != nil {
		t.Fatalf("round trip decode failed: %v", err)
	}
	if msg.ID != "42" || msg.Status != StatusSuccess || msg.Fields["cloud_image_name"] != "ami-x" {
		t.Errorf("round trip msg = %+v", msg)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(out, &envelope); err != nil {
		t.Fatal(err)
	}
	if _, ok := envelope["test_result"]; !ok {
		t.Errorf("envelope key missing: %s", out)
	}
}
