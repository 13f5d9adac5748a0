package rabbit

import "testing"

func TestNaming(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"request key", RequestKey("upload"), "request.upload"},
		{"response key", ResponseKey("upload"), "response.upload"},
		{"service queue", ServiceQueue("upload"), "upload.service"},
		{"listener queue", ListenerQueue("upload"), "upload.listener"},
		{"credentials queue", CredentialsQueue("upload"), "upload.credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
