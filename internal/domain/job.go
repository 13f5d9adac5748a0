package domain

import "encoding/json"

// JobDoc is the job document as received from the service queue and as
// persisted on disk. Fields the engine does not interpret (stage- and
// provider-specific configuration) are preserved verbatim in Extra so the
// document round-trips through persistence unchanged.
type JobDoc struct {
	ID                string `json:"id"`
	LastService       string `json:"last_service"`
	RequestingUser    string `json:"requesting_user"`
	Cloud             string `json:"cloud"`
	UTCTime           string `json:"utctime"`
	NotificationEmail string `json:"notification_email,omitempty"`
	NotificationType  string `json:"notification_type,omitempty"`
	JobFile           string `json:"job_file,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var jobDocKeys = map[string]bool{
	"id":                 true,
	"last_service":       true,
	"requesting_user":    true,
	"cloud":              true,
	"utctime":            true,
	"notification_email": true,
	"notification_type":  true,
	"job_file":           true,
}

// UnmarshalJSON parses the known fields and collects the rest into Extra.
func (d *JobDoc) UnmarshalJSON(data []byte) error {
	type alias JobDoc
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if jobDocKeys[k] {
			delete(all, k)
		}
	}
	if len(all) == 0 {
		all = nil
	}

	*d = JobDoc(known)
	d.Extra = all
	return nil
}

// MarshalJSON merges the known fields and Extra back into one object.
func (d JobDoc) MarshalJSON() ([]byte, error) {
	type alias JobDoc
	knownJSON, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(knownJSON, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}
