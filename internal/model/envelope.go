package model

// JobEnvelope is the payload published by the content composer onto the intake topic
// and accepted by the HTTP enqueue endpoint.
type JobEnvelope struct {
	ID         string `json:"id,omitempty"`
	Recipient  string `json:"recipient"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	Class      string `json:"class,omitempty"`
	State      string `json:"state,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	ProfileID  string `json:"profile_id,omitempty"`
}
