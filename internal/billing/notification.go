package billing

// Notification is a channel-agnostic delivery request. The Type together with
// a recipient forms the cooldown key; two notifications of the same type to
// the same recipient inside the cooldown window are suppressed.
type Notification struct {
	Channel    string                 `json:"channel"`
	Recipients []string               `json:"recipients"`
	TemplateID string                 `json:"templateId,omitempty"`
	Subject    string                 `json:"subject"`
	Body       string                 `json:"body"`
	Variables  map[string]interface{} `json:"variables,omitempty"`
	Type       string                 `json:"type"`
	Severity   Severity               `json:"severity,omitempty"`
}
