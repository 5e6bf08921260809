// Package model holds the typed records threaded through the discovery pipeline.
package model

// Message is a single role-tagged conversational message.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// CandidateRecord is a search result after classification. Immutable once
// produced by the discovery stage.
type CandidateRecord struct {
	BusinessName     string `json:"business_name"`
	URL              string `json:"url"`
	Validated        bool   `json:"validated"`
	ValidationReason string `json:"validation_reason"`
}

// BusinessRecord holds the structured data extracted from one candidate
// website. Missing information stays empty or nil, never inferred.
type BusinessRecord struct {
	BusinessName     string   `json:"business_name"`
	PhoneNumbers     []string `json:"phone_numbers"`
	EmailAddresses   []string `json:"email_addresses"`
	PhysicalAddress  string   `json:"physical_address,omitempty"`
	ServicesOffered  []string `json:"services_offered"`
	YearsInBusiness  *int     `json:"years_in_business,omitempty"`
	WebsiteURL       string   `json:"website_url"`
	ConfidenceScore  float64  `json:"confidence_score"`
	ExtractionFailed bool     `json:"extraction_failed,omitempty"`
}

// HasContactInfo reports whether the record carries any phone or email.
func (r BusinessRecord) HasContactInfo() bool {
	return len(r.PhoneNumbers) > 0 || len(r.EmailAddresses) > 0
}

// PipelineState is the mutable state threaded through one pipeline run.
// Conversation is append-only; Candidates and Records are each written
// exactly once, by their producing stage. Never persisted across runs.
type PipelineState struct {
	Conversation     []Message         `json:"conversation"`
	ResolvedLocation string            `json:"resolved_location"`
	Candidates       []CandidateRecord `json:"candidates"`
	Records          []BusinessRecord  `json:"records"`
}

// NewPipelineState creates a fresh state seeded with the user's query.
func NewPipelineState(query string) *PipelineState {
	return &PipelineState{
		Conversation: []Message{{Role: "user", Content: query}},
	}
}

// Append adds one message to the conversation.
func (s *PipelineState) Append(role, content string) {
	s.Conversation = append(s.Conversation, Message{Role: role, Content: content})
}

// FinalMessage returns the last conversation message, or an empty Message
// if the conversation is empty.
func (s *PipelineState) FinalMessage() Message {
	if len(s.Conversation) == 0 {
		return Message{}
	}
	return s.Conversation[len(s.Conversation)-1]
}

// ValidatedCandidates returns the candidates confirmed as direct service
// providers, preserving discovery order.
func (s *PipelineState) ValidatedCandidates() []CandidateRecord {
	var out []CandidateRecord
	for _, c := range s.Candidates {
		if c.Validated {
			out = append(out, c)
		}
	}
	return out
}
