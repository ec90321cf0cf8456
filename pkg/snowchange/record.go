package snowchange

import "encoding/json"

// Workflow states of a standard change, in lifecycle order. The values are
// the display names the change API reports; the numeric internal codes are
// never exposed to callers.
type State string

const (
	StateScheduled State = "Scheduled"
	StateImplement State = "Implement"
	StateReview    State = "Review"
	StateClosed    State = "Closed"
)

type CloseCode string

const (
	CloseSuccessful   CloseCode = "successful"
	CloseUnsuccessful CloseCode = "unsuccessful"
)

// ChangeRecord is the client side view of a remote change record. SysID,
// Number and TemplateRef never change after creation; State and CloseCode
// only move through Update and Close.
type ChangeRecord struct {
	SysID            string
	Number           string
	State            State
	CloseCode        CloseCode
	CloseNotes       string
	ShortDescription string
	TemplateRef      string

	// Raw is the untouched result envelope, kept for -json output.
	Raw []byte
}

// The change API wraps every field in a value/display_value pair.
type apiField struct {
	Value        string `json:"value"`
	DisplayValue string `json:"display_value"`
}

// UnmarshalJSON tolerates bare string fields, which some instances return
// when display values are disabled.
func (f *apiField) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		f.Value = s
		f.DisplayValue = s
		return nil
	}

	type plain apiField
	return json.Unmarshal(b, (*plain)(f))
}

func (f apiField) display() string {
	if f.DisplayValue != "" {
		return f.DisplayValue
	}
	return f.Value
}

type resultEnvelope struct {
	Result *recordPayload `json:"result"`
}

type recordPayload struct {
	SysID            apiField `json:"sys_id"`
	Number           apiField `json:"number"`
	State            apiField `json:"state"`
	CloseCode        apiField `json:"close_code"`
	CloseNotes       apiField `json:"close_notes"`
	ShortDescription apiField `json:"short_description"`
	Template         apiField `json:"std_change_producer_version"`
}

func (p *recordPayload) toRecord(raw []byte) *ChangeRecord {
	return &ChangeRecord{
		SysID:            p.SysID.Value,
		Number:           p.Number.Value,
		State:            State(p.State.display()),
		CloseCode:        CloseCode(p.CloseCode.Value),
		CloseNotes:       p.CloseNotes.Value,
		ShortDescription: p.ShortDescription.Value,
		TemplateRef:      p.Template.Value,
		Raw:              raw,
	}
}
