package webhook

import (
	"encoding/json"
)

// Message types as delivered by the vendor.
const (
	TypeText        = "text"
	TypeInteractive = "interactive"
	TypeLocation    = "location"
	TypeImage       = "image"
	TypeDocument    = "document"
	TypeButton      = "button"
)

// Interactive reply subtypes.
const (
	InteractiveButtonReply = "button_reply"
	InteractiveListReply   = "list_reply"
	InteractiveNfmReply    = "nfm_reply"
)

// Event is one normalized webhook item: either an inbound message or a
// delivery status update. Exactly one of Message and Status is set.
type Event struct {
	Message *Message `json:"message,omitempty"`
	Status  *Status  `json:"status,omitempty"`
}

// Message is an inbound message in uniform shape. Type selects which variant
// pointer is populated; unrecognized types carry their raw sub-object in Raw.
type Message struct {
	From        string `json:"from"`
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	Type        string `json:"type"`
	ProfileName string `json:"profile_name,omitempty"`

	Text        *TextContent        `json:"text,omitempty"`
	Interactive *InteractiveContent `json:"interactive,omitempty"`
	Location    *LocationContent    `json:"location,omitempty"`
	Media       *MediaContent       `json:"media,omitempty"`
	Button      *ButtonContent      `json:"button,omitempty"`
	Raw         json.RawMessage     `json:"raw,omitempty"`
}

type TextContent struct {
	Body string `json:"body"`
}

// InteractiveContent carries one of the interactive reply variants. Unknown
// subtypes pass through in Raw.
type InteractiveContent struct {
	Type        string          `json:"type"`
	ButtonReply *ReplyContent   `json:"button_reply,omitempty"`
	ListReply   *ReplyContent   `json:"list_reply,omitempty"`
	NfmReply    *NfmReply       `json:"nfm_reply,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// ReplyContent covers button and list replies. Description is only set for
// list replies.
type ReplyContent struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// NfmReply is a WhatsApp Flow completion.
type NfmReply struct {
	Name         string          `json:"name"`
	Body         string          `json:"body"`
	ResponseJSON json.RawMessage `json:"response_json"`
}

type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// MediaContent covers image and document messages.
type MediaContent struct {
	MediaID  string `json:"media_id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// ButtonContent is a legacy quick-reply button press.
type ButtonContent struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

// Status is a delivery status update for a previously sent message. When the
// vendor reports multiple errors for one failed message, one Status event is
// emitted per error.
type Status struct {
	MessageID   string       `json:"message_id"`
	Status      string       `json:"status"` // sent | delivered | read | failed
	Timestamp   string       `json:"timestamp"`
	RecipientID string       `json:"recipient_id"`
	Error       *StatusError `json:"error,omitempty"`
}

type StatusError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// Vendor payload wire shapes. Only the fields the normalizer reads are
// declared; everything else is tolerated and ignored.
type vendorPayload struct {
	Object string        `json:"object"`
	Entry  []vendorEntry `json:"entry"`
}

type vendorEntry struct {
	Changes []vendorChange `json:"changes"`
}

type vendorChange struct {
	Value vendorValue `json:"value"`
}

type vendorValue struct {
	Contacts []vendorContact              `json:"contacts"`
	Messages []map[string]json.RawMessage `json:"messages"`
	Statuses []vendorStatus               `json:"statuses"`
}

type vendorContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type vendorStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors"`
}

// ExpectedObject is the top-level discriminator for payloads this service
// handles. Anything else is acknowledged and ignored.
const ExpectedObject = "whatsapp_business_account"

// Normalize parses a vendor webhook payload into a flat sequence of events.
// The vendor nests parallel messages[] and statuses[] arrays inside
// entry[].changes[].value; both are iterated independently.
//
// The parser is deliberately permissive: the vendor payload shape is not
// contractually stable, so missing or malformed nested fields default to
// zero values rather than failing the whole payload. Only top-level JSON
// that does not parse at all is an error.
func Normalize(payload []byte) ([]Event, error) {
	var p vendorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	var events []Event
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			profile := contactName(change.Value.Contacts)

			for _, raw := range change.Value.Messages {
				msg := normalizeMessage(raw)
				msg.ProfileName = profile
				events = append(events, Event{Message: msg})
			}

			for _, st := range change.Value.Statuses {
				events = append(events, normalizeStatus(st)...)
			}
		}
	}

	return events, nil
}

// IsExpectedObject reports whether the payload's top-level discriminator
// matches the account type this webhook serves.
func IsExpectedObject(payload []byte) bool {
	var p struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}
	return p.Object == ExpectedObject
}

func contactName(contacts []vendorContact) string {
	if len(contacts) == 0 {
		return ""
	}
	return contacts[0].Profile.Name
}

func normalizeMessage(raw map[string]json.RawMessage) *Message {
	msg := &Message{
		From:      unquote(raw["from"]),
		ID:        unquote(raw["id"]),
		Timestamp: unquote(raw["timestamp"]),
		Type:      unquote(raw["type"]),
	}

	switch msg.Type {
	case TypeText:
		var text TextContent
		decode(raw["text"], &text)
		msg.Text = &text

	case TypeInteractive:
		msg.Interactive = normalizeInteractive(raw["interactive"])

	case TypeLocation:
		var loc LocationContent
		decode(raw["location"], &loc)
		msg.Location = &loc

	case TypeImage:
		msg.Media = normalizeMedia(raw["image"])

	case TypeDocument:
		msg.Media = normalizeMedia(raw["document"])

	case TypeButton:
		var btn ButtonContent
		decode(raw["button"], &btn)
		msg.Button = &btn

	default:
		// Unrecognized top-level type: pass through the sub-object keyed
		// by the type name, if present.
		if sub, ok := raw[msg.Type]; ok {
			msg.Raw = sub
		}
	}

	return msg
}

func normalizeInteractive(raw json.RawMessage) *InteractiveContent {
	var probe struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"list_reply"`
		NfmReply *struct {
			Name         string          `json:"name"`
			Body         string          `json:"body"`
			ResponseJSON json.RawMessage `json:"response_json"`
		} `json:"nfm_reply"`
	}
	decode(raw, &probe)

	ic := &InteractiveContent{Type: probe.Type}

	switch probe.Type {
	case InteractiveButtonReply:
		if probe.ButtonReply != nil {
			ic.ButtonReply = &ReplyContent{ID: probe.ButtonReply.ID, Title: probe.ButtonReply.Title}
		} else {
			ic.ButtonReply = &ReplyContent{}
		}
	case InteractiveListReply:
		if probe.ListReply != nil {
			ic.ListReply = &ReplyContent{
				ID:          probe.ListReply.ID,
				Title:       probe.ListReply.Title,
				Description: probe.ListReply.Description,
			}
		} else {
			ic.ListReply = &ReplyContent{}
		}
	case InteractiveNfmReply:
		if probe.NfmReply != nil {
			ic.NfmReply = &NfmReply{
				Name:         probe.NfmReply.Name,
				Body:         probe.NfmReply.Body,
				ResponseJSON: probe.NfmReply.ResponseJSON,
			}
		} else {
			ic.NfmReply = &NfmReply{}
		}
	default:
		ic.Raw = raw
	}

	return ic
}

func normalizeMedia(raw json.RawMessage) *MediaContent {
	var probe struct {
		ID       string `json:"id"`
		MimeType string `json:"mime_type"`
		SHA256   string `json:"sha256"`
		Filename string `json:"filename"`
		Caption  string `json:"caption"`
	}
	decode(raw, &probe)

	return &MediaContent{
		MediaID:  probe.ID,
		MimeType: probe.MimeType,
		SHA256:   probe.SHA256,
		Filename: probe.Filename,
		Caption:  probe.Caption,
	}
}

func normalizeStatus(st vendorStatus) []Event {
	base := Status{
		MessageID:   st.ID,
		Status:      st.Status,
		Timestamp:   st.Timestamp,
		RecipientID: st.RecipientID,
	}

	if st.Status != "failed" || len(st.Errors) == 0 {
		s := base
		return []Event{{Status: &s}}
	}

	// One failure record per vendor error.
	events := make([]Event, 0, len(st.Errors))
	for _, e := range st.Errors {
		s := base
		s.Error = &StatusError{Code: e.Code, Title: e.Title, Message: e.Message}
		events = append(events, Event{Status: &s})
	}
	return events
}

// decode unmarshals into dst, silently tolerating missing or malformed
// input. Defaulting beats failing here: the webhook acknowledgment SLA takes
// priority over strict validation.
func decode(raw json.RawMessage, dst interface{}) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, dst)
}

func unquote(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
