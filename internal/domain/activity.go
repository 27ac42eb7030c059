package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Source identifies the upstream communication channel an activity came from.
type Source string

const (
	SourceMail Source = "mail"
	SourceChat Source = "chat"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceMail, SourceChat:
		return true
	}
	return false
}

// ParticipantRole is the role a participant plays in an activity.
type ParticipantRole string

const (
	RoleSender    ParticipantRole = "sender"
	RoleRecipient ParticipantRole = "recipient"
	RoleCC        ParticipantRole = "cc"
	RoleBCC       ParticipantRole = "bcc"
	RoleMentioned ParticipantRole = "mentioned"
)

// Participant is one party of an activity, in provider-reported order.
type Participant struct {
	Identifier  string          `json:"identifier"`
	DisplayName string          `json:"display_name,omitempty"`
	Role        ParticipantRole `json:"role"`
}

// Attachment carries attachment metadata only, never binary content.
type Attachment struct {
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, err := scanBytes(value, "StringArray")
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, a)
}

// Participants is the ordered participant list stored as a JSON column.
type Participants []Participant

// Value implements the driver.Valuer interface for database serialization.
func (p Participants) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (p *Participants) Scan(value interface{}) error {
	if value == nil {
		*p = Participants{}
		return nil
	}
	bytes, err := scanBytes(value, "Participants")
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, p)
}

// WithRole returns the participants that have the given role.
func (p Participants) WithRole(role ParticipantRole) []Participant {
	var out []Participant
	for _, participant := range p {
		if participant.Role == role {
			out = append(out, participant)
		}
	}
	return out
}

// Attachments is the attachment metadata list stored as a JSON column.
type Attachments []Attachment

// Value implements the driver.Valuer interface for database serialization.
func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *Attachments) Scan(value interface{}) error {
	if value == nil {
		*a = Attachments{}
		return nil
	}
	bytes, err := scanBytes(value, "Attachments")
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, a)
}

func scanBytes(value interface{}, typeName string) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("failed to scan " + typeName)
	}
}

// ActivityMetadata holds the derived signals attached to an activity.
type ActivityMetadata struct {
	Urgency            float64     `gorm:"default:0" json:"urgency"`
	RequiresResponse   bool        `gorm:"default:false" json:"requires_response"`
	DueAt              *time.Time  `json:"due_at,omitempty"`
	Topics             StringArray `gorm:"type:text" json:"topics"`
	RawImportanceLabel string      `gorm:"type:text" json:"raw_importance_label,omitempty"`
}

// Activity is the canonical, deduplicated record of one inbound message.
// It is written once by the ingestion pipeline and never updated afterwards.
type Activity struct {
	ID              string           `gorm:"type:text;primaryKey" json:"id"`
	TenantID        string           `gorm:"type:text;not null;uniqueIndex:idx_activities_tenant_hash;index:idx_activities_tenant_occurred" json:"tenant_id"`
	Source          Source           `gorm:"type:text;not null;index:idx_activities_source_message" json:"source"`
	SourceMessageID string           `gorm:"type:text;not null;index:idx_activities_source_message" json:"source_message_id"`
	OccurredAt      time.Time        `gorm:"not null;index:idx_activities_tenant_occurred" json:"occurred_at"`
	ReceivedAt      time.Time        `gorm:"not null" json:"received_at"`
	Subject         string           `gorm:"type:text" json:"subject,omitempty"`
	Preview         string           `gorm:"type:text" json:"preview,omitempty"`
	Body            string           `gorm:"type:text" json:"body"`
	Participants    Participants     `gorm:"type:text" json:"participants"`
	Attachments     Attachments      `gorm:"type:text" json:"attachments"`
	Metadata        ActivityMetadata `gorm:"embedded;embeddedPrefix:meta_" json:"metadata"`
	StableHash      string           `gorm:"type:text;not null;uniqueIndex:idx_activities_tenant_hash" json:"stable_hash"`
	CreatedAt       time.Time        `json:"created_at"`
}

// TableName returns the database table name for Activity.
func (Activity) TableName() string {
	return "activities"
}

// Sender returns the first participant with the sender role, if any.
func (a *Activity) Sender() (Participant, bool) {
	for _, p := range a.Participants {
		if p.Role == RoleSender {
			return p, true
		}
	}
	return Participant{}, false
}
