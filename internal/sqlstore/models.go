package sqlstore

import "time"

type messageRow struct {
	ID                string     `gorm:"primaryKey;type:varchar(36)"`
	UserID            string     `gorm:"type:varchar(64);index;not null"`
	FromAddress       string     `gorm:"type:varchar(320);not null"`
	ReplyTo           string     `gorm:"type:varchar(320)"`
	ToAddresses       []string   `gorm:"serializer:json;type:text;not null"`
	CcAddresses       []string   `gorm:"serializer:json;type:text"`
	BccAddresses      []string   `gorm:"serializer:json;type:text"`
	Subject           string     `gorm:"type:varchar(998)"`
	BodyHTML          string     `gorm:"type:text"`
	BodyText          string     `gorm:"type:text"`
	Attachments       string     `gorm:"type:text"`
	InReplyTo         string     `gorm:"type:varchar(998)"`
	References        string     `gorm:"column:reference_ids;type:text"`
	IsReply           bool       `gorm:"not null"`
	Status            string     `gorm:"type:varchar(16);index;not null"`
	Error             string     `gorm:"type:text"`
	ProviderMessageID string     `gorm:"type:varchar(255)"`
	CreatedAt         time.Time  `gorm:"index"`
	SentAt            *time.Time
}

func (messageRow) TableName() string { return "outbound_messages" }

type rateWindowRow struct {
	Identity    string    `gorm:"primaryKey;type:varchar(128)"`
	Counter     int       `gorm:"not null"`
	WindowStart time.Time `gorm:"not null"`
}

func (rateWindowRow) TableName() string { return "rate_windows" }

type profileRow struct {
	UserID           string `gorm:"primaryKey;type:varchar(64)"`
	Email            string `gorm:"type:varchar(320)"`
	Role             string `gorm:"type:varchar(16)"`
	FromAddress      string `gorm:"type:varchar(320)"`
	SignatureHTML    string `gorm:"type:text"`
	SignatureEnabled bool   `gorm:"not null"`
}

func (profileRow) TableName() string { return "profiles" }
