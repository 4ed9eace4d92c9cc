package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
)

const (
	MaxAttributes          = 32
	MaxAttributeValueBytes = 512
)

var attributeKeyRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Attributes is a flat string map for user-defined fields. Keys are lower
// snake case; values are plain strings.
type Attributes map[string]string

func (a Attributes) Validate() error {
	if len(a) > MaxAttributes {
		return fmt.Errorf("at most %d attributes allowed", MaxAttributes)
	}
	for k, v := range a {
		if !attributeKeyRe.MatchString(k) {
			return fmt.Errorf("attribute key %q must match %s", k, attributeKeyRe.String())
		}
		if len(v) > MaxAttributeValueBytes {
			return fmt.Errorf("attribute %q exceeds %d bytes", k, MaxAttributeValueBytes)
		}
	}
	return nil
}

func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

func (a *Attributes) Scan(src any) error {
	return scanJSON(src, a)
}

// MessageMetadata links a message to a campaign/template and carries tags.
type MessageMetadata struct {
	CampaignID string     `json:"campaign_id,omitempty"`
	TemplateID string     `json:"template_id,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`
}

func (m MessageMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *MessageMetadata) Scan(src any) error {
	return scanJSON(src, m)
}

func scanJSON(src any, dst any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
