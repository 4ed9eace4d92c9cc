package model

import "time"

type Contact struct {
	ID           int64      `db:"id"            json:"id"`
	UserID       int64      `db:"user_id"       json:"user_id"`
	Email        string     `db:"email"         json:"email"`
	Phone        string     `db:"phone"         json:"phone,omitempty"`
	FirstName    string     `db:"first_name"    json:"first_name,omitempty"`
	LastName     string     `db:"last_name"     json:"last_name,omitempty"`
	Subscribed   bool       `db:"subscribed"    json:"subscribed"`
	CustomFields Attributes `db:"custom_fields" json:"custom_fields,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

type ContactGroup struct {
	ID          int64     `db:"id"           json:"id"`
	UserID      int64     `db:"user_id"      json:"user_id"`
	Name        string    `db:"name"         json:"name"`
	Description string    `db:"description"  json:"description,omitempty"`
	MemberCount int64     `db:"member_count" json:"member_count"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}
