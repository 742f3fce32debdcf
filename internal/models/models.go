package models

import "time"

// ContentRef locates one relayed item inside the relay chat
type ContentRef struct {
	ChatID    int64 `json:"chat_id" bson:"chat_id"`
	MessageID int64 `json:"message_id" bson:"message_id"`
}

// Identity is an externally supplied uploader or redeemer
type Identity struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
}

// LinkRecord represents a minted link stored in the link store
type LinkRecord struct {
	Token     string       `json:"token" bson:"_id"`
	Refs      []ContentRef `json:"refs" bson:"refs"`
	CreatedAt time.Time    `json:"created_at" bson:"created_at"`
}

// DeliverySet holds every message sent to one redeemer during one redemption.
// It only exists to drive the later retraction of those messages.
type DeliverySet struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"`
	ChatID     int64     `json:"chat_id"`
	MessageIDs []int64   `json:"message_ids"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// CloneRefs returns a copy of refs that shares no backing array with it
func CloneRefs(refs []ContentRef) []ContentRef {
	if len(refs) == 0 {
		return []ContentRef{}
	}
	out := make([]ContentRef, len(refs))
	copy(out, refs)
	return out
}
