package amocrm

// This file provides the wire records of the amoCRM v2 API.

type CustomValue struct {
	Value string `json:"value"`
	Enum  string `json:"enum,omitempty"`
}

type CustomField struct {
	ID     int           `json:"id"`
	Values []CustomValue `json:"values"`
}

// Contact is a contact create request.
type Contact struct {
	Name              string        `json:"name"`
	ResponsibleUserID int           `json:"responsible_user_id"`
	CreatedBy         int           `json:"created_by"`
	CustomFields      []CustomField `json:"custom_fields"`
}

// Lead is a lead create request.
type Lead struct {
	Name              string        `json:"name"`
	ContactsID        int           `json:"contacts_id"`
	CustomFields      []CustomField `json:"custom_fields"`
	ResponsibleUserID int           `json:"responsible_user_id"`
}

// Note is a note create request. ElementID names the lead the note
// hangs off; it is filled in only after the lead batch has been
// created.
type Note struct {
	ElementID         int    `json:"element_id,omitempty"`
	ElementType       int    `json:"element_type"`
	NoteType          int    `json:"note_type"`
	Text              string `json:"text"`
	ResponsibleUserID int    `json:"responsible_user_id"`
	CreatedBy         int    `json:"created_by"`
	CreatedAt         int64  `json:"created_at,omitempty"`
}

// Entity is the slice of a created or queried record this program
// cares about.
type Entity struct {
	ID int `json:"id"`
}

// batch wraps records for a batch-create call.
type batch struct {
	Add interface{} `json:"add"`
}

type itemsResponse struct {
	Embedded struct {
		Items []Entity `json:"items"`
	} `json:"_embedded"`
}

type accountUser struct {
	ID    int    `json:"id"`
	Login string `json:"login"`
}

type accountResponse struct {
	Embedded struct {
		Users map[string]accountUser `json:"users"`
	} `json:"_embedded"`
}
