package mail

// This file provides the common data objects used by the rest of the
// program.

// Company holds the optional company details of a sender. Gmail
// supplies none of them; the fields stay empty until a richer mailbox
// source populates them.
type Company struct {
	Name    string
	Email   string
	Address string
}

// Contact is the sender profile exported to the CRM. Only Name and
// Email can be derived from a Gmail message.
type Contact struct {
	Name    string
	Email   string
	Post    string
	Phone   string
	Mobile  string
	Home    string
	Fax     string
	Skype   string
	Company Company
}

// Attachment is one file carried by a message. The bytes live here
// only until the attachment is persisted; the CRM payload references
// the file by name.
type Attachment struct {
	// Filename as sent. Sanitized when persisted, not before.
	Name string

	Data []byte

	// The declared MIME type of the attachment part.
	Mime string

	// Declared size in bytes.
	Size int64
}

// ParsedMail is the canonical form of one mailbox message, decoded
// from the nested part tree the mailbox delivers.
type ParsedMail struct {
	// The permanent and unique ID of the message in the mailbox.
	ID string

	To      string
	Subject string

	// The concatenated text/plain content of the part tree.
	Body string

	// The text/html content of the part tree, rendered down to plain
	// text.
	HTMLText string

	Attachments []Attachment

	Contact Contact
}

// ClassifierText is the text the lead classifier scores: subject and
// both body renditions, concatenated.
func (m *ParsedMail) ClassifierText() string {
	return m.Subject + m.Body + m.HTMLText
}
