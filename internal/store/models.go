package store

// Email is one message pulled from the monitored mailbox. The ID is the
// mailbox-assigned identifier; Date keeps the raw header value.
type Email struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	From      string `json:"from"`
	To        string `json:"to"`
	Date      string `json:"date"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
	SavedAt   string `json:"saved_at,omitempty"`
	Unread    bool   `json:"unread"`
}

// Activity is a scheduled activity record.
type Activity struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	CreatedAt     string `json:"created_at"`
	ScheduledDate string `json:"scheduled_date"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// ActivityPatch is a partial activity update. Nil fields are left untouched.
type ActivityPatch struct {
	Title         *string `json:"title,omitempty"`
	Description   *string `json:"description,omitempty"`
	ScheduledDate *string `json:"scheduled_date,omitempty"`
}

// Document shapes persisted by the store. Each one is written back in full
// on every mutation.
type mailboxDoc struct {
	ProcessedUIDs []string `json:"processed_uids"`
	Emails        []Email  `json:"emails"`
}

type scheduleDoc struct {
	Activities []Activity `json:"activities"`
}
