package record

import "fmt"

// Entity is implemented by every synchronized kind. It exposes the
// sync-relevant metadata the generic store and engines need without
// them knowing kind-specific fields.
type Entity interface {
	// Kind returns the entity's kind.
	Kind() Kind

	// Key returns the canonical logical primary key within (user, kind).
	// Composite keys join their fields with '/'.
	Key() string

	// Scope returns the grouping identifiers used by pull scope filters:
	// the book hash and the companion metadata hash. Kinds without a
	// book association return empty strings.
	Scope() (bookHash, metaHash string)

	// RefID returns the secondary per-row identity used for dedup
	// (note_id for notes), or "" for kinds without one.
	RefID() string

	// Envelope returns the embedded sync envelope.
	Envelope() *Syncable

	// Validate checks that the primary key fields are present.
	Validate() error
}

// Book is a library catalog entry. One row per book per user, identified
// by the book file hash. MetaHash is a companion identifier derived from
// the book's metadata; older clients file changes under it, which is why
// pull scope filters match either hash.
type Book struct {
	Syncable

	BookHash string `json:"book_hash"`
	MetaHash string `json:"meta_hash,omitempty"`

	Title       string  `json:"title,omitempty"`
	Authors     string  `json:"authors,omitempty"`
	Language    string  `json:"language,omitempty"`
	TotalPages  int     `json:"total_pages,omitempty"`
	CurrentPage int     `json:"current_page,omitempty"`
	Progress    float64 `json:"progress,omitempty"`
	Rating      int     `json:"rating,omitempty"`
}

func (b *Book) Kind() Kind                  { return KindBooks }
func (b *Book) Key() string                 { return b.BookHash }
func (b *Book) Scope() (string, string)     { return b.BookHash, b.MetaHash }
func (b *Book) RefID() string               { return "" }
func (b *Book) Envelope() *Syncable         { return &b.Syncable }

func (b *Book) Validate() error {
	if b.BookHash == "" {
		return fmt.Errorf("book_hash is required")
	}
	return nil
}

// BookConfig holds per-book reading configuration (view settings).
// Keyed like Book: one row per book per user.
type BookConfig struct {
	Syncable

	BookHash string `json:"book_hash"`
	MetaHash string `json:"meta_hash,omitempty"`

	FontFamily  string  `json:"font_family,omitempty"`
	FontSize    int     `json:"font_size,omitempty"`
	LineSpacing float64 `json:"line_spacing,omitempty"`
	Theme       string  `json:"theme,omitempty"`
	ViewMode    string  `json:"view_mode,omitempty"`
}

func (c *BookConfig) Kind() Kind              { return KindConfigs }
func (c *BookConfig) Key() string             { return c.BookHash }
func (c *BookConfig) Scope() (string, string) { return c.BookHash, c.MetaHash }
func (c *BookConfig) RefID() string           { return "" }
func (c *BookConfig) Envelope() *Syncable     { return &c.Syncable }

func (c *BookConfig) Validate() error {
	if c.BookHash == "" {
		return fmt.Errorf("book_hash is required")
	}
	return nil
}

// BookNote is an annotation. Many notes per book; note_id is the
// per-row identity and the dedup key for pull results.
type BookNote struct {
	Syncable

	NoteID   string `json:"note_id"`
	BookHash string `json:"book_hash"`
	MetaHash string `json:"meta_hash,omitempty"`

	Chapter  string `json:"chapter,omitempty"`
	Location string `json:"location,omitempty"`
	Text     string `json:"text,omitempty"`
	Note     string `json:"note,omitempty"`
	Color    string `json:"color,omitempty"`
}

func (n *BookNote) Kind() Kind              { return KindNotes }
func (n *BookNote) Key() string             { return n.BookHash + "/" + n.NoteID }
func (n *BookNote) Scope() (string, string) { return n.BookHash, n.MetaHash }
func (n *BookNote) RefID() string           { return n.NoteID }
func (n *BookNote) Envelope() *Syncable     { return &n.Syncable }

func (n *BookNote) Validate() error {
	if n.BookHash == "" {
		return fmt.Errorf("book_hash is required")
	}
	if n.NoteID == "" {
		return fmt.Errorf("note_id is required")
	}
	return nil
}

// ReadingSession records one sitting with a book: start, end, pages.
type ReadingSession struct {
	Syncable

	SessionID string `json:"session_id"`
	BookHash  string `json:"book_hash,omitempty"`

	StartedAt int64 `json:"started_at,omitempty"`
	EndedAt   int64 `json:"ended_at,omitempty"`
	Duration  int64 `json:"duration,omitempty"`
	PagesRead int   `json:"pages_read,omitempty"`
}

func (s *ReadingSession) Kind() Kind              { return KindSessions }
func (s *ReadingSession) Key() string             { return s.SessionID }
func (s *ReadingSession) Scope() (string, string) { return s.BookHash, "" }
func (s *ReadingSession) RefID() string           { return "" }
func (s *ReadingSession) Envelope() *Syncable     { return &s.Syncable }

func (s *ReadingSession) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

// ReadingGoal is a target amount of reading over a recurring period.
type ReadingGoal struct {
	Syncable

	GoalID string `json:"goal_id"`

	Period string `json:"period,omitempty"` // daily, weekly, monthly, yearly
	Target int64  `json:"target,omitempty"`
	Unit   string `json:"unit,omitempty"` // minutes, pages, books
}

func (g *ReadingGoal) Kind() Kind              { return KindGoals }
func (g *ReadingGoal) Key() string             { return g.GoalID }
func (g *ReadingGoal) Scope() (string, string) { return "", "" }
func (g *ReadingGoal) RefID() string           { return "" }
func (g *ReadingGoal) Envelope() *Syncable     { return &g.Syncable }

func (g *ReadingGoal) Validate() error {
	if g.GoalID == "" {
		return fmt.Errorf("goal_id is required")
	}
	return nil
}

// newEntity returns a zero value of the kind's entity type.
func newEntity(k Kind) (Entity, error) {
	switch k {
	case KindBooks:
		return &Book{}, nil
	case KindConfigs:
		return &BookConfig{}, nil
	case KindNotes:
		return &BookNote{}, nil
	case KindSessions:
		return &ReadingSession{}, nil
	case KindGoals:
		return &ReadingGoal{}, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", k)
	}
}
