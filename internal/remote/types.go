package remote

import (
	"fmt"
	"time"
)

// Record is a single record returned by the workspace API. Properties are
// kept in the wire shape; callers use the typed accessors below rather than
// digging through the tagged union by hand.
type Record struct {
	ID             string              `json:"id"`
	CreatedTime    time.Time           `json:"created_time"`
	LastEditedTime time.Time           `json:"last_edited_time"`
	InTrash        bool                `json:"in_trash"`
	Properties     map[string]Property `json:"properties"`
}

// Property is the tagged union the API uses for record fields. Only the
// member named by Type is populated.
type Property struct {
	Type     string       `json:"type"`
	Title    []RichText   `json:"title,omitempty"`
	RichText []RichText   `json:"rich_text,omitempty"`
	Select   *SelectValue `json:"select,omitempty"`
	Status   *SelectValue `json:"status,omitempty"`
	Date     *DateValue   `json:"date,omitempty"`
	Checkbox *bool        `json:"checkbox,omitempty"`
	Number   *float64     `json:"number,omitempty"`
	Relation []Relation   `json:"relation,omitempty"`
	UniqueID *UniqueID    `json:"unique_id,omitempty"`
}

// RichText is one fragment of a text property.
type RichText struct {
	PlainText string `json:"plain_text"`
}

// SelectValue is the chosen option of a select or status property.
type SelectValue struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DateValue is a date property value. End is set for ranges only.
type DateValue struct {
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

// Relation is one edge of a relation property.
type Relation struct {
	ID string `json:"id"`
}

// UniqueID is the rename-resistant identifier the service assigns once per
// record. The string form ("TASK-42") is the deduplication key.
type UniqueID struct {
	Prefix string `json:"prefix"`
	Number int64  `json:"number"`
}

// Text returns the concatenated plain text of a title or rich_text property,
// or "" if the property is absent.
func (r *Record) Text(name string) string {
	p, ok := r.Properties[name]
	if !ok {
		return ""
	}
	frags := p.Title
	if p.Type == "rich_text" {
		frags = p.RichText
	}
	var out string
	for _, f := range frags {
		out += f.PlainText
	}
	return out
}

// StatusName returns the name of a status or select property, or "".
func (r *Record) StatusName(name string) string {
	p, ok := r.Properties[name]
	if !ok {
		return ""
	}
	if p.Status != nil {
		return p.Status.Name
	}
	if p.Select != nil {
		return p.Select.Name
	}
	return ""
}

// DateAt parses the start of a date property. Returns nil when the property
// is absent, empty, or unparseable. Dates come either as bare days
// (2006-01-02) or full RFC 3339 timestamps.
func (r *Record) DateAt(name string) *time.Time {
	p, ok := r.Properties[name]
	if !ok || p.Date == nil || p.Date.Start == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, p.Date.Start); err == nil {
		return &t
	}
	if t, err := time.Parse("2006-01-02", p.Date.Start); err == nil {
		return &t
	}
	return nil
}

// DateEndAt parses the end of a date range property, or nil.
func (r *Record) DateEndAt(name string) *time.Time {
	p, ok := r.Properties[name]
	if !ok || p.Date == nil || p.Date.End == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, p.Date.End); err == nil {
		return &t
	}
	if t, err := time.Parse("2006-01-02", p.Date.End); err == nil {
		return &t
	}
	return nil
}

// Bool returns a checkbox property value, defaulting to false.
func (r *Record) Bool(name string) bool {
	p, ok := r.Properties[name]
	if !ok || p.Checkbox == nil {
		return false
	}
	return *p.Checkbox
}

// Number returns a number property value, defaulting to 0.
func (r *Record) Number(name string) float64 {
	p, ok := r.Properties[name]
	if !ok || p.Number == nil {
		return 0
	}
	return *p.Number
}

// RelationIDs returns the remote ids of a relation property.
func (r *Record) RelationIDs(name string) []string {
	p, ok := r.Properties[name]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(p.Relation))
	for _, rel := range p.Relation {
		ids = append(ids, rel.ID)
	}
	return ids
}

// UniqueKey returns the string form of the record's unique id property
// ("TASK-42"), or "" when absent. Records keep this key across renames, so
// it is what imports deduplicate on.
func (r *Record) UniqueKey(name string) string {
	p, ok := r.Properties[name]
	if !ok || p.UniqueID == nil {
		return ""
	}
	if p.UniqueID.Prefix == "" {
		return fmt.Sprintf("%d", p.UniqueID.Number)
	}
	return fmt.Sprintf("%s-%d", p.UniqueID.Prefix, p.UniqueID.Number)
}

// PageQuery describes one paginated query request.
type PageQuery struct {
	PageSize    int            `json:"page_size,omitempty"`
	StartCursor string         `json:"start_cursor,omitempty"`
	Filter      map[string]any `json:"filter,omitempty"`
	Sorts       []Sort         `json:"sorts,omitempty"`
}

// Sort orders query results by a timestamp or property.
type Sort struct {
	Timestamp string `json:"timestamp,omitempty"`
	Property  string `json:"property,omitempty"`
	Direction string `json:"direction"`
}

// Page is one page of query results.
type Page struct {
	Results    []Record `json:"results"`
	HasMore    bool     `json:"has_more"`
	NextCursor string   `json:"next_cursor"`
}
