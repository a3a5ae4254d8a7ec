package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// UIDTagPrefix marks the tag that carries a card's stable identity in the
// local collection.
const UIDTagPrefix = "sync_uid:"

// Card is one note as exchanged on the wire and stored in a deck document.
type Card struct {
	NoteID       int64  `json:"note_id"`
	StableUID    string `json:"stable_uid"`
	DeckName     string `json:"deck_name"`
	ModelName    string `json:"model_name"`
	Fields       Fields `json:"fields"`
	Tags         Tags   `json:"tags"`
	CreatedAt    int64  `json:"created_at"`
	LastModified int64  `json:"last_modified"`
	Interval     int    `json:"interval"`
}

// HasIdentity reports whether the card already carries a stable identity.
func (c Card) HasIdentity() bool {
	return c.StableUID != ""
}

// Clone returns a deep copy of the card.
func (c Card) Clone() Card {
	out := c
	if c.Fields != nil {
		out.Fields = append(Fields(nil), c.Fields...)
	}
	if c.Tags != nil {
		out.Tags = append(Tags(nil), c.Tags...)
	}
	return out
}

// FirstFieldKey returns the match key of the card's first field, or "" when
// the card has no fields.
func (c Card) FirstFieldKey() string {
	f, ok := c.Fields.First()
	if !ok {
		return ""
	}
	return MatchKey(f.Value)
}

// Field is one named note field.
type Field struct {
	Name  string
	Value string
}

// Fields is an ordered field map.
type Fields []Field

// First returns the first field.
func (f Fields) First() (Field, bool) {
	if len(f) == 0 {
		return Field{}, false
	}
	return f[0], true
}

// Get returns the value of the named field.
func (f Fields) Get(name string) (string, bool) {
	for _, fld := range f {
		if fld.Name == name {
			return fld.Value, true
		}
	}
	return "", false
}

// Set replaces the named field in place, or appends it.
func (f *Fields) Set(name, value string) {
	for i := range *f {
		if (*f)[i].Name == name {
			(*f)[i].Value = value
			return
		}
	}
	*f = append(*f, Field{Name: name, Value: value})
}

// MarshalJSON encodes the fields as a JSON object in insertion order.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, fld := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(fld.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(fld.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping key order.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("fields: %w", err)
	}
	if tok == nil {
		*f = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("fields: expected object, got %v", tok)
	}

	out := Fields{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("fields: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("fields: expected key, got %v", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("fields[%q]: %w", key, err)
		}
		out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("fields: %w", err)
	}
	*f = out
	return nil
}

// Tags is a card's tag set. On the wire it is one space-separated string.
type Tags []string

// UID returns the identity carried by a sync_uid tag, if any.
func (t Tags) UID() string {
	for _, tag := range t {
		if strings.HasPrefix(tag, UIDTagPrefix) {
			return strings.TrimPrefix(tag, UIDTagPrefix)
		}
	}
	return ""
}

// WithUID returns a copy of the tags with exactly one sync_uid tag for uid.
func (t Tags) WithUID(uid string) Tags {
	out := make(Tags, 0, len(t)+1)
	for _, tag := range t {
		if !strings.HasPrefix(tag, UIDTagPrefix) {
			out = append(out, tag)
		}
	}
	return append(out, UIDTagPrefix+uid)
}

// String joins the tags with single spaces.
func (t Tags) String() string {
	return strings.Join(t, " ")
}

// MarshalJSON encodes the tags as one space-joined string.
func (t Tags) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts either a space-separated string or an array.
func (t *Tags) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		*t = nil
	case len(trimmed) > 0 && trimmed[0] == '[':
		var list []string
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return fmt.Errorf("tags: %w", err)
		}
		*t = Tags(list)
	default:
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("tags: %w", err)
		}
		*t = Tags(strings.Fields(s))
	}
	return nil
}
