package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChangeType classifies a recorded visual edit.
type ChangeType string

const (
	ChangeTypeStyle    ChangeType = "style"
	ChangeTypeText     ChangeType = "text"
	ChangeTypeCombined ChangeType = "combined"
	ChangeTypeUndo     ChangeType = "undo"
)

// ChangeTypeFor derives the change type from which passes an edit requested.
func ChangeTypeFor(hasStyle, hasText bool) ChangeType {
	switch {
	case hasStyle && hasText:
		return ChangeTypeCombined
	case hasText:
		return ChangeTypeText
	default:
		return ChangeTypeStyle
	}
}

// StyleChanges maps CSS property names to values.
type StyleChanges map[string]string

// Value implements driver.Valuer. A nil map is stored as SQL NULL.
func (s StyleChanges) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(map[string]string(s))
}

// Scan implements sql.Scanner.
func (s *StyleChanges) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StyleChanges", value)
	}
	out := map[string]string{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*s = out
	return nil
}

// ComponentEdit is a requested change to one element in one file.
// The element is located by ShipperID ("path:line:column") or, failing that, Selector.
type ComponentEdit struct {
	FilePath     string       `json:"file_path" validate:"required"`
	ShipperID    string       `json:"shipper_id,omitempty" validate:"required_without=Selector"`
	Selector     string       `json:"selector,omitempty" validate:"required_without=ShipperID"`
	StyleChanges StyleChanges `json:"style_changes,omitempty" validate:"required_without=TextChanges,dive,keys,required,endkeys"`
	TextChanges  *string      `json:"text_changes,omitempty"`
}

// Locator is the key under which edits to the same element are grouped.
func (e ComponentEdit) Locator() string {
	if e.ShipperID != "" {
		return e.ShipperID
	}
	return e.Selector
}

// ComponentEditMetadata is the persisted record of an applied edit or undo.
// BeforeSnapshot and AfterSnapshot hold the lines starting at WindowStart
// (1-based); WindowStart 0 means they hold the whole file.
type ComponentEditMetadata struct {
	ID             uuid.UUID    `json:"id"`
	Seq            int64        `json:"seq"`
	FragmentID     uuid.UUID    `json:"fragment_id"`
	ProjectID      uuid.UUID    `json:"project_id"`
	FilePath       string       `json:"file_path"`
	ShipperID      *string      `json:"shipper_id,omitempty"`
	Selector       string       `json:"selector"`
	ChangeType     ChangeType   `json:"change_type"`
	BeforeSnapshot string       `json:"before_snapshot"`
	AfterSnapshot  string       `json:"after_snapshot"`
	WindowStart    int          `json:"window_start"`
	LineNumber     *int         `json:"line_number,omitempty"`
	StyleChanges   StyleChanges `json:"style_changes,omitempty"`
	TextChanges    *string      `json:"text_changes,omitempty"`
	UndoOf         *uuid.UUID   `json:"undo_of,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Locator mirrors the generated locator column: shipper id when present, else selector.
func (m *ComponentEditMetadata) Locator() string {
	if m.ShipperID != nil && *m.ShipperID != "" {
		return *m.ShipperID
	}
	return m.Selector
}
