package models

import (
	"fmt"
	"strings"
)

// FieldID names one slot of the form.
type FieldID string

const (
	FieldFullName   FieldID = "fullName"
	FieldAge        FieldID = "age"
	FieldGender     FieldID = "gender"
	FieldPhone      FieldID = "phone"
	FieldOccupation FieldID = "occupation"
	FieldAddress    FieldID = "address"
)

// FormRecord holds the captured values. The field set is fixed; values are
// reached by FieldID through Get and Set.
type FormRecord struct {
	FullName   string `json:"fullName"`
	Age        string `json:"age"`
	Gender     string `json:"gender"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	Occupation string `json:"occupation"`
}

// ErrUnknownField is returned when a FieldID is not part of the form.
type ErrUnknownField struct {
	ID FieldID
}

func (e ErrUnknownField) Error() string {
	return fmt.Sprintf("unknown form field %q", string(e.ID))
}

func (f *FormRecord) slot(id FieldID) *string {
	switch id {
	case FieldFullName:
		return &f.FullName
	case FieldAge:
		return &f.Age
	case FieldGender:
		return &f.Gender
	case FieldPhone:
		return &f.Phone
	case FieldAddress:
		return &f.Address
	case FieldOccupation:
		return &f.Occupation
	default:
		return nil
	}
}

// Get returns the value stored for id, or "" for unknown ids.
func (f FormRecord) Get(id FieldID) string {
	if p := f.slot(id); p != nil {
		return *p
	}
	return ""
}

// Set stores value at id.
func (f *FormRecord) Set(id FieldID, value string) error {
	p := f.slot(id)
	if p == nil {
		return ErrUnknownField{ID: id}
	}
	*p = value
	return nil
}

// IsEmpty reports whether no field carries a value.
func (f FormRecord) IsEmpty() bool {
	for _, def := range DefaultFields {
		if strings.TrimSpace(f.Get(def.ID)) != "" {
			return false
		}
	}
	return true
}

// Filled counts fields with a value.
func (f FormRecord) Filled() int {
	n := 0
	for _, def := range DefaultFields {
		if f.Get(def.ID) != "" {
			n++
		}
	}
	return n
}

// ExtractionResult is the structured answer for one field.
type ExtractionResult struct {
	Value     string `json:"value"`
	IsSkipped bool   `json:"isSkipped"`
}
