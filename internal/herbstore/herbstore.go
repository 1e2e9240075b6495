// Package herbstore persists herb records in a single table.
//
// The table is only ever mutated by a full snapshot replace: ReplaceAll
// deletes every row and inserts the new set inside one transaction, so
// readers see either the old or the new content and never a mix.
package herbstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrConflict is returned by ReplaceAllAt when the store changed since
	// the caller read it.
	ErrConflict = errors.New("herb store revision conflict")

	// ErrUnknownDriver is returned by Open for unsupported drivers.
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Record is one herb entry. Price is in currency per gram.
type Record struct {
	ID     int64   `json:"id" validate:"gte=0"`
	Name   string  `json:"name" validate:"required"`
	Price  float64 `json:"price" validate:"gte=0"`
	Effect string  `json:"effect"`
	Usage  string  `json:"usage"`
}

// Filter holds the optional query predicates. Nil fields are not applied.
type Filter struct {
	ID       *int64
	Name     *string
	MinPrice *float64
	MaxPrice *float64
}

// Empty reports whether no predicate is set.
func (f Filter) Empty() bool {
	return f.ID == nil && f.Name == nil && f.MinPrice == nil && f.MaxPrice == nil
}

// Match applies the filter to a single record using the same semantics as
// the SQL backends.
func (f Filter) Match(r Record) bool {
	if f.ID != nil && r.ID != *f.ID {
		return false
	}
	if f.Name != nil && !strings.Contains(r.Name, *f.Name) {
		return false
	}
	if f.MinPrice != nil && r.Price < *f.MinPrice {
		return false
	}
	if f.MaxPrice != nil && r.Price > *f.MaxPrice {
		return false
	}
	return true
}

// ByName returns a filter selecting records whose name contains name.
func ByName(name string) Filter {
	return Filter{Name: &name}
}

// PriceBetween returns a filter selecting min <= price <= max.
func PriceBetween(min, max float64) Filter {
	return Filter{MinPrice: &min, MaxPrice: &max}
}

// Store is the record persistence boundary.
type Store interface {
	// Query returns the records matching every predicate in f, ordered by id.
	Query(ctx context.Context, f Filter) ([]Record, error)

	// All is Query with an empty filter.
	All(ctx context.Context) ([]Record, error)

	// ReplaceAll validates records and atomically swaps them in as the new
	// content. On any error the previous content is left untouched.
	ReplaceAll(ctx context.Context, records []Record) error

	// ReplaceAllAt is ReplaceAll guarded by an optimistic revision check.
	ReplaceAllAt(ctx context.Context, revision int64, records []Record) error

	// Revision returns the number of successful replaces so far.
	Revision(ctx context.Context) (int64, error)

	Close() error
}

// FieldError describes one invalid field of one record.
type FieldError struct {
	Row   int    // 1-based position in the input
	Field string // column name
	Msg   string
}

func (e FieldError) String() string {
	if e.Row > 0 {
		return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// ValidationError reports malformed input rejected before any mutation.
type ValidationError struct {
	Problems []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "invalid herb records"
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.String())
	}
	return "invalid herb records: " + strings.Join(parts, "; ")
}

// Add appends a problem.
func (e *ValidationError) Add(row int, field, msg string) {
	e.Problems = append(e.Problems, FieldError{Row: row, Field: field, Msg: msg})
}

// Err returns e when it holds problems and nil otherwise.
func (e *ValidationError) Err() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every record and rejects duplicate explicit ids. Names
// are checked after trimming whitespace.
func Validate(records []Record) error {
	verr := &ValidationError{}
	seen := make(map[int64]int, len(records))

	for i, r := range records {
		row := i + 1
		r.Name = strings.TrimSpace(r.Name)

		if err := validate.Struct(r); err != nil {
			var fieldErrs validator.ValidationErrors
			if !errors.As(err, &fieldErrs) {
				return fmt.Errorf("validating row %d: %w", row, err)
			}
			for _, fe := range fieldErrs {
				verr.Add(row, columnName(fe.Field()), describeTag(fe.Tag()))
			}
		}
		if math.IsInf(r.Price, 0) {
			verr.Add(row, "price", "must be a finite number")
		}

		if r.ID != 0 {
			if prev, dup := seen[r.ID]; dup {
				verr.Add(row, "id", fmt.Sprintf("duplicate of row %d", prev))
			} else {
				seen[r.ID] = row
			}
		}
	}

	return verr.Err()
}

func columnName(field string) string {
	switch field {
	case "ID":
		return "id"
	case "Name":
		return "name"
	case "Price":
		return "price"
	default:
		return strings.ToLower(field)
	}
}

func describeTag(tag string) string {
	switch tag {
	case "required":
		return "is required"
	case "gte":
		return "must not be negative"
	default:
		return "failed " + tag
	}
}

// normalize trims names and rounds prices to cents, matching DECIMAL(10,2).
func normalize(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		r.Name = strings.TrimSpace(r.Name)
		r.Price = RoundCents(r.Price)
		out[i] = r
	}
	return out
}

// RoundCents rounds v to two decimal places.
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
