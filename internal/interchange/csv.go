// Package interchange moves the herb record set in and out of CSV files.
package interchange

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/igm/herbstat/internal/herbstore"
	"github.com/igm/herbstat/internal/logger"
)

// Header is the exact column order written by Export.
var Header = []string{"id", "name", "price", "effect", "usage"}

// maxImportSize is the largest upload Import accepts. Larger files are
// rejected as a whole.
var maxImportSize int64 = 32 << 20

// Parse decodes raw CSV bytes and converts them into records without
// touching any store.
func Parse(data []byte) ([]herbstore.Record, error) {
	text, enc, err := Decode(data, DefaultEncodings...)
	if err != nil {
		return nil, err
	}
	logger.Debug("csv decoded", "component", "interchange", "encoding", enc, "bytes", len(data))
	return parseText(text)
}

func parseText(text string) ([]herbstore.Record, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		verr := &herbstore.ValidationError{}
		verr.Add(0, "header", "file is empty")
		return nil, verr
	}
	if err != nil {
		return nil, csvError(err)
	}

	cols, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	verr := &herbstore.ValidationError{}
	var records []herbstore.Record
	row := 0
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvError(err)
		}
		row++

		rec, problems := parseRow(fields, cols)
		for _, p := range problems {
			verr.Add(row, p.Field, p.Msg)
		}
		records = append(records, rec)
	}

	if err := herbstore.Validate(records); err != nil {
		var more *herbstore.ValidationError
		if !errors.As(err, &more) {
			return nil, err
		}
		verr.Problems = append(verr.Problems, more.Problems...)
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// columnIndex maps each required column to its position. Extra columns are
// ignored.
func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}

	verr := &herbstore.ValidationError{}
	for _, name := range Header {
		if _, ok := cols[name]; !ok {
			verr.Add(0, name, "missing column")
		}
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}
	return cols, nil
}

func parseRow(fields []string, cols map[string]int) (herbstore.Record, []herbstore.FieldError) {
	get := func(name string) string {
		i := cols[name]
		if i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}

	var problems []herbstore.FieldError
	rec := herbstore.Record{
		Name:   get("name"),
		Effect: get("effect"),
		Usage:  get("usage"),
	}

	if raw := get("id"); raw != "" {
		id, err := parseID(raw)
		if err != nil {
			problems = append(problems, herbstore.FieldError{Field: "id", Msg: fmt.Sprintf("%q is not an integer", raw)})
		}
		rec.ID = id
	}

	raw := get("price")
	if raw == "" {
		problems = append(problems, herbstore.FieldError{Field: "price", Msg: "is required"})
	} else if price, err := strconv.ParseFloat(raw, 64); err != nil {
		problems = append(problems, herbstore.FieldError{Field: "price", Msg: fmt.Sprintf("%q is not a number", raw)})
	} else {
		rec.Price = price
	}

	return rec, problems
}

// parseID accepts "7" and the "7.0" spreadsheets like to write.
func parseID(raw string) (int64, error) {
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return id, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return int64(f), nil
}

func csvError(err error) error {
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		verr := &herbstore.ValidationError{}
		verr.Add(perr.Line, "csv", perr.Err.Error())
		return verr
	}
	return fmt.Errorf("reading csv: %w", err)
}

// Import reads a CSV stream and replaces the store content with it. Nothing
// is written unless the whole file decodes and validates.
func Import(ctx context.Context, store herbstore.Store, r io.Reader) (int, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxImportSize+1))
	if err != nil {
		return 0, fmt.Errorf("reading upload: %w", err)
	}
	if int64(len(data)) > maxImportSize {
		verr := &herbstore.ValidationError{}
		verr.Add(0, "file", fmt.Sprintf("file exceeds %d bytes", maxImportSize))
		return 0, verr
	}

	records, err := Parse(data)
	if err != nil {
		return 0, err
	}

	if err := store.ReplaceAll(ctx, records); err != nil {
		return 0, err
	}

	logger.Info("csv imported", "component", "interchange", "records", len(records))
	return len(records), nil
}

// Write encodes records as UTF-8 CSV with the canonical header.
func Write(w io.Writer, records []herbstore.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}

	for _, r := range records {
		row := []string{
			strconv.FormatInt(r.ID, 10),
			r.Name,
			strconv.FormatFloat(r.Price, 'f', 2, 64),
			r.Effect,
			r.Usage,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// Export writes the full store content to w.
func Export(ctx context.Context, store herbstore.Store, w io.Writer) (int, error) {
	records, err := store.All(ctx)
	if err != nil {
		return 0, err
	}
	if err := Write(w, records); err != nil {
		return 0, fmt.Errorf("writing csv: %w", err)
	}
	return len(records), nil
}
