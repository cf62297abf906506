package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"EventPost/internal/models"
)

const defaultMaxRows = 1000

var ErrTooManyRows = errors.New("csv has too many rows")

// Reasons a data row is left out of a recipient list.
const (
	SkipColumnCount = "wrong column count"
	SkipNoEmail     = "missing email"
	SkipDuplicate   = "duplicate email"
)

// RecipientRow is one attendee from an uploaded list. Email comes from the
// "Email" column (case-insensitive); every other column lands in Fields.
// Line is the row's line number in the file.
type RecipientRow struct {
	Line   int
	Email  string
	Fields map[string]string
}

// SkippedRow is a data row that was not turned into a recipient.
type SkippedRow struct {
	Line   int    `json:"line"`
	Email  string `json:"email,omitempty"`
	Reason string `json:"reason"`
}

type RecipientList struct {
	Rows    []RecipientRow
	Skipped []SkippedRow
}

// columns maps header positions for a recipient list.
type columns struct {
	names []string
	email int
}

func readColumns(reader *csv.Reader) (columns, error) {
	header, err := reader.Read()
	if err != nil {
		return columns{}, err
	}

	cols := columns{names: make([]string, len(header)), email: -1}
	for i, h := range header {
		cols.names[i] = strings.TrimSpace(h)
		if cols.email == -1 && strings.EqualFold(cols.names[i], "email") {
			cols.email = i
		}
	}
	if cols.email == -1 {
		return columns{}, errors.New("csv must contain an Email column")
	}
	return cols, nil
}

func (c columns) row(record []string) (RecipientRow, string) {
	if len(record) != len(c.names) {
		return RecipientRow{}, SkipColumnCount
	}

	email := strings.TrimSpace(record[c.email])
	if email == "" {
		return RecipientRow{}, SkipNoEmail
	}

	fields := make(map[string]string, len(c.names)-1)
	for i, name := range c.names {
		if i == c.email || name == "" {
			continue
		}
		fields[name] = strings.TrimSpace(record[i])
	}
	return RecipientRow{Email: email, Fields: fields}, ""
}

// ParseRecipientRows reads a recipient list of at most maxRows recipients
// (default 1000); a longer list is rejected with ErrTooManyRows rather than
// cut short. Rows with the wrong column count, an empty email or an address
// already seen earlier in the file are reported in Skipped.
func ParseRecipientRows(r io.Reader, maxRows int) (*RecipientList, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	cols, err := readColumns(reader)
	if err != nil {
		return nil, err
	}

	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}

	seen := make(map[string]struct{})
	list := &RecipientList{Rows: make([]RecipientRow, 0)}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := reader.FieldPos(0)

		row, reason := cols.row(record)
		if reason == "" {
			key := strings.ToLower(row.Email)
			if _, dup := seen[key]; dup {
				reason = SkipDuplicate
			} else {
				seen[key] = struct{}{}
			}
		}
		if reason != "" {
			list.Skipped = append(list.Skipped, SkippedRow{Line: line, Email: row.Email, Reason: reason})
			continue
		}

		if len(list.Rows) == maxRows {
			return nil, fmt.Errorf("%w: more than %d recipients", ErrTooManyRows, maxRows)
		}
		row.Line = line
		list.Rows = append(list.Rows, row)
	}

	if len(list.Rows) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}
	return list, nil
}

// Requests turns recipient rows into send requests that share a subject,
// template and priority. Each row's fields become its template data.
func Requests(rows []RecipientRow, subject, template string, priority models.Priority) []models.SendRequest {
	out := make([]models.SendRequest, 0, len(rows))
	for _, row := range rows {
		data := make(map[string]interface{}, len(row.Fields))
		for k, v := range row.Fields {
			data[k] = v
		}
		out = append(out, models.SendRequest{
			To:       row.Email,
			Subject:  subject,
			Template: template,
			Data:     data,
			Priority: priority,
		})
	}
	return out
}
