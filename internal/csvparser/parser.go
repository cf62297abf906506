package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"EventPost/internal/models"
)

// ParseFile reads send requests from a CSV file. See ParseRequests.
func ParseFile(path string) ([]models.SendRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseRequests(f)
}

// ParseRequests reads a CSV whose header names a "to" (or "email"),
// "subject" and "template" column, plus an optional "priority" column.
// Every other column becomes template data.
func ParseRequests(r io.Reader) ([]models.SendRequest, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	if len(records) < 2 {
		return nil, errors.New("csv must contain header and at least one row")
	}

	headers := make([]string, len(records[0]))
	idx := map[string]int{"to": -1, "subject": -1, "template": -1, "priority": -1}
	for i, h := range records[0] {
		h = strings.TrimSpace(h)
		headers[i] = h
		key := strings.ToLower(h)
		if key == "email" {
			key = "to"
		}
		if j, ok := idx[key]; ok && j == -1 {
			idx[key] = i
		}
	}
	for _, col := range []string{"to", "subject", "template"} {
		if idx[col] == -1 {
			return nil, fmt.Errorf("csv must contain a %s column", col)
		}
	}

	var requests []models.SendRequest

	for _, row := range records[1:] {

		if len(row) != len(headers) {
			continue // skip malformed row
		}

		req := models.SendRequest{
			To:       strings.TrimSpace(row[idx["to"]]),
			Subject:  strings.TrimSpace(row[idx["subject"]]),
			Template: strings.TrimSpace(row[idx["template"]]),
			Data:     make(map[string]interface{}),
		}
		if req.To == "" {
			continue
		}
		if p := idx["priority"]; p >= 0 {
			req.Priority = models.Priority(strings.ToLower(strings.TrimSpace(row[p])))
		}

		for i, h := range headers {
			if i == idx["to"] || i == idx["subject"] || i == idx["template"] || i == idx["priority"] || h == "" {
				continue
			}
			req.Data[h] = strings.TrimSpace(row[i])
		}

		requests = append(requests, req)
	}

	if len(requests) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return requests, nil
}
