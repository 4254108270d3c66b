// Package caseload reads synthetic outbreak case reports from JSONL
// files, the input feed for a processing run.
package caseload

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sentinel-ew/sentinel/internal/models"
)

// Load reads up to limit cases from a JSONL file. limit <= 0 means all.
// Cases without an id are assigned one; malformed lines fail the load
// rather than silently dropping reports.
func Load(path string, limit int) ([]*models.Case, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open case file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cases []*models.Case
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var c models.Case
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("parse case line %d: %w", line, err)
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.IngestedAt.IsZero() {
			c.IngestedAt = time.Now().UTC()
		}
		cases = append(cases, &c)
		if limit > 0 && len(cases) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read case file: %w", err)
	}
	return cases, nil
}
