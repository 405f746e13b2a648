package model

import "time"

// ReportSection is one ordered section of the final report.
type ReportSection struct {
	Module  string `json:"module"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Report is the final structured output of a completed session.
type Report struct {
	SessionID   string          `json:"session_id"`
	Sections    []ReportSection `json:"sections"`
	TotalChars  int             `json:"total_chars"`
	MinLengthOK bool            `json:"min_length_ok"`
	GeneratedAt time.Time       `json:"generated_at"`
}
