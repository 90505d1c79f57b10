package model

import "time"

// AccountCheckResult is the outcome of probing one account.
type AccountCheckResult struct {
	AccountID    int64         `json:"account_id"`
	Platform     string        `json:"platform"`
	AccountName  string        `json:"account_name"`
	StatusBefore AccountStatus `json:"status_before"`
	StatusAfter  AccountStatus `json:"status_after"`
	IsValid      bool          `json:"is_valid"`
	Message      string        `json:"message"`
	CheckTime    time.Time     `json:"check_time"`
}

// AccountCheckSummary is produced once per check run.
type AccountCheckSummary struct {
	Total     int                  `json:"total"`
	Success   int                  `json:"success"`
	Failed    int                  `json:"failed"`
	Results   []AccountCheckResult `json:"results"`
	CheckTime time.Time            `json:"check_time"`
}
