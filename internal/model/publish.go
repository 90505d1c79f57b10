package model

import "time"

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskPublishing TaskStatus = "publishing"
	TaskSuccess    TaskStatus = "success"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool { return s == TaskSuccess || s == TaskFailed }

// CanTransition reports whether a task may move from s to next. The only
// back-edge is publishing to pending, used when an attempt is retried.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskPublishing || next == TaskFailed
	case TaskPublishing:
		return next == TaskPending || next == TaskSuccess || next == TaskFailed
	default:
		return false
	}
}

// Article is the publish input. Content generation happens elsewhere.
type Article struct {
	ID      int64    `json:"id"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// PublishTask is the unit of scheduling: one article onto one account.
type PublishTask struct {
	ID           string     `json:"id" db:"id"`
	RequestID    string     `json:"request_id" db:"request_id"`
	ArticleID    int64      `json:"article_id" db:"article_id"`
	ArticleTitle string     `json:"article_title" db:"article_title"`
	AccountID    int64      `json:"account_id" db:"account_id"`
	AccountName  string     `json:"account_name" db:"account_name"`
	Platform     string     `json:"platform" db:"platform"`
	PlatformName string     `json:"platform_name" db:"platform_name"`
	Status       TaskStatus `json:"status" db:"status"`
	PlatformURL  string     `json:"platform_url,omitempty" db:"platform_url"`
	Error        string     `json:"error,omitempty" db:"error"`
	ErrorKind    string     `json:"error_kind,omitempty" db:"error_kind"`
	RetryCount   int        `json:"retry_count" db:"retry_count"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	PublishedAt  *time.Time `json:"published_at,omitempty" db:"published_at"`
}

// PublishRequest is the persisted header of one submission.
type PublishRequest struct {
	ID           string     `json:"request_id" db:"id"`
	ArticleID    int64      `json:"article_id" db:"article_id"`
	ArticleTitle string     `json:"article_title" db:"article_title"`
	Cancelled    bool       `json:"cancelled" db:"cancelled"`
	SubmittedAt  time.Time  `json:"submitted_at" db:"submitted_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// PublishRecord aggregates a request with its tasks.
type PublishRecord struct {
	PublishRequest
	Tasks    []PublishTask `json:"tasks"`
	Complete bool          `json:"complete"`
	Success  int           `json:"success"`
	Failed   int           `json:"failed"`
	Pending  int           `json:"pending"`
}

// NewPublishRecord computes aggregate fields from tasks.
func NewPublishRecord(req PublishRequest, tasks []PublishTask) PublishRecord {
	rec := PublishRecord{PublishRequest: req, Tasks: tasks}
	for _, t := range tasks {
		switch t.Status {
		case TaskSuccess:
			rec.Success++
		case TaskFailed:
			rec.Failed++
		default:
			rec.Pending++
		}
	}
	rec.Complete = rec.Pending == 0
	return rec
}
