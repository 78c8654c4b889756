// Package submission turns a caller's file list into one or more pending
// Task rows and enqueues them onto the right stage queue: validate the
// request, create the durable record first, enqueue second, return the
// created record(s).
package submission

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"docpipe/internal/model"
	"docpipe/internal/queue"
	"docpipe/internal/store"
)

// Request is one submission: a set of file URLs processed under shared
// options on behalf of one user.
type Request struct {
	FileURLs []string
	UserID   string
	Options  model.Options
}

// Submitter wires SubmitTask against the task store and queue fabric.
type Submitter struct {
	Store  *store.Store
	Fabric *queue.Fabric

	// DefaultMaxCostLimitUSD is applied to a submission that omits
	// max_cost_limit. Zero means no default is applied and a submission
	// without an explicit limit runs unbounded, matching
	// costestimator.ValidateCostLimit's nil-means-unbounded behavior.
	DefaultMaxCostLimitUSD float64
}

func New(st *store.Store, fabric *queue.Fabric) *Submitter {
	return &Submitter{Store: st, Fabric: fabric}
}

// Submit validates req and applies the dispatch rule: any .zip URL (matched
// case-insensitively) routes the whole submission to a single archive task;
// otherwise one parse task is created per URL. Returns the created tasks in
// pending status.
func (s *Submitter) Submit(req Request) ([]model.Task, error) {
	if len(req.FileURLs) == 0 {
		return nil, fmt.Errorf("submission: at least one file_url is required")
	}
	for i, u := range req.FileURLs {
		if strings.TrimSpace(u) == "" {
			return nil, fmt.Errorf("submission: file_urls[%d] is empty", i)
		}
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("submission: user_id is required")
	}

	opts := req.Options.WithDefaults()
	if opts.MaxCostLimit == nil && s.DefaultMaxCostLimitUSD > 0 {
		limit := s.DefaultMaxCostLimitUSD
		opts.MaxCostLimit = &limit
	}

	if isArchiveSubmission(req.FileURLs) {
		return s.submitArchive(req.FileURLs, req.UserID, opts)
	}
	return s.submitParseBatch(req.FileURLs, req.UserID, opts)
}

func isArchiveSubmission(urls []string) bool {
	for _, u := range urls {
		if strings.HasSuffix(strings.ToLower(u), ".zip") {
			return true
		}
	}
	return false
}

// submitArchive creates the single archive task used when any URL in the
// submission is a .zip. The task's file_url is the first matching archive
// URL; additional URLs in a mixed submission are not separately modeled
// since a Task carries exactly one file_url.
func (s *Submitter) submitArchive(urls []string, userID string, opts model.Options) ([]model.Task, error) {
	var archiveURL string
	for _, u := range urls {
		if strings.HasSuffix(strings.ToLower(u), ".zip") {
			archiveURL = u
			break
		}
	}

	task := model.Task{
		ID:      uuid.NewString(),
		UserID:  userID,
		Type:    model.TaskArchive,
		Status:  model.StatusPending,
		FileURL: archiveURL,
		Options: opts,
	}
	if err := s.Store.Create(task); err != nil {
		return nil, fmt.Errorf("submission: creating archive task: %w", err)
	}
	if err := s.enqueue(queue.NameArchive, task); err != nil {
		return nil, err
	}
	return []model.Task{task}, nil
}

// submitParseBatch creates one parse task per URL.
func (s *Submitter) submitParseBatch(urls []string, userID string, opts model.Options) ([]model.Task, error) {
	tasks := make([]model.Task, 0, len(urls))
	for _, u := range urls {
		tasks = append(tasks, model.Task{
			ID:      uuid.NewString(),
			UserID:  userID,
			Type:    model.TaskParse,
			Status:  model.StatusPending,
			FileURL: u,
			Options: opts,
		})
	}

	if _, err := s.Store.BulkCreate(tasks); err != nil {
		return nil, fmt.Errorf("submission: creating parse tasks: %w", err)
	}
	for _, t := range tasks {
		if err := s.enqueue(queue.NameParse, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// taskArgsJSON builds the stage-specific args payload for archive/parse
// messages.
func taskArgsJSON(task model.Task) ([]byte, error) {
	if task.Type == model.TaskArchive {
		return json.Marshal(model.ArchiveArgs{
			FileURL: task.FileURL,
			UserID:  task.UserID,
			Options: task.Options,
		})
	}
	return json.Marshal(model.ParseArgs{
		FileURL: task.FileURL,
		UserID:  task.UserID,
		Options: task.Options,
	})
}

func (s *Submitter) enqueue(queueName string, task model.Task) error {
	argsJSON, err := taskArgsJSON(task)
	if err != nil {
		return fmt.Errorf("submission: marshaling args for %s: %w", task.ID, err)
	}
	if _, err := s.Fabric.Enqueue(queueName, model.QueueMessage{
		TaskID:        task.ID,
		CorrelationID: uuid.NewString(),
		SubmittedAt:   time.Now(),
		Args:          argsJSON,
	}); err != nil {
		return fmt.Errorf("submission: enqueuing %s: %w", task.ID, err)
	}
	return nil
}
