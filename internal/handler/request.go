package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/BuzzLyutic/taskflow-api/internal/model"
)

var validate = validator.New()

// date accepts RFC3339 timestamps and plain YYYY-MM-DD dates.
type date time.Time

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not an RFC3339 timestamp or YYYY-MM-DD date", s)
	}
	return t, nil
}

func (d *date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string")
	}
	t, err := parseDate(s)
	if err != nil {
		return err
	}
	*d = date(t)
	return nil
}

func (d *date) ptr() *time.Time {
	if d == nil {
		return nil
	}
	t := time.Time(*d)
	return &t
}

type createTaskRequest struct {
	Title       string  `json:"title" validate:"required,max=255"`
	Description *string `json:"description"`
	Status      string  `json:"status" validate:"omitempty,oneof=PENDING IN_PROGRESS COMPLETED"`
	Priority    string  `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH"`
	DueDate     *date   `json:"dueDate"`
}

func (r createTaskRequest) toModel() model.CreateTask {
	return model.CreateTask{
		Title:       r.Title,
		Description: r.Description,
		Status:      model.Status(r.Status),
		Priority:    model.Priority(r.Priority),
		DueDate:     r.DueDate.ptr(),
	}
}

type updateTaskRequest struct {
	Title       model.Optional[string]         `json:"title"`
	Description model.Optional[string]         `json:"description"`
	Status      model.Optional[model.Status]   `json:"status"`
	Priority    model.Optional[model.Priority] `json:"priority"`
	DueDate     model.Optional[date]           `json:"dueDate"`
}

func (r updateTaskRequest) toModel() model.TaskPatch {
	p := model.TaskPatch{
		Title:       r.Title,
		Description: r.Description,
		Status:      r.Status,
		Priority:    r.Priority,
	}
	if r.DueDate.Set {
		p.DueDate = model.Optional[time.Time]{
			Set:   true,
			Null:  r.DueDate.Null,
			Value: time.Time(r.DueDate.Value),
		}
	}
	return p
}

// batchRequest takes the ids under "taskIds"; "tasks" is accepted as an
// older spelling.
type batchRequest struct {
	TaskIDs json.RawMessage   `json:"taskIds"`
	Tasks   json.RawMessage   `json:"tasks"`
	Action  model.BatchAction `json:"action"`
}

// taskIDs returns ok == false when the ids are absent or not a JSON array,
// which the batch endpoint treats as nothing to do.
func (r batchRequest) taskIDs() (ids []string, ok bool, err error) {
	raw := r.TaskIDs
	if len(raw) == 0 {
		raw = r.Tasks
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false, nil
	}
	if err := json.Unmarshal(trimmed, &ids); err != nil {
		return nil, false, fmt.Errorf("taskIds must be a list of task ids")
	}
	if err := validate.Var(ids, "max=500,dive,uuid"); err != nil {
		return nil, false, fmt.Errorf("taskIds must hold at most 500 uuids")
	}
	return ids, true, nil
}

// parseListQuery only checks types. Ranges and enum membership are
// checked by the service so both layers reject the same inputs.
func parseListQuery(v url.Values) (model.ListQuery, error) {
	var q model.ListQuery

	if s := v.Get("status"); s != "" {
		st := model.Status(s)
		q.Status = &st
	}
	if s := v.Get("priority"); s != "" {
		p := model.Priority(s)
		q.Priority = &p
	}
	q.Search = v.Get("search")

	var err error
	if q.Page, err = intParam(v, "page"); err != nil {
		return q, err
	}
	if q.Limit, err = intParam(v, "limit"); err != nil {
		return q, err
	}
	if q.DueDateFrom, err = dateParam(v, "dueDateFrom"); err != nil {
		return q, err
	}
	if q.DueDateTo, err = endOfDayParam(v, "dueDateTo"); err != nil {
		return q, err
	}

	q.SortBy = model.SortField(v.Get("sortBy"))
	q.SortOrder = model.SortOrder(v.Get("sortOrder"))
	return q, nil
}

// intParam returns 0 for an absent parameter so defaults apply; an explicit
// 0 is sent through as -1 to be rejected rather than defaulted.
func intParam(v url.Values, key string) (int, error) {
	s := v.Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	if n == 0 {
		return -1, nil
	}
	return n, nil
}

func dateParam(v url.Values, key string) (*time.Time, error) {
	s := v.Get(key)
	if s == "" {
		return nil, nil
	}
	t, err := parseDate(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &t, nil
}

// endOfDayParam is dateParam for inclusive upper bounds: a plain date
// covers the whole day, up to the last microsecond Postgres can store.
func endOfDayParam(v url.Values, key string) (*time.Time, error) {
	t, err := dateParam(v, key)
	if t == nil || err != nil {
		return t, err
	}
	if _, perr := time.Parse(time.DateOnly, v.Get(key)); perr == nil {
		end := t.AddDate(0, 0, 1).Add(-time.Microsecond)
		return &end, nil
	}
	return t, nil
}
