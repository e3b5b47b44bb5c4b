package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptional_UnmarshalJSON(t *testing.T) {
	var body struct {
		Title       Optional[string] `json:"title"`
		Description Optional[string] `json:"description"`
		Status      Optional[Status] `json:"status"`
	}

	err := json.Unmarshal([]byte(`{"title":"Write docs","description":null}`), &body)
	require.NoError(t, err)

	assert.True(t, body.Title.Set)
	assert.False(t, body.Title.Null)
	assert.Equal(t, "Write docs", body.Title.Value)

	assert.True(t, body.Description.Set)
	assert.True(t, body.Description.Null)
	assert.Nil(t, body.Description.Ptr())

	assert.False(t, body.Status.Set)
}

func TestOptional_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A Optional[int] `json:"a"`
		B Optional[int] `json:"b"`
	}{A: Some(3), B: Null[int]()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":3,"b":null}`, string(data))
}

func TestTaskPatch_Apply(t *testing.T) {
	desc := "old description"
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	task := Task{
		ID:          uuid.New(),
		UserID:      "user-1",
		Title:       "Old",
		Description: &desc,
		Status:      StatusPending,
		Priority:    PriorityLow,
		DueDate:     &due,
	}

	t.Run("empty patch keeps the task", func(t *testing.T) {
		p := TaskPatch{}
		assert.True(t, p.Empty())
		assert.Equal(t, task, p.Apply(task))
	})

	t.Run("present fields overwrite", func(t *testing.T) {
		got := TaskPatch{
			Title:    Some("New"),
			Status:   Some(StatusInProgress),
			Priority: Some(PriorityHigh),
		}.Apply(task)

		assert.Equal(t, "New", got.Title)
		assert.Equal(t, StatusInProgress, got.Status)
		assert.Equal(t, PriorityHigh, got.Priority)
		assert.Equal(t, &desc, got.Description)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, task.UserID, got.UserID)
	})

	t.Run("explicit null clears description and due date", func(t *testing.T) {
		got := TaskPatch{
			Description: Null[string](),
			DueDate:     Null[time.Time](),
		}.Apply(task)

		assert.Nil(t, got.Description)
		assert.Nil(t, got.DueDate)
		assert.Equal(t, "Old", got.Title)
	})
}

func TestTotalPages(t *testing.T) {
	tests := []struct {
		total, limit, want int
	}{
		{0, 10, 1},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{25, 10, 3},
		{100, 100, 1},
		{5, 0, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TotalPages(tt.total, tt.limit), "total=%d limit=%d", tt.total, tt.limit)
	}
}

func TestListQuery_WithDefaults(t *testing.T) {
	q := ListQuery{}.WithDefaults()
	assert.Equal(t, DefaultPage, q.Page)
	assert.Equal(t, DefaultLimit, q.Limit)
	assert.Equal(t, SortByCreatedAt, q.SortBy)
	assert.Equal(t, SortDesc, q.SortOrder)
	assert.Equal(t, 0, q.Offset())

	q = ListQuery{Page: 3, Limit: 20, SortBy: SortByPriority, SortOrder: SortAsc}.WithDefaults()
	assert.Equal(t, 3, q.Page)
	assert.Equal(t, 20, q.Limit)
	assert.Equal(t, SortByPriority, q.SortBy)
	assert.Equal(t, SortAsc, q.SortOrder)
	assert.Equal(t, 40, q.Offset())
}

func TestEnums(t *testing.T) {
	assert.True(t, StatusInProgress.Valid())
	assert.False(t, Status("in_progress").Valid())
	assert.True(t, PriorityHigh.Valid())
	assert.False(t, Priority("URGENT").Valid())

	_, ok := SortField("title").Column()
	assert.False(t, ok)
	col, ok := SortByDueDate.Column()
	assert.True(t, ok)
	assert.Equal(t, "due_date", col)
	assert.False(t, SortOrder("asc").Valid())
}
