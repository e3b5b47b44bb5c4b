package repo

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/BuzzLyutic/taskflow-api/internal/model"
)

const taskColumns = `id, user_id, title, description, status::text, priority::text, due_date, created_at, updated_at`

// listQuery is the composed SQL of a list call. Count and Select share the
// same WHERE clause and arguments.
type listQuery struct {
	Where   string
	OrderBy string
	Args    pgx.NamedArgs
}

func (q listQuery) Count() string {
	return `SELECT COUNT(*) FROM tasks WHERE ` + q.Where
}

func (q listQuery) Select() string {
	return `SELECT ` + taskColumns + ` FROM tasks WHERE ` + q.Where +
		` ORDER BY ` + q.OrderBy + ` LIMIT @limit OFFSET @offset`
}

// buildListQuery expects q to be validated already; unknown sort keys fall
// back to created_at.
func buildListQuery(userID string, q model.ListQuery) listQuery {
	conds := []string{"user_id = @user_id"}
	args := pgx.NamedArgs{
		"user_id": userID,
		"limit":   q.Limit,
		"offset":  q.Offset(),
	}

	if q.Status != nil {
		conds = append(conds, "status = @status")
		args["status"] = string(*q.Status)
	}
	if q.Priority != nil {
		conds = append(conds, "priority = @priority")
		args["priority"] = string(*q.Priority)
	}
	if q.Search != "" {
		conds = append(conds, "(title ILIKE @search OR description ILIKE @search)")
		args["search"] = "%" + escapeLike(q.Search) + "%"
	}
	if q.DueDateFrom != nil {
		conds = append(conds, "due_date >= @due_from")
		args["due_from"] = *q.DueDateFrom
	}
	if q.DueDateTo != nil {
		conds = append(conds, "due_date <= @due_to")
		args["due_to"] = *q.DueDateTo
	}

	column, ok := q.SortBy.Column()
	if !ok {
		column = "created_at"
	}
	dir := "DESC"
	if q.SortOrder == model.SortAsc {
		dir = "ASC"
	}

	return listQuery{
		Where: strings.Join(conds, " AND "),
		// id breaks ties so pages never overlap
		OrderBy: fmt.Sprintf("%s %s NULLS LAST, id %s", column, dir, dir),
		Args:    args,
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
