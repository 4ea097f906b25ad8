package recurrence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"taskboard/internal/domain"
)

// TaskSource loads the tasks of a project that carry a due date.
type TaskSource interface {
	SelectTasksWithDueDate(ctx context.Context, projectID string) ([]domain.Task, error)
}

// Calendar renders a project's tasks as occurrences for a calendar view.
type Calendar struct {
	tasks TaskSource
}

func NewCalendar(tasks TaskSource) *Calendar {
	return &Calendar{tasks: tasks}
}

// ProjectOccurrences expands every dated task of the project into the
// window and returns the occurrences ordered by start, then task id.
func (c *Calendar) ProjectOccurrences(ctx context.Context, projectID string, from, to time.Time) ([]domain.Occurrence, error) {
	tasks, err := c.tasks.SelectTasksWithDueDate(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project tasks: %w", err)
	}
	out := []domain.Occurrence{}
	for _, t := range tasks {
		out = append(out, Expand(t, from, to)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}
