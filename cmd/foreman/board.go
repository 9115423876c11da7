package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"foreman/pkg/protocol"
	"foreman/pkg/taskstore"
)

// boardColumn is one rendered column of the task board.
type boardColumn struct {
	title string
	tasks []taskstore.Task
}

// BoardModel holds one project's board for rendering.
type BoardModel struct {
	project taskstore.Project
	columns []boardColumn

	// cleanupGrace estimates teardown countdowns: a finished task's
	// teardown fires cleanupGrace after its last update.
	cleanupGrace time.Duration
	now          func() time.Time
}

// NewBoardModel groups a project's tasks into the four board columns.
func NewBoardModel(project taskstore.Project, tasks map[protocol.TaskStatus][]taskstore.Task, grace time.Duration) BoardModel {
	order := []struct {
		title  string
		status protocol.TaskStatus
	}{
		{"Todo", protocol.StatusTodo},
		{"In Progress", protocol.StatusInProgress},
		{"Verify", protocol.StatusVerify},
		{"Done", protocol.StatusDone},
	}
	columns := make([]boardColumn, 0, len(order))
	for _, o := range order {
		columns = append(columns, boardColumn{title: o.title, tasks: tasks[o.status]})
	}
	return BoardModel{project: project, columns: columns, cleanupGrace: grace, now: time.Now}
}

// Render renders the board columns side-by-side using lipgloss.
func (bm BoardModel) Render() string {
	colWidth := 32

	titleStyle := lipgloss.NewStyle().Bold(true)
	modeStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	cardStyle := lipgloss.NewStyle().Width(colWidth - 2).Padding(0, 1)
	metaStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	badgeStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	conflictStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	columnStyle := lipgloss.NewStyle().Width(colWidth).Padding(0, 1)

	header := titleStyle.Render(bm.project.Name) + " " +
		modeStyle.Render("("+string(bm.project.ExecutionMode)+")")

	rendered := make([]string, 0, len(bm.columns))
	for _, col := range bm.columns {
		headerColor := lipgloss.Color("39")
		if col.title == "Done" {
			headerColor = lipgloss.Color("42")
		}
		headerStyle := lipgloss.NewStyle().
			Bold(true).
			Foreground(headerColor).
			Width(colWidth).
			Align(lipgloss.Center).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder())

		var cards strings.Builder
		for _, task := range col.tasks {
			lines := []string{task.Title, metaStyle.Render(protocol.ShortID(task.ID))}
			if badge := dispatchBadge(task); badge != "" {
				lines = append(lines, badgeStyle.Render(badge))
			}
			if task.MergeConflict != nil {
				lines = append(lines, conflictStyle.Render("merge conflict: "+
					strings.Join(task.MergeConflict.Files, ", ")))
			}
			if countdown := bm.cleanupCountdown(task); countdown != "" {
				lines = append(lines, metaStyle.Render(countdown))
			}
			cards.WriteString(cardStyle.Render(strings.Join(lines, "\n")))
			cards.WriteString("\n")
		}

		rendered = append(rendered,
			columnStyle.Render(headerStyle.Render(fmt.Sprintf("%s (%d)", col.title, len(col.tasks)))+"\n"+cards.String()))
	}

	return header + "\n" + lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

// dispatchBadge returns the admission badge for an in-progress task.
func dispatchBadge(task taskstore.Task) string {
	switch task.Dispatch {
	case protocol.DispatchQueued:
		return "[queued]"
	case protocol.DispatchStarting:
		return "[starting]"
	case protocol.DispatchRunning:
		return "[running]"
	default:
		return ""
	}
}

// cleanupCountdown estimates the time left before a finished task's
// session resources are torn down. The teardown timer arms when the task
// leaves in-progress, which is also its last update, so updated_at plus
// the grace period tracks the real deadline closely.
func (bm BoardModel) cleanupCountdown(task taskstore.Task) string {
	if task.Status != protocol.StatusVerify && task.Status != protocol.StatusDone {
		return ""
	}
	if task.SessionID == "" || bm.cleanupGrace <= 0 {
		return ""
	}
	updated, err := time.Parse("2006-01-02 15:04:05", task.UpdatedAt)
	if err != nil {
		return ""
	}
	left := updated.Add(bm.cleanupGrace).Sub(bm.now().UTC())
	if left <= 0 {
		return ""
	}
	return "cleanup in " + left.Round(time.Minute).String()
}
