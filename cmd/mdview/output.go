package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"mdview/internal/daemon"
	"mdview/internal/process"
	"mdview/internal/registry"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	urlStyle    = cellStyle.Foreground(lipgloss.Color("#10B981"))
	pathStyle   = cellStyle.Foreground(lipgloss.Color("#3B82F6"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#374151"))
)

const (
	colPID = iota
	colPort
	colUptime
	colURL
	colFile
)

// renderInstances formats the list output.
func renderInstances(instances []registry.Instance) string {
	if len(instances) == 0 {
		return "No running mdview instances\n"
	}

	now := time.Now()
	rows := make([][]string, 0, len(instances))
	for _, inst := range instances {
		rows = append(rows, []string{
			strconv.Itoa(inst.PID),
			strconv.Itoa(inst.Port),
			formatUptime(inst.Uptime(now)),
			inst.URL,
			inst.FilePath,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("PID", "PORT", "UPTIME", "URL", "FILE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == colURL:
				return urlStyle
			case col == colFile:
				return pathStyle
			default:
				return cellStyle
			}
		})
	return t.String() + "\n"
}

// formatUptime renders d as "3d4h", "2h5m", "4m10s" or "12s".
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh%dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func describeStop(r daemon.StopReport) string {
	switch r.Result {
	case process.Killed:
		return fmt.Sprintf("Killed mdview for %s (PID %d did not exit after SIGTERM)", r.Instance.FilePath, r.Instance.PID)
	case process.AlreadyGone:
		return fmt.Sprintf("Process %d not running (stale entry), cleaned up %s", r.Instance.PID, r.Instance.FilePath)
	default:
		return fmt.Sprintf("Stopped mdview for %s (PID %d)", r.Instance.FilePath, r.Instance.PID)
	}
}
