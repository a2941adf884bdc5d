package main

import (
	"fmt"
	"path"
	"strings"
	"time"

	"minfs/pkg/types"
	"minfs/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	primaryColor = lipgloss.Color("#7571f9")
	accentColor  = lipgloss.Color("#42c767")
	warningColor = lipgloss.Color("#ff9f43")
	dangerColor  = lipgloss.Color("#ff6b6b")
	mutedColor   = lipgloss.Color("#6c757d")

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)
)

func clusterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cluster",
		Short: "Show metadata and storage nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			view := s.fs.ClusterInfo()
			fmt.Println(renderSummary(view, s.cfg.Namespace))
			if len(view.StorageNodes) > 0 {
				fmt.Println(renderStorageTable(view.StorageNodes))
			} else {
				fmt.Println(warningStyle.Render("No storage nodes registered"))
			}

			fmt.Println(mutedStyle.Render(fmt.Sprintf("Generated at %s", time.Now().Format("2006-01-02 15:04:05"))))
			return nil
		},
	}
}

func endpointOrNone(ep *types.NodeEndpoint) string {
	if ep == nil {
		return "none"
	}
	return ep.String()
}

func renderSummary(view types.ClusterView, namespace string) string {
	rows := []struct {
		label string
		value string
		style lipgloss.Style
	}{
		{"Namespace", namespace, valueStyle},
		{"Metadata master", endpointOrNone(view.Master), masterStyle(view.Master != nil)},
		{"Metadata slave", endpointOrNone(view.Slave), valueStyle},
		{"Storage nodes", fmt.Sprintf("%d", len(view.StorageNodes)), valueStyle},
		{"Total capacity", utils.FormatDataSize(view.TotalCapacity()), valueStyle},
		{"Used", utils.FormatDataSize(view.UsedCapacity()), valueStyle},
		{"Available", utils.FormatDataSize(view.AvailableCapacity()), valueStyle},
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("MINFS CLUSTER") + "\n\n")
	for _, r := range rows {
		b.WriteString(labelStyle.Render(r.label+":") + " " + r.style.Render(r.value) + "\n")
	}
	b.WriteString("\n" + renderProgressBar(view.UsagePercent(), 40) + fmt.Sprintf(" %.1f%%", view.UsagePercent()))
	return sectionStyle.Render(b.String())
}

func masterStyle(ok bool) lipgloss.Style {
	if ok {
		return lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	}
	return lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

func renderStorageTable(nodes []types.StorageNodeInfo) string {
	t := newTable("ADDRESS", "CAPACITY", "USED", "USAGE", "FILES")
	for _, n := range nodes {
		t.Row(
			n.Endpoint.Address(),
			utils.FormatDataSize(n.TotalCapacity),
			utils.FormatDataSize(n.UsedCapacity),
			fmt.Sprintf("%.1f%%", n.UsagePercent()),
			fmt.Sprintf("%d", n.FileTotal),
		)
	}
	return t.Render()
}

func renderListing(items []types.FileDescriptor) string {
	t := newTable("NAME", "TYPE", "SIZE", "MODIFIED")
	for _, fd := range items {
		name := path.Base(fd.Path)
		size := utils.FormatDataSize(fd.Size)
		if fd.IsDirectory() {
			name += "/"
			size = "-"
		}
		t.Row(name, fd.Type.String(), size, formatTime(fd.ModTime))
	}
	return t.Render()
}

func renderDescriptor(fd *types.FileDescriptor) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fd.Path) + "\n\n")
	b.WriteString(labelStyle.Render("Type:") + " " + valueStyle.Render(fd.Type.String()) + "\n")
	b.WriteString(labelStyle.Render("Size:") + " " + valueStyle.Render(fmt.Sprintf("%s (%d bytes)", utils.FormatDataSize(fd.Size), fd.Size)) + "\n")
	b.WriteString(labelStyle.Render("Modified:") + " " + valueStyle.Render(formatTime(fd.ModTime)))
	out := sectionStyle.Render(b.String())

	if len(fd.Replicas) == 0 {
		return out
	}
	t := newTable("REPLICA", "NODE", "PATH")
	for _, r := range fd.Replicas {
		t.Row(r.ID, r.Node.Address(), r.Path)
	}
	return out + "\n" + t.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func renderProgressBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	filled := int(float64(width) * percent / 100)
	empty := width - filled
	bar := lipgloss.NewStyle().Foreground(accentColor).Render(strings.Repeat("█", filled))
	bar += lipgloss.NewStyle().Foreground(lipgloss.Color("#333333")).Render(strings.Repeat("░", empty))
	return bar
}
