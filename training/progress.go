package training

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tsawler/blockperf/layers"
)

const defaultBarWidth = 40

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
}

// NewProgressBar creates a progress bar over total items drawn on out. When
// out is a terminal the bar is sized to leave room for the description.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       barWidth(out),
	}
}

func barWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultBarWidth
	}
	cols, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return defaultBarWidth
	}
	// description, counters and timing take roughly 80 columns
	return max(10, min(defaultBarWidth, cols-80))
}

// SetDescription replaces the text shown before the bar.
func (pb *ProgressBar) SetDescription(description string) {
	pb.description = description
}

// Add advances the bar by n items and redraws it.
func (pb *ProgressBar) Add(n int) {
	pb.current += n
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(1.0, float64(pb.current)/float64(pb.total))
	}
	filled := min(pb.width, int(percentage*float64(pb.width)))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s",
		pb.description, percentage*100, bar, pb.current, pb.total, formatDuration(elapsed))

	if pb.current > 0 && percentage > 0 {
		eta := time.Duration(float64(elapsed)/percentage) - elapsed
		rate := float64(pb.current) / elapsed.Seconds()
		line += fmt.Sprintf("<%s, %.2fit/s]", formatDuration(eta), rate)
	} else {
		line += "<00:00]"
	}

	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// ModelArchitecturePrinter prints a per-component parameter table
type ModelArchitecturePrinter struct {
	modelName string
	printer   *message.Printer
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
		printer:   message.NewPrinter(language.English),
	}
}

// PrintArchitecture writes one row per top-level component followed by the
// totals. With detailed set every parameter gets its own row.
func (p *ModelArchitecturePrinter) PrintArchitecture(w io.Writer, summary layers.ModelSummary, detailed bool) {
	fmt.Fprintf(w, "%s(\n", p.modelName)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"COMPONENT", "SHAPE", "PARAMETERS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	rows := summary.Components()
	if detailed {
		rows = summary.Params
	}
	for _, info := range rows {
		shape := ""
		if info.Shape != nil {
			shape = fmt.Sprint(info.Shape)
		}
		table.Append([]string{info.Name, shape, p.printer.Sprintf("%d", info.Count)})
	}
	table.Render()

	fmt.Fprintf(w, ")\n")
	fmt.Fprintf(w, "Total parameters: %s (%s)\n",
		p.printer.Sprintf("%d", summary.TotalParameters), formatParameterCount(summary.TotalParameters))
	fmt.Fprintf(w, "Params size (MB): %.3f\n\n", float64(summary.TotalParameters*4)/1024/1024) // 4 bytes per float32
}
