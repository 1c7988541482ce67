package main

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/ajitpratap0/memcap/internal/exec"
	"github.com/ajitpratap0/memcap/pkg/memory"
	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// summary is the outcome of one run as printed by the CLI
type summary struct {
	Scenario string
	QueryID  string
	Drivers  int
	State    string
	Cap      int64
	Peak     int64
	Rows     int64
	Duration time.Duration

	RSS       uint64
	HostTotal uint64
}

// collectProcessStats records the resident set of this process and the
// host's memory. Failures leave the fields at zero.
func (s *summary) collectProcessStats(log *zap.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		var info *process.MemoryInfoStat
		if info, err = proc.MemoryInfo(); err == nil {
			s.RSS = info.RSS
		}
	}
	if err != nil {
		log.Debug("process memory unavailable", zap.Error(err))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.HostTotal = vm.Total
	}
}

// Render writes the summary as a two-column table
func (s *summary) Render(w io.Writer) {
	capText := "none"
	if s.Cap > 0 {
		capText = memory.FormatBytes(s.Cap)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Run", "Value"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk([][]string{
		{"scenario", s.Scenario},
		{"query", s.QueryID},
		{"state", s.State},
		{"drivers", strconv.Itoa(s.Drivers)},
		{"cap", capText},
		{"peak reserved", memory.FormatBytes(s.Peak)},
		{"rows out", strconv.FormatInt(s.Rows, 10)},
		{"duration", s.Duration.Round(time.Millisecond).String()},
		{"process rss", memory.FormatBytes(int64(s.RSS))},
		{"host memory", memory.FormatBytes(int64(s.HostTotal))},
	})
	table.Render()
}

func newScenariosCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the built-in scenarios",
		Run: func(cmd *cobra.Command, args []string) {
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Name", "Drivers", "Splits", "Cap", "Description"})
			table.SetAutoFormatHeaders(false)
			for _, name := range exec.ScenarioNames() {
				s, _ := exec.LookupScenario(name)
				table.Append([]string{
					s.Name,
					strconv.Itoa(s.Drivers),
					strconv.Itoa(s.Splits),
					memory.FormatBytes(s.Cap),
					s.Description,
				})
			}
			table.Render()
		},
	}
}
