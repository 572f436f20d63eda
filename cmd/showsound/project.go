package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/shaban/showsound/project"
	"github.com/shaban/showsound/sound"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(12)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

var outputFile string

var bundleCmd = &cobra.Command{
	Use:   "bundle <project.json>",
	Short: "Pack a project and its sounds into a single archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runBundle,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <project>",
	Short: "Summarize a project or bundle without loading it",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	bundleCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output bundle path (default <project>.zip)")
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(inspectCmd)
}

func runBundle(cmd *cobra.Command, args []string) error {
	input := args[0]
	out := outputFile
	if out == "" {
		out = strings.TrimSuffix(input, filepath.Ext(input)) + ".zip"
	}

	lib := sound.NewLibrary(cfg.LibraryRoot)
	s, err := project.Import(input, project.Options{Library: lib})
	if err != nil {
		return err
	}
	if err := project.Export(out, s, project.Options{Bundle: true, Library: lib}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Bundled %d sounds into %s\n", len(s.Filenames()), out)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	s, packed, err := project.Inspect(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderSnapshot(args[0], s, packed))
	return nil
}

func renderSnapshot(name string, s *project.Snapshot, packed []string) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	b.WriteString(titleStyle.Render(filepath.Base(name)) + "\n")
	row("version", s.Version)
	if !s.Timestamp.IsZero() {
		row("saved", s.Timestamp.Local().Format("2006-01-02 15:04:05"))
	}
	row("buses", fmt.Sprint(len(s.Buses)))
	row("instances", fmt.Sprint(s.InstanceCount()))
	row("bindings", fmt.Sprint(len(s.Bindings)))

	ids := make([]int, 0, len(s.BusInstances))
	for id, list := range s.BusInstances {
		if len(list) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		var files []string
		for _, inst := range s.BusInstances[id] {
			files = append(files, inst.Filename)
		}
		row(fmt.Sprintf("bus %d", id), strings.Join(files, ", "))
	}

	if packed != nil {
		have := make(map[string]bool, len(packed))
		for _, p := range packed {
			have[p] = true
		}
		row("packed", fmt.Sprint(len(packed)))
		for _, f := range s.Filenames() {
			if !have[f] {
				b.WriteString(warnStyle.Render("missing from bundle: "+f) + "\n")
			}
		}
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}
