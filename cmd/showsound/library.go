package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaban/showsound/sound"
)

var libraryRoot string

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "List the playable files in the sound library",
	Args:  cobra.NoArgs,
	RunE:  runLibrary,
}

func init() {
	libraryCmd.Flags().StringVar(&libraryRoot, "root", "", "library directory (overrides config)")
	rootCmd.AddCommand(libraryCmd)
}

func runLibrary(cmd *cobra.Command, args []string) error {
	root := cfg.LibraryRoot
	if libraryRoot != "" {
		root = libraryRoot
	}
	files, err := sound.NewLibrary(root).Scan()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, titleStyle.Render(root))
	if len(files) == 0 {
		fmt.Fprintln(w, warnStyle.Render("no playable files"))
		return nil
	}
	for _, f := range files {
		fmt.Fprintln(w, "  "+f)
	}
	return nil
}
