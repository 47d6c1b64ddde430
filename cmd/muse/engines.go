package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jxucoder/muse/panel"
)

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "Show inference engine status",
	Args:  cobra.NoArgs,
	RunE:  runEngines,
}

var engineStartCmd = &cobra.Command{
	Use:       "start [engine]",
	Short:     "Start an offline engine",
	Args:      cobra.ExactArgs(1),
	ValidArgs: panel.Engines,
	RunE:      runEngineStart,
}

func init() {
	enginesCmd.AddCommand(engineStartCmd)
	rootCmd.AddCommand(enginesCmd)
}

func runEngines(cmd *cobra.Command, args []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	app.Engines().Refresh(cmd.Context())
	out := cmd.OutOrStdout()
	rows := make([][]string, 0, len(panel.Engines))
	for _, st := range app.Engines().Snapshot() {
		rows = append(rows, []string{
			st.Name,
			engineState(out, st),
			string(app.Engines().PrimaryAction(st.Name)),
			st.Error,
		})
	}
	fmt.Fprintln(out, renderTable([]string{"ENGINE", "STATE", "ACTION", "ERROR"}, rows, nil))
	return nil
}

func engineState(w io.Writer, st panel.EngineStatus) string {
	switch {
	case st.Online:
		return colorize(w, ansiGreen, "online")
	case st.Starting:
		return colorize(w, ansiYellow, "starting")
	default:
		return colorize(w, ansiRed, "offline")
	}
}

func runEngineStart(cmd *cobra.Command, args []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Engines().StartEngine(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Engine %s is starting\n", args[0])
	return nil
}
