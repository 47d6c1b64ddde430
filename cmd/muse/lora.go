package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/panel"
	"github.com/jxucoder/muse/upload"
)

var (
	trainTrigger string
	trainSteps   int
	trainNoWait  bool
)

var loraCmd = &cobra.Command{
	Use:   "lora",
	Short: "Manage LoRA models",
}

var loraListCmd = &cobra.Command{
	Use:   "list",
	Short: "List LoRA models",
	Args:  cobra.NoArgs,
	RunE:  runLoRAList,
}

var loraFavoriteCmd = &cobra.Command{
	Use:   "favorite [model-id]",
	Short: "Toggle a model's favourite flag",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoRAFavorite,
}

var loraTrainCmd = &cobra.Command{
	Use:   "train [name] [image...]",
	Short: "Train a LoRA model from at least five images",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runLoRATrain,
}

func init() {
	loraTrainCmd.Flags().StringVar(&trainTrigger, "trigger", "", "trigger word")
	loraTrainCmd.Flags().IntVar(&trainSteps, "steps", 0, "training steps")
	loraTrainCmd.Flags().BoolVar(&trainNoWait, "no-wait", false, "return once the job is submitted")

	loraCmd.AddCommand(loraListCmd, loraFavoriteCmd, loraTrainCmd)
	rootCmd.AddCommand(loraCmd)
}

func runLoRAList(cmd *cobra.Command, args []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	models, err := app.LoRA().Refresh(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(models) == 0 {
		fmt.Fprintln(out, "No models found.")
		return nil
	}
	rows := make([][]string, 0, len(models))
	for _, m := range models {
		star := ""
		if m.Favorite {
			star = colorize(out, ansiYellow, "★")
		}
		rows = append(rows, []string{star, m.ID, m.Name, m.TriggerWord})
	}
	fmt.Fprintln(out, renderTable([]string{"", "ID", "NAME", "TRIGGER"}, rows, nil))
	return nil
}

func runLoRAFavorite(cmd *cobra.Command, args []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if _, err := app.LoRA().Refresh(cmd.Context()); err != nil {
		return err
	}
	favorite, err := app.LoRA().ToggleFavorite(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s favorite: %s\n", args[0], strconv.FormatBool(favorite))
	return nil
}

func runLoRATrain(cmd *cobra.Command, args []string) error {
	var images upload.Set
	for _, path := range args[1:] {
		f, err := upload.FromPath(path)
		if err != nil {
			return err
		}
		images.Add(f)
	}

	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	handle, err := app.LoRA().Train(ctx, panel.TrainRequest{
		Name:        args[0],
		TriggerWord: trainTrigger,
		Steps:       trainSteps,
		Images:      images,
	})
	if err != nil {
		return err
	}
	if err := followTask(ctx, cmd.OutOrStdout(), handle, trainNoWait); err != nil {
		return err
	}
	if handle.Result().State == model.TaskSuccess {
		fmt.Fprintln(cmd.OutOrStdout(), "Run `muse lora list` to see the new model.")
	}
	return nil
}
