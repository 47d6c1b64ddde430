package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/panel"
	"github.com/jxucoder/muse/upload"
)

var (
	transcribeLanguage string
	transcribeNoWait   bool

	cloneText     string
	cloneName     string
	cloneLanguage string
	cloneOut      string

	speakVoice string
	speakSpeed float64
	speakOut   string
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe [media-file]",
	Short: "Transcribe an audio or video file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscribe,
}

var cloneVoiceCmd = &cobra.Command{
	Use:   "clone-voice [sample]",
	Short: "Speak text in the voice of an audio sample",
	Long: `Upload a voice sample and have the cloned voice read --text.

Example:
  muse clone-voice founder.wav --text "Welcome to the spring collection" -o welcome.wav`,
	Args: cobra.ExactArgs(1),
	RunE: runCloneVoice,
}

var speakCmd = &cobra.Command{
	Use:   "speak [text]",
	Short: "Synthesize speech",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpeak,
}

func init() {
	transcribeCmd.Flags().StringVarP(&transcribeLanguage, "language", "l", "", "spoken language hint")
	transcribeCmd.Flags().BoolVar(&transcribeNoWait, "no-wait", false, "return once the job is submitted")

	cloneVoiceCmd.Flags().StringVar(&cloneText, "text", "", "text for the cloned voice to read")
	cloneVoiceCmd.Flags().StringVar(&cloneName, "name", "", "voice name")
	cloneVoiceCmd.Flags().StringVarP(&cloneLanguage, "language", "l", "", "language of the text")
	cloneVoiceCmd.Flags().StringVarP(&cloneOut, "out", "o", "cloned.wav", `output file ("-" for stdout)`)
	cloneVoiceCmd.MarkFlagRequired("text")

	speakCmd.Flags().StringVar(&speakVoice, "voice", "", "voice id")
	speakCmd.Flags().Float64Var(&speakSpeed, "speed", 0, "speaking rate")
	speakCmd.Flags().StringVarP(&speakOut, "out", "o", "speech.mp3", `output file ("-" for stdout)`)

	rootCmd.AddCommand(transcribeCmd, cloneVoiceCmd, speakCmd)
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	media, err := upload.FromPath(args[0])
	if err != nil {
		return err
	}
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	handle, err := panel.NewSpeechToText(app.Deps()).Transcribe(ctx, panel.TranscribeRequest{
		Media:    upload.Set{Files: []upload.File{media}},
		Language: transcribeLanguage,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if err := followTask(ctx, out, handle, transcribeNoWait); err != nil || transcribeNoWait {
		return err
	}
	if res := handle.Result(); res.State == model.TaskSuccess {
		fmt.Fprintln(out, panel.Transcript(res))
	}
	return nil
}

func runCloneVoice(cmd *cobra.Command, args []string) error {
	sample, err := upload.FromPath(args[0])
	if err != nil {
		return err
	}
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	handle, err := panel.NewVoiceClone(app.Deps()).Clone(ctx, panel.CloneRequest{
		Text:     cloneText,
		Name:     cloneName,
		Language: cloneLanguage,
		Sample:   upload.Set{Files: []upload.File{sample}},
	})
	if err != nil {
		return err
	}
	out := cmd.ErrOrStderr()
	if err := followTask(ctx, out, handle, false); err != nil {
		return err
	}
	res := handle.Result()
	if res.State != model.TaskSuccess {
		return nil
	}
	if !res.Binary() {
		return errors.New("the voice engine returned no audio")
	}
	if err := writeAudio(cmd.OutOrStdout(), cloneOut, res.Data); err != nil {
		return err
	}
	if cloneOut != "-" {
		fmt.Fprintln(out, "Saved "+cloneOut)
	}
	return nil
}

func runSpeak(cmd *cobra.Command, args []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	audio, err := panel.NewTextToSpeech(app.Deps()).Speak(ctx, panel.SpeechRequest{
		Text:  args[0],
		Voice: speakVoice,
		Speed: speakSpeed,
	})
	if err != nil {
		return err
	}
	if err := writeAudio(cmd.OutOrStdout(), speakOut, audio.Data); err != nil {
		return err
	}
	if speakOut != "-" {
		fmt.Fprintln(cmd.ErrOrStderr(), "Saved "+speakOut)
	}
	return nil
}
