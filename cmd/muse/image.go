package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/panel"
	"github.com/jxucoder/muse/stream"
	"github.com/jxucoder/muse/upload"
)

var (
	imageReq    panel.ImageRequest
	imageSource string
	imageOutDir string
)

var imageCmd = &cobra.Command{
	Use:   "image [prompt]",
	Short: "Generate images from a prompt",
	Long: `Generate images with the image engine. With --source the prompt
transforms an existing picture instead.

Example:
  muse image "a lighthouse at dawn, watercolor" --steps 30
  muse image "same scene at night" --source day.png --strength 0.6`,
	Args: cobra.ExactArgs(1),
	RunE: runImage,
}

func init() {
	f := imageCmd.Flags()
	f.StringVar(&imageReq.NegativePrompt, "negative", "", "negative prompt")
	f.IntVar(&imageReq.Width, "width", 0, "image width")
	f.IntVar(&imageReq.Height, "height", 0, "image height")
	f.IntVar(&imageReq.Steps, "steps", 0, "sampling steps")
	f.StringVar(&imageReq.LoRA, "lora", "", "LoRA model id")
	f.Float64Var(&imageReq.Strength, "strength", 0, "how far to move from --source (0..1)")
	f.StringVar(&imageSource, "source", "", "source image for image-to-image")
	f.StringVarP(&imageOutDir, "out", "o", ".", "directory for generated images")
	rootCmd.AddCommand(imageCmd)
}

func runImage(cmd *cobra.Command, args []string) error {
	imageReq.Prompt = args[0]

	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	out := cmd.OutOrStdout()
	done := make(chan stream.Outcome, 1)
	obs := stream.ObserverFuncs{
		Status: func(s model.StreamStatus) {
			fmt.Fprintln(out, colorize(out, ansiDim, "["+string(s)+"]"))
		},
		Outcome: func(o stream.Outcome) {
			select {
			case done <- o:
			default:
			}
		},
	}

	var (
		images func() []string
		cancel func() bool
		sessID string
	)
	if imageSource != "" {
		f, err := upload.FromPath(imageSource)
		if err != nil {
			return err
		}
		p, err := panel.NewImageToImage(ctx, app.Deps(), obs)
		if err != nil {
			return err
		}
		defer p.Close()
		images, cancel, sessID = p.Images, p.Cancel, p.Session().ID()
		if err := p.Transform(ctx, imageReq, upload.Set{Files: []upload.File{f}}); err != nil {
			return err
		}
	} else {
		p, err := panel.NewTextToImage(ctx, app.Deps(), obs)
		if err != nil {
			return err
		}
		defer p.Close()
		images, cancel, sessID = p.Images, p.Cancel, p.Session().ID()
		if err := p.Generate(ctx, imageReq); err != nil {
			return err
		}
	}

	var outcome stream.Outcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		cancel()
		outcome = <-done
	}
	if outcome.Status != model.StreamDone {
		if outcome.Status == model.StreamCancelled {
			fmt.Fprintln(out, colorize(out, ansiYellow, outcome.Message))
			return nil
		}
		return errors.New(outcome.Message)
	}

	list := images()
	if len(list) == 0 {
		return errors.New("the image engine returned no images")
	}
	for i, img := range list {
		path, err := saveImage(imageOutDir, fmt.Sprintf("%s-%d", shortID(sessID), i), img)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, colorize(out, ansiGreen, "✓ ")+path)
	}
	return nil
}

// saveImage writes a data URI to dir and returns its path. Other values are
// URLs served by the backend and are returned unchanged.
func saveImage(dir, name, img string) (string, error) {
	if !strings.HasPrefix(img, "data:") {
		return img, nil
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(img, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", errors.New("unsupported image encoding")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decoding image: %w", err)
	}
	ext := ".png"
	switch mediaType := strings.TrimSuffix(meta, ";base64"); mediaType {
	case "image/jpeg":
		ext = ".jpg"
	case "image/png", "":
	default:
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// writeAudio saves clip bytes to path, or to w when path is "-".
func writeAudio(w io.Writer, path string, data []byte) error {
	if path == "-" {
		_, err := w.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
