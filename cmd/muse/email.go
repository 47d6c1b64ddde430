package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/panel"
	"github.com/jxucoder/muse/stream"
	"github.com/jxucoder/muse/upload"
)

var (
	emailTransport  string
	emailSession    string
	emailRegenerate bool

	sendSubject     string
	sendBody        string
	sendRecipients  string
	sendAttachments []string
	sendNoWait      bool
)

var emailCmd = &cobra.Command{
	Use:   "email [prompt]",
	Short: "Stream a marketing email draft",
	Long: `Draft a marketing email and stream it to the terminal.

Example:
  muse email "spring sale for florists, 20% off bouquets"
  muse email --session 6f1c... "make it shorter"
  muse email --session 6f1c... --regenerate`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEmail,
}

var emailParseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Split a draft into subject and body",
	Long:  "Read a draft from file (or stdin when omitted or \"-\") and print its subject and body.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEmailParse,
}

var emailSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send an email to a recipient list",
	Long: `Send an email to every address in a CSV recipient list as a background job.

Example:
  muse email send --subject "Spring sale" --body "$(cat body.txt)" \
      --recipients customers.csv --attach flyer.pdf`,
	Args: cobra.NoArgs,
	RunE: runEmailSend,
}

func init() {
	emailCmd.Flags().StringVarP(&emailTransport, "transport", "t", string(model.TransportWebSocket), "transport: websocket, sse or oneshot")
	emailCmd.Flags().StringVarP(&emailSession, "session", "s", "", "continue a stored conversation")
	emailCmd.Flags().BoolVar(&emailRegenerate, "regenerate", false, "redraft the session's last prompt")

	emailSendCmd.Flags().StringVar(&sendSubject, "subject", "", "email subject")
	emailSendCmd.Flags().StringVar(&sendBody, "body", "", "email body")
	emailSendCmd.Flags().StringVar(&sendRecipients, "recipients", "", "CSV recipient list")
	emailSendCmd.Flags().StringSliceVar(&sendAttachments, "attach", nil, "attachment (repeatable)")
	emailSendCmd.Flags().BoolVar(&sendNoWait, "no-wait", false, "return once the job is submitted")
	emailSendCmd.MarkFlagRequired("recipients")

	emailCmd.AddCommand(emailParseCmd, emailSendCmd)
	rootCmd.AddCommand(emailCmd)
}

func runEmail(cmd *cobra.Command, args []string) error {
	var prompt string
	if len(args) == 1 {
		prompt = args[0]
	}
	if emailRegenerate && emailSession == "" {
		return errors.New("--regenerate needs --session")
	}
	if !emailRegenerate && strings.TrimSpace(prompt) == "" {
		return errors.New("a prompt is required")
	}

	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if emailRegenerate {
		sess, err := app.Deps().Store.GetSession(emailSession)
		if err != nil {
			return fmt.Errorf("loading session %s: %w", emailSession, err)
		}
		if sess.Prompt == "" {
			return errors.New("session has no prompt to regenerate")
		}
		prompt = sess.Prompt
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	out := cmd.OutOrStdout()
	printer := &draftPrinter{w: out}
	done := make(chan stream.Outcome, 1)
	assistant, err := panel.NewEmailAssistant(ctx, app.Deps(), panel.EmailOptions{
		Transport: model.TransportKind(emailTransport),
		SessionID: emailSession,
		Observer:  stream.ObserverFuncs{
			Text:    printer.update,
			Outcome: func(o stream.Outcome) {
				select {
				case done <- o:
				default:
				}
			},
		},
	})
	if err != nil {
		return err
	}
	defer assistant.Close()

	fmt.Fprintln(out, colorize(out, ansiDim, "session "+assistant.Session().ID()))
	if err := assistant.Generate(ctx, prompt); err != nil {
		return err
	}

	var outcome stream.Outcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		assistant.Cancel()
		outcome = <-done
	}
	fmt.Fprintln(out)

	switch outcome.Status {
	case model.StreamDone:
		subject, _ := assistant.Draft()
		if subject != "" {
			fmt.Fprintln(out, colorize(out, ansiGreen, "✓ Subject: ")+subject)
		}
		return nil
	case model.StreamCancelled:
		fmt.Fprintln(out, colorize(out, ansiYellow, outcome.Message))
		return nil
	default:
		return errors.New(outcome.Message)
	}
}

// draftPrinter writes the growth of the accumulated text.
type draftPrinter struct {
	w       io.Writer
	mu      sync.Mutex
	printed string
}

func (p *draftPrinter) update(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.HasPrefix(text, p.printed) {
		io.WriteString(p.w, text[len(p.printed):])
	} else if text != "" {
		io.WriteString(p.w, "\n"+text)
	}
	p.printed = text
}

func runEmailParse(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading draft: %w", err)
	}

	subject, body := panel.ParseEmail(string(data))
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n\n%s\n", colorize(out, ansiCyan, "Subject:"), subject, body)
	return nil
}

func runEmailSend(cmd *cobra.Command, args []string) error {
	var req panel.BulkEmail
	req.Subject = sendSubject
	req.Body = sendBody

	recipients, err := upload.FromPath(sendRecipients)
	if err != nil {
		return err
	}
	req.Recipients.Add(recipients)
	for _, path := range sendAttachments {
		f, err := upload.FromPath(path)
		if err != nil {
			return err
		}
		req.Attachments.Add(f)
	}

	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	assistant, err := panel.NewEmailAssistant(ctx, app.Deps(), panel.EmailOptions{})
	if err != nil {
		return err
	}
	defer assistant.Close()

	handle, err := assistant.SendBulk(ctx, req)
	if err != nil {
		return err
	}
	return followTask(ctx, cmd.OutOrStdout(), handle, sendNoWait)
}
