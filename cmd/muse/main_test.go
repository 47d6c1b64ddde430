package main

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"ID", "STATE"}, [][]string{{"t1", "SUCCESS"}, {"t2"}}, []columnAlignment{alignLeft, alignRight})
	for _, want := range []string{"ID", "STATE", "t1", "SUCCESS", "t2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
	if renderTable(nil, nil, nil) != "" {
		t.Fatal("expected empty output without headers")
	}
}

func TestColorizeOnlyOnTerminals(t *testing.T) {
	var buf bytes.Buffer
	if got := colorize(&buf, ansiGreen, "ok"); got != "ok" {
		t.Fatalf("expected plain text for a buffer, got %q", got)
	}
}

func TestDraftPrinterWritesGrowth(t *testing.T) {
	var buf bytes.Buffer
	p := &draftPrinter{w: &buf}
	p.update("")
	p.update("Subject: Hi")
	p.update("Subject: Hi\n\nBody")
	if buf.String() != "Subject: Hi\n\nBody" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestSaveImage(t *testing.T) {
	dir := t.TempDir()
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("PNGDATA"))

	path, err := saveImage(dir, "img-0", uri)
	if err != nil {
		t.Fatalf("saveImage: %v", err)
	}
	if filepath.Dir(path) != dir || filepath.Ext(path) != ".png" {
		t.Fatalf("unexpected path %q", path)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "PNGDATA" {
		t.Fatalf("unexpected content %q", data)
	}

	if got, err := saveImage(dir, "img-1", "https://cdn.example.com/a.png"); err != nil || got != "https://cdn.example.com/a.png" {
		t.Fatalf("URLs should pass through, got %q, %v", got, err)
	}
	if _, err := saveImage(dir, "img-2", "data:image/png,raw"); err == nil {
		t.Fatal("expected error for non-base64 data URI")
	}
}

func TestEmailParseCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader("**Subject:** Spring Sale\n\nFresh tulips are in.\n"))
	rootCmd.SetArgs([]string{"email", "parse"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := out.String(); got != "Subject: Spring Sale\n\nFresh tulips are in.\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestEmailRegenerateNeedsSession(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"email", "--regenerate"})
	defer func() {
		rootCmd.SetArgs(nil)
		emailRegenerate = false
	}()

	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--session") {
		t.Fatalf("expected --session error, got %v", err)
	}
}
