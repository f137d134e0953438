package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/textproc"
)

var version = "0.1.0-dev"

const usage = "usage: scribectl <normalize|summarize|transcribe|models|version> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "normalize":
		err = runNormalize(os.Args[2:], os.Stdin, os.Stdout)
	case "summarize":
		err = runSummarize(os.Args[2:], os.Stdin, os.Stdout)
	case "transcribe":
		err = runTranscribe(ctx, os.Args[2:], os.Stdout)
	case "models":
		err = runModels(ctx, os.Args[2:], os.Stdout, os.Stderr)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	return config.Load(path)
}

func runNormalize(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("normalize", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	text, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	n := textproc.NewNormalizer(textproc.OptionsFromConfig(cfg.Text))
	_, err = fmt.Fprintln(out, n.Normalize(strings.TrimSpace(string(text))))
	return err
}

func runSummarize(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("summarize", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	mode := fs.String("mode", "advanced", "Summary mode: basic or advanced")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	text, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	s := textproc.NewSummarizer(cfg.Text)
	_, err = fmt.Fprintln(out, s.Summarize(strings.TrimSpace(string(text)), textproc.ParseMode(*mode)))
	return err
}

func runTranscribe(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	file := fs.String("file", "", "WAV recording to transcribe")
	normalize := fs.Bool("normalize", false, "Normalize the transcript")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("transcribe: -file is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := quietLogger()
	manager, err := newManager(cfg, logger)
	if err != nil {
		return err
	}
	light, err := stt.NewRecognizer(cfg.STT.Light, cfg.STT.Language)
	if err != nil {
		return err
	}
	batch := stt.NewBatchRecognizer(light, manager, time.Duration(cfg.STT.TimeoutMS)*time.Millisecond, logger)
	tr, err := batch.Transcribe(ctx, *file)
	if err != nil {
		return err
	}
	text := tr.Text
	if *normalize {
		text = textproc.NewNormalizer(textproc.OptionsFromConfig(cfg.Text)).Normalize(text)
	}
	_, err = fmt.Fprintf(out, "%s\t%s\n", tr.Backend, text)
	return err
}

func runModels(ctx context.Context, args []string, out, progressOut io.Writer) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	addr := fs.String("addr", "", "Daemon address used by select (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New("usage: scribectl models <list|download|delete|select> [id]")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	manager, err := newManager(cfg, quietLogger())
	if err != nil {
		return err
	}

	if rest[0] == "list" {
		return printStatuses(out, manager.Statuses())
	}
	if len(rest) < 2 {
		return fmt.Errorf("models %s: variant id required", rest[0])
	}
	id := rest[1]
	switch rest[0] {
	case "download":
		err := manager.Download(ctx, id, func(s models.State) {
			fmt.Fprintf(progressOut, "\r%s %5.1f%%", id, s.Progress*100)
		})
		fmt.Fprintln(progressOut)
		return err
	case "delete":
		return manager.Delete(id)
	case "select":
		if _, err := manager.State(id); err != nil {
			return err
		}
		base := *addr
		if base == "" {
			base = fmt.Sprintf("http://%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port)
		}
		return selectRemote(ctx, base, id)
	default:
		return fmt.Errorf("unknown models command %q", rest[0])
	}
}

func printStatuses(out io.Writer, statuses []models.VariantStatus) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIER\tSTATE\tSELECTED")
	for _, s := range statuses {
		selected := ""
		if s.Selected {
			selected = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Tier, s.State.Phase, selected)
	}
	return tw.Flush()
}

// selectRemote switches the running daemon to variant id.
func selectRemote(ctx context.Context, base, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/models/"+id+"/select", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("select %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("select %s: %s: %s", id, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

func newManager(cfg config.Config, logger *slog.Logger) (*models.Manager, error) {
	return models.NewManager(models.Options{
		Config: cfg.Models,
		Loader: models.ExecLoader(cfg.STT.HeavyCommand, cfg.STT.Language),
		Logger: logger,
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
