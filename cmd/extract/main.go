package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/markdave123-py/contexta-gateway/internal/client"
	"github.com/markdave123-py/contexta-gateway/internal/core/normalizer"
	"github.com/markdave123-py/contexta-gateway/internal/logger"
	"github.com/markdave123-py/contexta-gateway/internal/models"
)

type options struct {
	server    string
	endpoint  string
	inputType string
	doi       string
	text      string
	pdf       string
	clientID  string
	apiKey    string
	bearer    string
	verbose   bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Submit an extraction job to the gateway and print the result",
		Long: `Submit a DOI, a block of text or a PDF to an extraction gateway, follow the
job's event stream and print the normalized extraction result as JSON.

Examples:
  extract --server http://localhost:8080 --endpoint ws://worker:8000/api/ws/extract --input-type doi --doi 10.1000/xyz
  extract --server http://localhost:8080 --endpoint ws://worker:8000/api/ws/extract --input-type pdf --pdf paper.pdf`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, stdout, stderr)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:8080", "gateway base URL")
	f.StringVar(&opts.endpoint, "endpoint", "", "worker websocket endpoint")
	f.StringVar(&opts.inputType, "input-type", "", "doi, text or pdf")
	f.StringVar(&opts.doi, "doi", "", "DOI to extract")
	f.StringVar(&opts.text, "text", "", "text to extract from")
	f.StringVar(&opts.pdf, "pdf", "", "path of a PDF to upload")
	f.StringVar(&opts.clientID, "client-id", "", "correlation id (default: random)")
	f.StringVar(&opts.apiKey, "api-key", "", "model provider API key forwarded to the worker")
	f.StringVar(&opts.bearer, "bearer", os.Getenv("GATEWAY_TOKEN"), "gateway bearer token")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log stream details to stderr")
	_ = cmd.MarkFlagRequired("endpoint")
	_ = cmd.MarkFlagRequired("input-type")

	return cmd
}

func run(ctx context.Context, opts *options, stdout, stderr io.Writer) error {
	sub := client.Submission{
		InputType:   models.InputType(opts.inputType),
		DOI:         opts.doi,
		TextContent: opts.text,
		Endpoint:    opts.endpoint,
		ClientID:    opts.clientID,
		APIKey:      opts.apiKey,
	}
	if sub.ClientID == "" {
		sub.ClientID = uuid.NewString()
	}

	switch sub.InputType {
	case models.InputDOI:
		if sub.DOI == "" {
			return errors.New("--doi is required for input type doi")
		}
	case models.InputText:
		if sub.TextContent == "" {
			return errors.New("--text is required for input type text")
		}
	case models.InputPDF:
		if opts.pdf == "" {
			return errors.New("--pdf is required for input type pdf")
		}
		f, err := os.Open(opts.pdf)
		if err != nil {
			return errors.Wrap(err, "open pdf")
		}
		defer f.Close()
		sub.PDF = f
		sub.PDFName = filepath.Base(opts.pdf)
	default:
		return errors.Newf("unsupported input type %q", opts.inputType)
	}

	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	log, err := logger.New(false, level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	consumer := client.NewConsumer(log, func(s client.State) {
		fmt.Fprintf(stderr, "state: %s\n", s)
	})
	c := client.New(opts.server, client.WithBearer(opts.bearer), client.WithLogger(log))

	raw, err := c.Extract(ctx, sub, consumer)
	if err != nil {
		return err
	}

	result := normalizer.Normalize(raw)
	if result == nil {
		return errors.New("no usable extraction data in result")
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
