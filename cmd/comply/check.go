package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/joss/comply/internal/analysis"
	"github.com/joss/comply/internal/checker"
	"github.com/joss/comply/internal/domain"
)

// maxImageBytes matches what the analysis API accepts inline.
const maxImageBytes = 20 << 20

type checkOptions struct {
	file        string
	image       string
	contentType string
	platform    string
	glob        string
}

func checkCmd() *cobra.Command {
	var o checkOptions

	cmd := &cobra.Command{
		Use:   "check [text]",
		Short: "Check content for compliance",
		Long: `Check marketing content for compliance.

Content is taken from the arguments, from --file, or from stdin when it is
not a terminal. Attach an image with --image. With --glob every matching
file is checked in turn until the monthly quota runs out.`,
		Example: `  comply check "Lose 10kg in a week with our tea"
  comply check --file ad.txt --platform instagram
  comply check --image banner.png "Summer sale"
  comply check --glob "campaigns/**/*.txt"`,
		Run: func(cmd *cobra.Command, args []string) {
			ct, err := parseContentType(o.contentType)
			if err != nil {
				exitOnError(err)
			}

			if o.glob != "" {
				runBatch(o, ct)
				return
			}

			req, err := buildRequest(args, o, ct, os.Stdin)
			if err != nil {
				exitOnError(err)
			}
			c := requireChecker(requireAnalyzer())
			record, err := c.RunCheck(context.Background(), req)
			if err != nil {
				exitOnError(err)
			}
			output(record, renderer().Check(*record))
		},
	}

	cmd.Flags().StringVarP(&o.file, "file", "f", "", "Read content from a file")
	cmd.Flags().StringVarP(&o.image, "image", "i", "", "Attach an image file")
	cmd.Flags().StringVarP(&o.contentType, "type", "t", "", "Content type: text, image or text_image (default inferred)")
	cmd.Flags().StringVarP(&o.platform, "platform", "p", "", "Target platform, e.g. instagram or tiktok")
	cmd.Flags().StringVar(&o.glob, "glob", "", "Check every file matching a pattern (supports **)")
	return cmd
}

func requireAnalyzer() analysis.Analyzer {
	an, err := requireApp().analyzer()
	if err != nil {
		exitOnError(err)
	}
	return an
}

func parseContentType(raw string) (domain.ContentType, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return domain.ParseContentType(raw)
}

// buildRequest assembles a check from args, --file, stdin and --image.
func buildRequest(args []string, o checkOptions, ct domain.ContentType, stdin *os.File) (checker.Request, error) {
	req := checker.Request{ContentType: ct, Platform: o.platform}

	switch {
	case len(args) > 0:
		req.Content = strings.Join(args, " ")
	case o.file != "":
		data, err := os.ReadFile(o.file)
		if err != nil {
			return req, fmt.Errorf("read content: %w", err)
		}
		req.Content = string(data)
	case stdin != nil && !term.IsTerminal(int(stdin.Fd())):
		data, err := io.ReadAll(stdin)
		if err != nil {
			return req, fmt.Errorf("read stdin: %w", err)
		}
		req.Content = string(data)
	}

	if o.image != "" {
		img, err := readImage(o.image)
		if err != nil {
			return req, err
		}
		req.Image = img
	}

	if strings.TrimSpace(req.Content) == "" && req.Image == nil {
		return req, errors.New("nothing to check: pass text, --file, --image or pipe content on stdin")
	}
	return req, nil
}

// readImage loads an image file as base64 with its MIME type.
func readImage(path string) (*domain.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image %s is larger than %d MB", path, maxImageBytes>>20)
	}

	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	if !strings.HasPrefix(mt, "image/") {
		return nil, fmt.Errorf("%s is not an image (%s)", path, mt)
	}
	return &domain.Image{Base64: base64.StdEncoding.EncodeToString(data), MimeType: mt}, nil
}

// batchResult is one line of a --glob run.
type batchResult struct {
	File   string              `json:"file"`
	Record *domain.CheckRecord `json:"record,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// matchFiles expands a doublestar pattern to regular files, sorted.
func matchFiles(pattern string) ([]string, error) {
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	return matches, nil
}

func runBatch(o checkOptions, ct domain.ContentType) {
	files, err := matchFiles(o.glob)
	if err != nil {
		exitOnError(err)
	}
	if len(files) == 0 {
		exitOnError(fmt.Errorf("no files match %q", o.glob))
	}

	c := requireChecker(requireAnalyzer())
	r := renderer()
	var results []batchResult
	failed := false

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			results = append(results, batchResult{File: f, Error: err.Error()})
			failed = true
			continue
		}
		record, err := c.RunCheck(context.Background(), checker.Request{
			Content:     string(data),
			ContentType: ct,
			Platform:    o.platform,
		})
		if err != nil {
			results = append(results, batchResult{File: f, Error: errorText(err)})
			failed = true
			if errors.Is(err, checker.ErrQuotaExceeded) {
				break
			}
			continue
		}
		results = append(results, batchResult{File: f, Record: record})
	}

	var sb strings.Builder
	for _, res := range results {
		fmt.Fprintf(&sb, "== %s\n", res.File)
		if res.Error != "" {
			fmt.Fprintf(&sb, "Error: %s\n\n", res.Error)
			continue
		}
		sb.WriteString(r.Check(*res.Record) + "\n")
	}
	output(results, sb.String())
	if failed {
		closeApp()
		os.Exit(1)
	}
}
