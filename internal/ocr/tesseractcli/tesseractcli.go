// Package tesseractcli runs the tesseract binary as an ocr.TextExtractor
// and needs no cgo
package tesseractcli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tendant/snap-ask/internal/ocr"
)

// Engine implements ocr.TextExtractor by running the tesseract binary
// with TSV output
type Engine struct {
	path string
}

// NewEngine creates an engine for the tesseract binary at path, or the
// one found in PATH when path is empty
func NewEngine(path string) *Engine {
	if path == "" {
		if p, err := exec.LookPath("tesseract"); err == nil {
			path = p
		} else {
			path = "tesseract"
		}
	}
	return &Engine{path: path}
}

func (e *Engine) Name() string { return "tesseract-cli" }

// Available reports whether the binary can be executed
func (e *Engine) Available() bool {
	return exec.Command(e.path, "--version").Run() == nil
}

func (e *Engine) Extract(ctx context.Context, image []byte, opts ocr.Options) (ocr.Result, error) {
	args := []string{"stdin", "stdout", "-l", opts.Language, "--psm", strconv.Itoa(opts.PageSegMode)}
	if opts.Whitelist != "" {
		args = append(args, "-c", "tessedit_char_whitelist="+opts.Whitelist)
	}
	args = append(args, "tsv")

	cmd := exec.CommandContext(ctx, e.path, args...)
	cmd.Stdin = bytes.NewReader(image)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 300 {
			msg = msg[:300] + "..."
		}
		return ocr.Result{}, ocr.Failure(e.Name(), fmt.Errorf("tesseract: %w: %s", err, msg))
	}

	return parseTSV(out)
}

// parseTSV rebuilds line-structured text from tesseract's TSV output and
// averages the confidence of recognized words
func parseTSV(data []byte) (ocr.Result, error) {
	type lineKey struct{ page, block, par, line string }

	var (
		lines   []string
		current []string
		lastKey lineKey
		sum     float64
		words   int
	)

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		cols := strings.Split(sc.Text(), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil {
			return ocr.Result{}, fmt.Errorf("parse confidence %q: %w", cols[10], err)
		}

		key := lineKey{cols[1], cols[2], cols[3], cols[4]}
		if len(current) > 0 && key != lastKey {
			lines = append(lines, strings.Join(current, " "))
			current = nil
		}
		lastKey = key
		current = append(current, text)

		if conf >= 0 {
			sum += conf
			words++
		}
	}
	if err := sc.Err(); err != nil {
		return ocr.Result{}, fmt.Errorf("read tsv: %w", err)
	}
	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " "))
	}

	res := ocr.Result{Text: strings.Join(lines, "\n")}
	if words > 0 {
		res.Confidence = sum / float64(words)
		res.HasConfidence = true
	}
	return res, nil
}
