// cmd/quality-check scores a local photo the same way the worker does,
// without a queue, object store or database.
//
// Usage:
//
//	./quality-check -input 45deg.jpg
//	./quality-check -input front_quarter.jpg -output thumb.jpg -size 600
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tendant/simple-photo-ingest/internal/dedup"
	"github.com/tendant/simple-photo-ingest/internal/img"
	"github.com/tendant/simple-photo-ingest/internal/keys"
	"github.com/tendant/simple-photo-ingest/internal/pipeline"
	"github.com/tendant/simple-photo-ingest/internal/quality"
	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

type report struct {
	File      string               `json:"file"`
	Width     int                  `json:"width"`
	Height    int                  `json:"height"`
	Exif      *schema.ExifData     `json:"exif,omitempty"`
	AngleDeg  *int                 `json:"angleDeg,omitempty"`
	ShotName  *string              `json:"shotName,omitempty"`
	Digest    string               `json:"digest"`
	Quality   schema.QualityResult `json:"quality"`
	Status    schema.ImageStatus   `json:"status"`
	Thumbnail string               `json:"thumbnail,omitempty"`
}

func main() {
	input := flag.String("input", "", "Input image path (required)")
	output := flag.String("output", "", "Write a square JPEG thumbnail here")
	size := flag.Int("size", 600, "Thumbnail edge in pixels")
	thumbQuality := flag.Int("quality", img.DefaultQuality, "Thumbnail JPEG quality")
	t := quality.DefaultThresholds()
	flag.IntVar(&t.SharpnessFail, "sharpness-fail", t.SharpnessFail, "Sharpness below this fails")
	flag.IntVar(&t.SharpnessWarn, "sharpness-warn", t.SharpnessWarn, "Sharpness below this warns")
	flag.Float64Var(&t.ClipFraction, "clip-fraction", t.ClipFraction, "Clipped fraction above this fails exposure")
	flag.Parse()

	if *input == "" {
		fmt.Fprintln(os.Stderr, "Error: -input flag is required")
		flag.Usage()
		os.Exit(2)
	}

	r, err := check(context.Background(), *input, t)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quality-check: %v\n", err)
		os.Exit(1)
	}
	if *output != "" {
		if err := writeThumbnail(*input, *output, *size, *thumbQuality); err != nil {
			fmt.Fprintf(os.Stderr, "quality-check: %v\n", err)
			os.Exit(1)
		}
		r.Thumbnail = *output
	}
	if err := printReport(os.Stdout, r); err != nil {
		fmt.Fprintf(os.Stderr, "quality-check: %v\n", err)
		os.Exit(1)
	}
}

func check(ctx context.Context, path string, t quality.Thresholds) (report, error) {
	engine, err := quality.NewEngine(t)
	if err != nil {
		return report{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return report{}, fmt.Errorf("read input: %w", err)
	}
	src, err := img.Decode(data)
	if err != nil {
		return report{}, err
	}
	q, err := engine.Evaluate(ctx, src.Image)
	if err != nil {
		return report{}, err
	}

	shot := keys.DeriveShot(filepath.Base(path))
	return report{
		File:     path,
		Width:    src.Width,
		Height:   src.Height,
		Exif:     src.Exif,
		AngleDeg: shot.AngleDeg,
		ShotName: shot.Name,
		Digest:   dedup.Digest(data),
		Quality:  q,
		Status:   pipeline.Decide(q),
	}, nil
}

func writeThumbnail(input, output string, size, q int) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	src, err := img.Decode(data)
	if err != nil {
		return err
	}
	thumb, err := img.Render(src.Image, size, q)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, thumb, 0o644); err != nil {
		return fmt.Errorf("write thumbnail: %w", err)
	}
	return nil
}

func printReport(w io.Writer, r report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
