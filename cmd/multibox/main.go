// Command multibox runs target assignment, detection decoding or ROI sampling
// on a YAML batch fixture and prints the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/akamensky/argparse"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-multibox/config"
	"github.com/nvr-ai/go-multibox/detection"
	"github.com/nvr-ai/go-multibox/inference"
	"github.com/nvr-ai/go-multibox/models"
	"github.com/nvr-ai/go-multibox/sampling"
)

func check(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func main() {
	parser := argparse.NewParser("multibox", "Anchor target assignment and detection decoding")
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML configuration file", Default: ""})
	seed := parser.Int("s", "seed", &argparse.Options{Help: "Sampler seed, 0 for a random seed", Default: 0})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Debug logging", Default: false})
	profile := parser.Flag("p", "profile", &argparse.Options{Help: "Log metrics and timings on exit", Default: false})
	classes := parser.String("", "classes", &argparse.Options{Help: "Class names for detections: coco, voc or a comma-separated list", Default: ""})

	assignCmd := parser.NewCommand("assign", "Assign training targets to anchors")
	assignIn := assignCmd.String("i", "input", &argparse.Options{Help: "Batch fixture", Required: true})

	detectCmd := parser.NewCommand("detect", "Decode network outputs into detections")
	detectIn := detectCmd.String("i", "input", &argparse.Options{Help: "Batch fixture", Required: true})

	roisCmd := parser.NewCommand("rois", "Sample ROI minibatches")
	roisIn := roisCmd.String("i", "input", &argparse.Options{Help: "Batch fixture", Required: true})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	var logger *zap.Logger
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	check(err)
	defer logger.Sync()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		check(err)
		cfg = *loaded
	}

	input := *assignIn
	switch {
	case detectCmd.Happened():
		input = *detectIn
	case roisCmd.Happened():
		input = *roisIn
	}
	fix, err := loadFixture(input)
	check(err)

	b := inference.NewEngineBuilder().
		WithConfig(cfg).
		WithAnchors(boxes(fix.Anchors)).
		WithLogger(logger)
	if *seed != 0 {
		b = b.WithSampler(sampling.NewSeeded(uint64(*seed)))
	}
	engine, err := b.Build()
	check(err)
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var result any
	switch {
	case assignCmd.Happened():
		batch, err := fix.targetBatch(cfg.Target.NumClasses)
		check(err)
		res, err := engine.AssignBatch(ctx, batch)
		check(err)
		result = assignReport(res)
	case detectCmd.Happened():
		dets, err := engine.DetectBatch(ctx, fix.detectionBatch())
		check(err)
		if *classes == "" {
			result = dets
			break
		}
		set, err := models.ParseClassSet(*classes)
		check(err)
		if set.NumClasses() != cfg.Detection.NumClasses {
			logger.Warn("class set size differs from num_classes",
				zap.String("set", set.Style),
				zap.Int("set_classes", set.NumClasses()),
				zap.Int("num_classes", cfg.Detection.NumClasses))
		}
		result, err = detectReport(dets, set)
		check(err)
	case roisCmd.Happened():
		labels, err := fix.labels(cfg.RCNN.NumClasses)
		check(err)
		out, err := engine.SampleROIs(ctx, fix.rois(), labels)
		check(err)
		result = out
	}

	if *profile {
		engine.Profiler().Report()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	check(enc.Encode(result))
}

type sampleReport struct {
	Batch  int       `json:"batch"`
	Anchor int       `json:"anchor"`
	Class  string    `json:"class"`
	RPN    float32   `json:"rpn"`
	Weight float32   `json:"weight"`
	Reg    []float32 `json:"reg"`
}

func assignReport(res *inference.AssignResult) any {
	samples := make([]sampleReport, 0, len(res.Output.Samples))
	for _, s := range res.Output.Samples {
		samples = append(samples, sampleReport{
			Batch:  s.Batch,
			Anchor: s.Anchor,
			Class:  s.Class.String(),
			RPN:    s.RPN,
			Weight: s.Weight,
			Reg:    s.Reg,
		})
	}
	return struct {
		Capacity int            `json:"capacity"`
		Samples  []sampleReport `json:"samples"`
		Stats    any            `json:"stats"`
	}{res.Output.Capacity, samples, res.Stats}
}

type detectionReport struct {
	Class string    `json:"class"`
	Score float32   `json:"score"`
	Box   []float32 `json:"box"`
}

func detectReport(dets [][]detection.Detection, set *models.ClassSet) ([][]detectionReport, error) {
	out := make([][]detectionReport, len(dets))
	for i, img := range dets {
		out[i] = make([]detectionReport, 0, len(img))
		for _, d := range img {
			name, err := set.GetName(d.Class)
			if err != nil {
				return nil, err
			}
			out[i] = append(out[i], detectionReport{Class: name, Score: d.Score, Box: d.Box.Slice()})
		}
	}
	return out, nil
}
