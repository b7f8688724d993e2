package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"imgcls/checkpoint"
	"imgcls/config"
	"imgcls/data"
	"imgcls/metrics"
	"imgcls/model"
	"imgcls/serve"
	"imgcls/train"
	"imgcls/util"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <train|test|predict|serve|runs> [flags]\n", os.Args[0])
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "train":
		err = trainCmd(ctx, os.Args[2:])
	case "test":
		err = testCmd(ctx, os.Args[2:])
	case "predict":
		err = predictCmd(os.Args[2:])
	case "serve":
		err = serveCmd(ctx, os.Args[2:])
	case "runs":
		err = runsCmd(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		log.Fatal(err)
	}
}

func trainCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", config.Path(), "YAML config file")
	arch := fs.String("arch", config.ArchVGG16, "vgg16 or resnet18")
	trainDir := fs.String("data", "data/train", "training image folder, one subdirectory per class")
	testDir := fs.String("test", "data/test", "test image folder; empty skips testing")
	pretrained := fs.String("pretrained", "", "resnet18 backbone state dict")
	batchSize := fs.Int("batch", config.BatchSize, "batch size")
	lr := fs.Float64("lr", config.LearningRate, "learning rate")
	epochs := fs.Int("epochs", config.MaxEpochs, "number of epochs")
	workers := fs.Int("workers", config.Workers, "image decoding workers")
	device := fs.String("device", "auto", "auto, cpu or cuda")
	logDir := fs.String("logdir", "runs", "directory holding versioned runs")
	autoLR := fs.Bool("auto-lr-find", true, "tune the learning rate before fitting")
	autoBatch := fs.Bool("auto-scale-batch-size", true, "tune the batch size before fitting")
	fastDevRun := fs.Bool("fast-dev-run", false, "run a single train and test batch")
	seed := fs.Int64("seed", 1, "random seed")
	debug := fs.Bool("debug", false, "verbose logging")
	fs.Parse(args)
	util.SetDebug(*debug)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return err
		}
	}

	// flags given on the command line win over the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "arch":
			if cfg.Arch != *arch {
				cfg.Arch = *arch
				cfg.Data.ImageSize = 0
				cfg.Optimizer = config.Optimizer{}
			}
		case "data":
			cfg.Data.TrainDir = *trainDir
		case "test":
			cfg.Data.TestDir = *testDir
		case "pretrained":
			cfg.Pretrained = *pretrained
		case "batch":
			cfg.Data.BatchSize = *batchSize
		case "workers":
			cfg.Data.Workers = *workers
		case "epochs":
			cfg.Trainer.MaxEpochs = *epochs
		case "device":
			cfg.Trainer.Device = *device
		case "logdir":
			cfg.Trainer.LogDir = *logDir
			cfg.Trainer.MetricsDB = filepath.Join(*logDir, "metrics.sqlite")
		case "auto-lr-find":
			cfg.Trainer.AutoLRFind = *autoLR
		case "auto-scale-batch-size":
			cfg.Trainer.AutoScaleBatchSize = *autoBatch
		case "fast-dev-run":
			cfg.Trainer.FastDevRun = *fastDevRun
		case "seed":
			cfg.Trainer.Seed = *seed
		}
	})
	cfg.ApplyArchDefaults()
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "lr" {
			cfg.Optimizer.LearningRate = *lr
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}
	util.Debug(cfg)

	trainFolder, testFolder, err := scanFolders(cfg)
	if err != nil {
		return err
	}

	run, err := checkpoint.NewRun(cfg.Trainer.LogDir, cfg.Arch)
	if err != nil {
		return err
	}
	closeLog, err := util.InitLogger(run.Dir, "train")
	if err != nil {
		return err
	}
	defer closeLog()
	util.Logger.Printf("Run %s in %s", run.Meta.RunID, run.Dir)

	csvLogger, err := metrics.NewCSVLogger(run.Dir)
	if err != nil {
		return err
	}
	loggers, closeStore, err := withStore(cfg, run, metrics.Multi{csvLogger})
	if err != nil {
		return err
	}
	defer closeStore()
	defer loggers.Close()

	tr, err := train.New(cfg, run, loggers)
	if err != nil {
		return err
	}
	util.Logger.Printf("Using %s device", train.DeviceName(cfg.Trainer.Device))

	m, err := model.New(cfg)
	if err != nil {
		return err
	}
	if err := tr.Fit(ctx, m, trainFolder); err != nil {
		return err
	}
	if testFolder != nil {
		if _, err := tr.Test(ctx, m, testFolder); err != nil {
			return err
		}
	}
	return nil
}

func scanFolders(cfg *config.Config) (trainFolder, testFolder *data.Folder, err error) {
	if trainFolder, err = data.ScanFolder(cfg.Data.TrainDir); err != nil {
		return nil, nil, err
	}
	if err = trainFolder.CheckClasses(cfg.NumClasses); err != nil {
		return nil, nil, err
	}
	if cfg.Data.TestDir == "" {
		return trainFolder, nil, nil
	}
	if testFolder, err = data.ScanFolder(cfg.Data.TestDir); err != nil {
		return nil, nil, err
	}
	if err = data.SameClasses(trainFolder, testFolder); err != nil {
		return nil, nil, err
	}
	return trainFolder, testFolder, nil
}

// withStore adds the sqlite metrics store to loggers when one is configured.
func withStore(cfg *config.Config, run *checkpoint.Run, loggers metrics.Multi) (metrics.Multi, func(), error) {
	if cfg.Trainer.MetricsDB == "" {
		return loggers, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Trainer.MetricsDB), 0755); err != nil {
		return nil, nil, err
	}
	store, err := metrics.OpenStore(cfg.Trainer.MetricsDB)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics store %s: %w", cfg.Trainer.MetricsDB, err)
	}
	if err := store.StartRun(run.Meta.RunID, run.Meta.Arch, run.Meta.Version); err != nil {
		store.Close()
		return nil, nil, err
	}
	return append(loggers, store.Logger(run.Meta.RunID)), func() { store.Close() }, nil
}

// testCmd evaluates a finished run on a test folder and records the result
// in the run's meta.yaml.
func testCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	load := fs.String("load", "", "run directory")
	testDir := fs.String("test", "data/test", "test image folder")
	device := fs.String("device", "auto", "auto, cpu or cuda")
	workers := fs.Int("workers", config.Workers, "image decoding workers")
	fs.Parse(args)

	if *load == "" {
		return fmt.Errorf("test: -load is required")
	}
	run, err := checkpoint.OpenRun(*load)
	if err != nil {
		return err
	}
	m, err := model.Load(run)
	if err != nil {
		return err
	}

	hp := run.Meta.Hparams
	cfg := config.Default()
	cfg.Arch = run.Meta.Arch
	cfg.NumClasses = hp.NumClasses
	cfg.Data.ImageSize = hp.ImageSize
	cfg.Data.BatchSize = hp.BatchSize
	cfg.Data.Mean = hp.Mean
	cfg.Data.Std = hp.Std
	cfg.Data.TestDir = *testDir
	cfg.Data.Workers = *workers
	cfg.Trainer.Device = *device
	cfg.ApplyArchDefaults()

	folder, err := data.ScanFolder(*testDir)
	if err != nil {
		return err
	}
	if err := folder.CheckClasses(hp.NumClasses); err != nil {
		return err
	}
	if err := data.SameClasses(&data.Folder{Root: run.Dir, Classes: run.Meta.Classes}, folder); err != nil {
		return err
	}

	tr, err := train.New(cfg, run, metrics.Multi{})
	if err != nil {
		return err
	}
	res, err := tr.Test(ctx, m, folder)
	if err != nil {
		return err
	}
	fmt.Printf("test_loss=%.4f test_acc=%.4f samples=%d\n", res.Loss, res.Accuracy, res.Samples)
	return nil
}

func predictCmd(args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	load := fs.String("load", "", "run directory")
	k := fs.Int("k", 1, "number of labels to print per image")
	fs.Parse(args)

	if *load == "" {
		return fmt.Errorf("predict: -load is required")
	}
	p, err := model.NewPredictor("", *load)
	if err != nil {
		return err
	}

	for _, in := range fs.Args() {
		for _, pa := range strings.Split(in, ":") {
			fns, err := filepath.Glob(pa)
			if err != nil {
				return err
			}
			for _, fn := range fns {
				preds, err := p.PredictFile(fn, *k)
				if err != nil {
					return err
				}
				parts := make([]string, len(preds))
				for i, pr := range preds {
					parts[i] = fmt.Sprintf("%s (%.4f)", pr.Label, pr.Prob)
				}
				fmt.Printf("%s: %s\n", fn, strings.Join(parts, ", "))
			}
		}
	}
	return nil
}

func serveCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":18080", "listen address")
	models := fs.String("models", "", "comma separated run directories, each optionally name=dir")
	fs.Parse(args)

	if *models == "" {
		return fmt.Errorf("serve: -models is required")
	}
	reg := serve.NewRegistry()
	for _, entry := range strings.Split(*models, ",") {
		name, dir := "", entry
		if i := strings.Index(entry, "="); i >= 0 {
			name, dir = entry[:i], entry[i+1:]
		}
		p, err := model.NewPredictor(name, dir)
		if err != nil {
			return err
		}
		if err := reg.Add(p); err != nil {
			return err
		}
	}
	return serve.Serve(ctx, *addr, reg, 5*time.Second)
}

// runsCmd lists the runs recorded in a metrics store, or one metric series
// of a run.
func runsCmd(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	db := fs.String("db", "runs/metrics.sqlite", "metrics database")
	runID := fs.String("run", "", "run id whose series to print")
	series := fs.String("series", "train_loss", "metric name")
	fs.Parse(args)

	if _, err := os.Stat(*db); err != nil {
		return err
	}
	store, err := metrics.OpenStore(*db)
	if err != nil {
		return err
	}
	defer store.Close()

	if *runID != "" {
		points, err := store.Series(*runID, *series)
		if err != nil {
			return err
		}
		for _, p := range points {
			fmt.Printf("%d\t%g\n", p.Step, p.Value)
		}
		return nil
	}

	runs, err := store.Runs()
	if err != nil {
		return err
	}
	for _, r := range runs {
		finished := "running"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\tversion_%d\t%s\t%s\n", r.ID, r.Arch, r.Version, r.StartedAt.Format(time.RFC3339), finished)
	}
	return nil
}
