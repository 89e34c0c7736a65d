package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	nsfw "github.com/afroximity/nsfw_ondevice"
	"github.com/afroximity/nsfw_ondevice/tfbackend"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	worker := flag.Bool("worker", false, "serve the boundary protocol on stdin/stdout")
	process := flag.Bool("process", false, "run the boundary in a child process")
	flag.Parse()

	if !*worker && flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: example [-config file] [-process] image...")
		os.Exit(2)
	}

	cfg := nsfw.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = nsfw.LoadConfig(*configPath); err != nil {
			logrus.Fatalf("unable to load config: %v", err)
		}
	}
	logger := cfg.Logger()
	// stdout carries protocol frames in worker mode
	logger.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := nsfw.DefaultFactory(cfg, logger)
	factory.Register(tfbackend.New(tfbackend.FromConfig(cfg)))
	boundaryOpts := []nsfw.BoundaryOption{
		nsfw.WithFactory(factory),
		nsfw.WithBoundaryLogger(logger),
	}

	if *worker {
		if err := nsfw.ServeStdio(ctx, cfg, boundaryOpts...); err != nil {
			logger.Fatalf("worker stopped: %v", err)
		}
		return
	}

	opts := []nsfw.Option{
		nsfw.WithLogger(logger),
		nsfw.WithBoundaryOptions(boundaryOpts...),
		nsfw.WithProgress(func(s nsfw.State) {
			logger.Infof("model %s", s)
		}),
	}
	if *process {
		args := []string{"-worker"}
		if *configPath != "" {
			args = append(args, "-config", *configPath)
		}
		opts = append(opts, nsfw.WithSpawner(nsfw.ProcessSpawner{Args: args, Logger: logger}))
	}

	classifier, err := nsfw.New(cfg, opts...)
	if err != nil {
		logger.Fatal("unable to create classifier: ", err)
	}
	defer classifier.Close()

	ready, err := classifier.WaitForReady(ctx)
	if err != nil {
		logger.Fatal("waiting for model: ", err)
	}
	if !ready.Success {
		logger.Fatal("model failed to load: ", ready.Error)
	}
	logger.Infof("model ready on %s", ready.Backend)

	for _, path := range flag.Args() {
		t, err := nsfw.LoadImageTensor(path)
		if err != nil {
			logger.Errorf("unable to load %s: %v", path, err)
			continue
		}
		res, err := classifier.Classify(ctx, t)
		if err != nil {
			logger.Errorf("unable to classify %s: %v", path, err)
			continue
		}
		fmt.Printf("%s: %s\n", path, res.Describe())
	}
}
