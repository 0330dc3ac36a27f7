package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/alohacam"
	"github.com/lanikai/alohacam/internal/config"
	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/media"
)

// Populated via -ldflags="-X ...". See Makefile.
var GitRevisionId string

var log = logging.DefaultLogger.WithTag("main")

// version displays information and exits successfully (GNU convention)
func version() {
	fmt.Println("alohacamd", GitRevisionId)
	fmt.Println("Copyright 2019 Lanikai Labs LLC. All rights reserved.")
}

// applyFlags lets flags given on the command line override the config file
// and environment.
func applyFlags(cfg *config.Config) error {
	changed := flag.CommandLine.Changed

	if changed("geometry") {
		r, err := media.ParseResolution(flagGeometry)
		if err != nil {
			return err
		}
		cfg.Sensor.Resolution = r
	}
	if changed("format") {
		f, err := media.ParsePixelFormat(flagFormat)
		if err != nil {
			return err
		}
		cfg.Sensor.Format = f
	}
	if changed("sensor") {
		cfg.Sensor.Model = flagSensor
	}
	if changed("bus") {
		cfg.Sensor.Bus = flagBus
	}
	if changed("hflip") {
		cfg.Sensor.Mirror = flagHorizontalFlip
	}
	if changed("vflip") {
		cfg.Sensor.Flip = flagVerticalFlip
	}
	if changed("input") {
		cfg.Capture.Device = flagInput
	}
	if changed("display") {
		cfg.Display.Device = flagDisplay
	}
	if changed("overlay") {
		cfg.Display.Overlay = flagOverlay
	}
	if changed("port") {
		cfg.Server.Port = flagPort
	}
	if changed("stream-port") {
		cfg.Server.StreamPort = flagStreamPort
	}
	if changed("mdns") {
		cfg.Server.MDNSName = flagMDNS
	}

	// Bench mode: synthetic sensor and frames.
	if flagBench {
		cfg.Sensor.Bus = config.SimulatedBus
		cfg.Capture.Device = config.TestPattern
	}
	return cfg.Validate()
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := applyFlags(cfg); err != nil {
		log.Fatalf("%v", err)
	}

	p, err := alohacam.NewPipeline(cfg, alohacam.Devices{})
	if err != nil {
		log.Fatalf("Bring-up failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("Received %v", sig)
		cancel()
	}()

	err = p.Run(ctx)
	cancel()
	p.Close()
	if err != nil {
		log.Fatalf("%v", err)
	}
}
