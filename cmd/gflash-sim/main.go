package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/drunlade/go-bootflash/bootflash"
	"github.com/drunlade/go-bootflash/bootflash/bootflashtest"
)

var (
	port     = flag.String("p", "", "serial port to serve the simulated bootloader on")
	baud     = flag.Int("b", bootflash.DefaultBaudRate, "baud rate")
	output   = flag.String("o", "", "write the received image to this file")
	uid      = flag.String("uid", "", "device UID as 32 hex digits")
	fwVer    = flag.String("fw", bootflashtest.DefaultVersion, "announced bootloader version")
	interval = flag.Duration("interval", bootflashtest.DefaultInterval, "announcement interval")
	dropAcks = flag.Int("drop", 0, "withhold this many acks for every page")
	verbose  = flag.Bool("v", false, "verbose mode")
	help     = flag.Bool("h", false, "show help")
	version  = flag.Bool("version", false, "show version")
)

const versionString = "gflash-sim version 0.1.0"

// pollInterval is how often the serial port is checked for host frames
const pollInterval = 2 * time.Millisecond

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger().Level(level)

	if *port == "" {
		fmt.Fprintf(os.Stderr, "%s: -p is required\n", os.Args[0])
		showUsage(1)
	}

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	dev := bootflashtest.NewDevice(bootflash.SystemClock)
	dev.Version = *fwVer
	dev.Interval = *interval
	if *uid != "" {
		raw, err := hex.DecodeString(*uid)
		if err != nil || len(raw) != bootflash.DeviceUIDSize {
			log.Fatal().Str("uid", *uid).Msg("UID must be 32 hex digits")
		}
		copy(dev.UID[:], raw)
	}
	if *dropAcks > 0 {
		for page := 0; page < bootflash.MaxPages; page++ {
			dev.DropAcks[page] = *dropAcks
		}
	}

	sc, err := bootflash.OpenSerial(*port, *baud)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open port")
	}
	defer sc.Close()

	var link bootflash.Channel = sc
	if *verbose {
		link = bootflash.NewLoggingChannel(sc, bootflash.NewZerologLogger(log), "sim")
	}

	info := bootflash.DeviceInfo{UID: dev.UID, Version: dev.Version}
	log.Info().Str("port", *port).Msgf("announcing %s every %s", info, dev.Interval)

	if err := dev.Serve(ctx, link, pollInterval); err != nil {
		if ctx.Err() != nil {
			log.Warn().Msg("Cancelled.")
		} else {
			log.Error().Err(err).Msg("link failed")
		}
		sc.Close()
		os.Exit(1)
	}

	image := dev.Image()
	log.Info().
		Int("pages", len(image)/bootflash.PageSize).
		Uint32("timestamp", dev.Timestamp()).
		Msg("rebooted by host")

	if *output != "" {
		if err := os.WriteFile(*output, image, 0644); err != nil {
			log.Fatal().Err(err).Msg("failed to write image")
		}
		log.Info().Str("file", *output).Int("bytes", len(image)).Msg("image written")
	}
}

func signalContext(sigChan chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - serve a simulated bootloader on a serial port

Usage: %s -p PORT [options]

Options:
  -p PORT          serial port (one end of a null-modem cable or pty pair)
  -b BAUD          baud rate (default: %d)
  -o FILE          write the received image on reboot
  -uid HEX         device UID, 32 hex digits
  -fw VERSION      announced bootloader version
  -interval DUR    announcement interval (default: %s)
  -drop N          withhold N acks for every page to exercise retries
  -v               verbose mode
  -h               show this help message
  -version         show version

Example:
  socat -d -d pty,raw,echo=0 pty,raw,echo=0    # prints two /dev/pts paths
  %s -p /dev/pts/3 -o image.bin
  gflash -p /dev/pts/4 build/fw.bin

`, versionString, os.Args[0], bootflash.DefaultBaudRate, bootflashtest.DefaultInterval, os.Args[0])
	os.Exit(exitcode)
}
