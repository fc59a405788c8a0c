package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/drunlade/go-bootflash/bootflash"
	"github.com/drunlade/go-bootflash/bootflash/bootflashtest"
)

var (
	port     = flag.String("p", "", "serial port (default: auto-detect, or GFLASH_PORT)")
	baud     = flag.Int("b", bootflash.DefaultBaudRate, "baud rate")
	simulate = flag.Bool("simulate", false, "flash a simulated bootloader instead of a serial port")
	verbose  = flag.Bool("v", false, "verbose mode, trace every byte")
	quiet    = flag.Bool("q", false, "quiet mode")
	logFile  = flag.String("log", "", "protocol log file (JSON)")
	help     = flag.Bool("h", false, "show help")
	version  = flag.Bool("version", false, "show version")
)

const versionString = "gflash version 0.1.0"

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	log := newConsoleLogger()

	// Resolve firmware
	fwPath := flag.Arg(0)
	if fwPath == "" {
		found, err := findFirmware(".")
		if err != nil {
			log.Fatal().Err(err).Msg("no firmware given")
		}
		fwPath = found
	}
	firmware, err := loadFirmware(fwPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load firmware")
	}
	log.Info().Msgf("Firmware: %s (%.1f KB)", filepath.Base(fwPath), float64(len(firmware))/1024)

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	ch, closer, err := openChannel(log)
	if err != nil {
		log.Fatal().Err(err).Msg("connection failed")
	}
	defer closer.Close()

	// Protocol logger: JSON file if requested, console otherwise
	var protoLog bootflash.Logger = bootflash.NewZerologLogger(log)
	if *logFile != "" {
		fl, err := bootflash.NewFileLogger(*logFile)
		if err != nil {
			closer.Close()
			log.Fatal().Err(err).Msg("failed to open log file")
		}
		defer fl.Close()
		protoLog = fl
	}
	if *verbose || *logFile != "" {
		ch = bootflash.NewLoggingChannel(ch, protoLog, "link")
	}

	disp := newDisplay(log, *quiet)
	session := bootflash.NewSession(ch,
		bootflash.WithLogger(protoLog),
		bootflash.WithCallbacks(disp.callbacks()),
	)

	err = session.Flash(ctx, firmware)
	disp.finish()
	if err != nil {
		switch {
		case bootflash.IsCancelled(err):
			log.Warn().Msg("Cancelled.")
		case bootflash.IsHandshakeTimeout(err):
			log.Error().Msg("Timeout. Bootloader not found.")
		case bootflash.IsPageWriteFailed(err):
			log.Error().Err(err).Msgf("Write failed at page %d", bootflash.FailedPage(err))
		default:
			log.Error().Err(err).Msg("Flashing failed")
		}
		closer.Close()
		os.Exit(1)
	}

	stats := session.Stats()
	log.Debug().
		Int64("frames", stats.Frames).
		Int64("discarded", stats.BytesDiscarded).
		Int64("checksum_errors", stats.ChecksumErrors).
		Msg("link statistics")
}

func newConsoleLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	switch {
	case *verbose:
		level = zerolog.DebugLevel
	case *quiet:
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger().Level(level)
}

// openChannel opens the serial port or the simulator.
func openChannel(log zerolog.Logger) (bootflash.Channel, io.Closer, error) {
	if *simulate {
		dev := bootflashtest.NewDevice(bootflash.SystemClock)
		log.Info().Msg("Port: simulated bootloader")
		return dev, dev, nil
	}

	name := *port
	if name == "" {
		name = os.Getenv("GFLASH_PORT")
	}
	desc := "Custom"
	if name == "" {
		info, err := bootflash.FindPort()
		if err != nil {
			return nil, nil, err
		}
		name = info.Name
		desc = "Auto-Detected (Candidate)"
		if info.Matched {
			desc = fmt.Sprintf("Auto-Detected (%s:%s)", bootflash.USBVendorID, bootflash.USBProductID)
		}
	}

	sc, err := bootflash.OpenSerial(name, *baud)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Msgf("Port: %s [%s]", name, desc)
	return sc, sc, nil
}

// display renders session callbacks on the terminal.
type display struct {
	log     zerolog.Logger
	quiet   bool
	tty     bool
	spinner *progressbar.ProgressBar
	bar     *progressbar.ProgressBar
}

func newDisplay(log zerolog.Logger, quiet bool) *display {
	return &display{
		log:   log,
		quiet: quiet,
		tty:   term.IsTerminal(int(os.Stderr.Fd())),
	}
}

func (d *display) callbacks() *bootflash.Callbacks {
	return &bootflash.Callbacks{
		OnStatus: func(phase bootflash.Phase, message string) {
			if message == "waiting for bootloader" {
				d.log.Info().Msg("Waiting for bootloader (Hold PTT + Turn ON)...")
				return
			}
			d.log.Debug().Str("phase", phase.String()).Msg(message)
		},
		OnDeviceFound: func(info bootflash.DeviceInfo) {
			d.clearSpinner()
			d.log.Info().Msgf("Bootloader Found: %s (UID: %s...)", info.Version, info.ShortID())
		},
		OnProgress: d.progress,
		OnEvent: func(ev bootflash.Event) {
			switch ev.Type {
			case bootflash.EventWaiting:
				d.spin()
			case bootflash.EventAckTimeout, bootflash.EventAckMismatch:
				d.log.Debug().Err(ev.Err).Int("page", ev.Page).Int("attempt", ev.Attempt).Msg(ev.Type.String())
			case bootflash.EventFrameDropped:
				d.log.Debug().Err(ev.Err).Msg(ev.Type.String())
			case bootflash.EventConfirmIncomplete:
				d.log.Debug().Msg(ev.Message)
			}
		},
		OnComplete: func(r bootflash.Result) {
			if r.Success() {
				d.log.Info().Msgf("Flashed %d pages in %.1fs, rebooting", r.PagesWritten, r.Elapsed.Seconds())
			}
		},
	}
}

func (d *display) spin() {
	if d.quiet || !d.tty {
		return
	}
	if d.spinner == nil {
		d.spinner = progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("Waiting"),
			progressbar.OptionSpinnerType(14),
		)
	}
	_ = d.spinner.Add(1)
}

func (d *display) clearSpinner() {
	if d.spinner != nil {
		_ = d.spinner.Clear()
		d.spinner = nil
	}
}

func (d *display) progress(p bootflash.Progress) {
	if d.quiet {
		return
	}
	if !d.tty {
		if p.Done() || (p.Page+1)%16 == 0 {
			d.log.Info().Msgf("Page %d/%d (%.0f%%) %s", p.Page+1, p.TotalPages, p.Percentage, p.Stats())
		}
		return
	}

	if d.bar == nil {
		d.bar = progressbar.NewOptions(p.TotalPages,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription("Flashing"),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		)
	}
	if p.Done() {
		d.bar.Describe("Complete (" + p.Stats() + ")")
	} else {
		d.bar.Describe(p.Stats())
	}
	_ = d.bar.Set(p.Page + 1)
}

func (d *display) finish() {
	d.clearSpinner()
	if d.bar != nil {
		_ = d.bar.Finish()
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
	fmt.Fprintf(os.Stderr, `%s - flash firmware over the serial bootloader

Usage: %s [options] [firmware.bin]

Options:
  -p PORT          serial port (default: auto-detect by USB %s:%s)
  -b BAUD          baud rate (default: %d)
  -simulate        flash a simulated bootloader
  -log FILE        write a JSON protocol log
  -q               quiet mode, minimal output
  -v               verbose mode, trace every byte
  -h               show this help message
  -version         show version

Without a firmware argument the newest build/*.bin (not *packed.bin) is used,
then firmware.bin.

Examples:
  %s build/fw.bin                 # Auto-detect the port
  %s -p /dev/ttyUSB0 fw.bin       # Use a specific port
  %s -simulate -v fw.bin          # Dry run against the simulator

`, versionString, os.Args[0], bootflash.USBVendorID, bootflash.USBProductID, bootflash.DefaultBaudRate,
		os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
