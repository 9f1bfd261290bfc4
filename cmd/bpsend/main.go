package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/drunlade/go-binproto/binproto"
)

var (
	port     = flag.String("p", "", "serial port device (e.g. /dev/ttyUSB0)")
	baud     = flag.Int("b", 115200, "baud rate")
	verbose  = flag.Bool("v", false, "verbose mode")
	quiet    = flag.Bool("q", false, "quiet mode")
	compress = flag.Bool("z", false, "compress payloads when the device supports it")
	dryRun   = flag.Bool("n", false, "dry run: full protocol, device discards data")
	blockSz  = flag.Int("s", 512, "preferred chunk size in bytes")
	window   = flag.Int("w", 8, "preferred window size in packets")
	timeout  = flag.Int("t", 500, "response timeout in milliseconds")
	logFile  = flag.String("log", "", "write a protocol debug log to this file")
	help     = flag.Bool("h", false, "show help")
	version  = flag.Bool("version", false, "show version")
)

const versionString = "bpsend version 0.1.0"

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}
	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}
	if *port == "" {
		fmt.Fprintf(os.Stderr, "%s: no serial port specified (-p)\n", os.Args[0])
		showUsage(1)
	}

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "%s: no files specified\n", os.Args[0])
		showUsage(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	var logger binproto.Logger = binproto.NoopLogger{}
	if *logFile != "" {
		fl, err := binproto.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer fl.Close()
		logger = fl
	}

	serialPort, err := binproto.OpenSerial(*port, *baud)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer serialPort.Close()

	var transport binproto.Transport = serialPort
	if *logFile != "" && *verbose {
		transport = binproto.NewLoggingTransport(serialPort, logger, "serial")
	}

	config := binproto.DefaultConfig()
	config.BlockSize = *blockSz
	config.WindowSize = *window
	config.ResponseTimeout = time.Duration(*timeout) * time.Millisecond
	if *compress {
		config.Codec = binproto.ZlibCodec{}
	}

	callbacks := &binproto.Callbacks{
		OnHandshake: func(caps binproto.DeviceCapabilities) {
			if *verbose && !*quiet {
				fmt.Fprintf(os.Stderr, "Device: window=%d maxPayload=%d compress=0x%02x\n",
					caps.WindowSize, caps.MaxPayload, caps.CompressFlags)
			}
		},
		OnProgress: func(name string, sent, total int64, rate float64) {
			if *quiet {
				return
			}
			percent := float64(0)
			if total > 0 {
				percent = float64(sent) / float64(total) * 100
			}
			fmt.Fprintf(os.Stderr, "\r%s: %.1f%% (%.1f KiB/s)", name, percent, rate/1024)
		},
		OnChunkRetry: func(chunk, attempt int, reason error) {
			if *verbose && !*quiet {
				fmt.Fprintf(os.Stderr, "\nRetry chunk %d (attempt %d): %v\n", chunk, attempt, reason)
			}
		},
		OnTransferComplete: func(name string, bytes int64, duration time.Duration) {
			if !*quiet {
				fmt.Fprintf(os.Stderr, "\n%s: %d bytes in %v\n", name, bytes, duration)
			}
		},
		OnError: func(err error, context string) {
			fmt.Fprintf(os.Stderr, "\nError in %s: %v\n", context, err)
		},
	}

	exitCode := 0
	for _, filename := range files {
		if err := sendOne(ctx, transport, config, callbacks, logger, filename); err != nil {
			exitCode = 1
			break
		}
	}
	os.Exit(exitCode)
}

// sendOne runs a fresh session for one file. Sessions are single-use; each
// file gets its own handshake.
func sendOne(ctx context.Context, transport binproto.Transport, config *binproto.Config,
	callbacks *binproto.Callbacks, logger binproto.Logger, filename string) error {

	file, err := os.Open(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", filename, err)
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error accessing %s: %v\n", filename, err)
		return err
	}
	if info.IsDir() {
		fmt.Fprintf(os.Stderr, "Skipping directory: %s\n", filename)
		return nil
	}

	session := binproto.NewSession(transport,
		binproto.WithConfig(config),
		binproto.WithCallbacks(callbacks),
		binproto.WithLogger(logger),
	)
	return session.Send(ctx, binproto.Transfer{
		Name:   filepath.Base(filename),
		Source: file,
		Size:   info.Size(),
		Dummy:  *dryRun,
	})
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
	fmt.Fprintf(os.Stderr, `%s - send files to a device over a serial link

Usage: %s -p PORT [options] file...

Options:
  -p DEV           serial port device (required)
  -b N             baud rate (default: 115200)
  -s N             preferred chunk size in bytes (default: 512)
  -w N             preferred window size in packets (default: 8)
  -t N             response timeout in milliseconds (default: 500)
  -z               compress payloads when the device supports it
  -n               dry run: run the protocol, device discards the data
  -log FILE        write a protocol debug log
  -q, --quiet      quiet mode, minimal output
  -v, --verbose    verbose mode
  -h, --help       show this help message
  --version        show version

Examples:
  %s -p /dev/ttyUSB0 firmware.bin
  %s -p /dev/ttyACM0 -z -v part1.gcode part2.gcode
  %s -p /dev/ttyUSB0 -n firmware.bin   # link check without writing

`, versionString, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
