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

	"github.com/drunlade/go-binproto/binproto"
)

var (
	port       = flag.String("p", "", "serial port device (e.g. /dev/ttyUSB1)")
	baud       = flag.Int("b", 115200, "baud rate")
	outDir     = flag.String("d", ".", "directory to write received files into")
	window     = flag.Int("w", 8, "advertised window size in packets")
	maxPayload = flag.Int("m", 512, "advertised maximum payload in bytes")
	compress   = flag.Bool("z", false, "advertise zlib decompression support")
	verbose    = flag.Bool("v", false, "verbose mode")
	logFile    = flag.String("log", "", "write a protocol debug log to this file")
	help       = flag.Bool("h", false, "show help")
	version    = flag.Bool("version", false, "show version")
)

const versionString = "bpdev version 0.1.0"

// bpdev emulates the device side of the protocol on a serial port, for
// exercising bpsend against a pty pair or a null-modem cable without
// real hardware.
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

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()

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

	transport, err := binproto.OpenSerial(*port, *baud)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer transport.Close()

	config := binproto.DefaultReceiverConfig()
	config.Capabilities.WindowSize = *window
	config.Capabilities.MaxPayload = *maxPayload
	if *compress {
		config.Capabilities.CompressFlags = binproto.CompressZlib
		config.Codec = binproto.ZlibCodec{}
	}
	config.Logger = logger
	config.Callbacks = &binproto.ReceiverCallbacks{
		OnTransferStart: func(header binproto.FileHeader) {
			if *verbose {
				fmt.Fprintf(os.Stderr, "Receiving: %s (%d bytes)\n", header.Name, header.Size)
			}
		},
		OnTransferComplete: func(name string, bytes int64) {
			fmt.Fprintf(os.Stderr, "%s: %d bytes\n", name, bytes)
		},
		OnTransferAborted: func(name string) {
			fmt.Fprintf(os.Stderr, "%s: aborted by host\n", name)
		},
		CreateFile: func(name string) (io.WriteCloser, error) {
			// The host names the destination; keep it inside the output
			// directory no matter what arrives.
			return os.Create(filepath.Join(*outDir, filepath.Base(name)))
		},
	}

	receiver := binproto.NewReceiver(transport, config)
	if *verbose {
		fmt.Fprintf(os.Stderr, "Listening on %s at %d baud\n", *port, *baud)
	}
	if err := receiver.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - emulate the device side of the transfer protocol

Usage: %s -p PORT [options]

Options:
  -p DEV           serial port device (required)
  -b N             baud rate (default: 115200)
  -d DIR           directory for received files (default: .)
  -w N             advertised window size in packets (default: 8)
  -m N             advertised maximum payload in bytes (default: 512)
  -z               advertise zlib decompression support
  -log FILE        write a protocol debug log
  -v, --verbose    verbose mode
  -h, --help       show this help message
  --version        show version

Examples:
  socat -d -d pty,raw,echo=0 pty,raw,echo=0   # make a linked pty pair
  %s -p /dev/pts/3 -d /tmp/incoming -z -v
  bpsend -p /dev/pts/4 firmware.bin

`, versionString, os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
