// Command srt-push streams an MPEG-TS file to an SRT listener at realtime
// pacing, looping forever. The unpatched loop seam produces a DTS jump at
// each restart, which makes it a convenient driver for exercising
// discontinuity handling in the buffering engine.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	srt "github.com/zsiec/srtgo"
)

// tsPacketSize is the fixed MPEG-TS packet size.
const tsPacketSize = 188

func main() {
	fileFlag := flag.String("file", "", "TS file to push")
	keyFlag := flag.String("key", "", "Stream key (default: filename without extension)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT server address")
	durationFlag := flag.Float64("duration", 60, "File duration in seconds, used for pacing")
	flag.Parse()

	filePath := *fileFlag
	if filePath == "" && flag.NArg() > 0 {
		filePath = flag.Arg(0)
	}
	if filePath == "" {
		fmt.Fprintf(os.Stderr, "Usage: srt-push --file stream.ts [--key mykey] [--addr host:port]\n")
		os.Exit(1)
	}

	streamID := *keyFlag
	if streamID == "" {
		base := filepath.Base(filePath)
		streamID = "live/" + base[:len(base)-len(filepath.Ext(base))]
	}

	pushLoop(filePath, streamID, *addrFlag, *durationFlag)
}

func pushLoop(filePath, streamID, addr string, duration float64) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
		os.Exit(1)
	}
	if len(data)%tsPacketSize != 0 {
		fmt.Fprintf(os.Stderr, "Warning: file size not a multiple of %d\n", tsPacketSize)
	}
	if duration <= 0 {
		duration = 60
	}

	bytesPerSec := float64(len(data)) / duration
	chunkSize := tsPacketSize * 7

	fmt.Printf("File: %s (%d packets, %.1fs, %.0f bytes/sec)\n",
		filePath, len(data)/tsPacketSize, duration, bytesPerSec)

	for {
		fmt.Printf("[%s] Connecting to SRT %s...\n", streamID, addr)

		cfg := srt.DefaultConfig()
		cfg.StreamID = streamID

		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v, retrying...\n", streamID, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] Connected, streaming continuously\n", streamID)
		writeErr := streamLoop(conn, data, bytesPerSec, chunkSize, streamID)
		conn.Close()

		if writeErr != nil {
			fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v, reconnecting...\n", streamID, writeErr)
			time.Sleep(time.Second)
		}
	}
}

func streamLoop(conn *srt.Conn, data []byte, bytesPerSec float64, chunkSize int, streamID string) error {
	globalStart := time.Now()
	var totalBytesSent int64
	lastLog := time.Now()
	const logInterval = 10 * time.Second

	for loop := 1; ; loop++ {
		if loop > 1 {
			fmt.Printf("[%s] Loop %d complete, restarting from offset 0 (total sent: %.1f MB)\n",
				streamID, loop-1, float64(totalBytesSent)/(1024*1024))
		}

		for i := 0; i < len(data); i += chunkSize {
			end := i + chunkSize
			if end > len(data) {
				end = len(data)
			}

			if _, err := conn.Write(data[i:end]); err != nil {
				return err
			}
			totalBytesSent += int64(end - i)

			// Pace against the global clock so timing is continuous across
			// loop boundaries.
			expectedTime := float64(totalBytesSent) / bytesPerSec
			elapsed := time.Since(globalStart).Seconds()
			if expectedTime > elapsed {
				time.Sleep(time.Duration((expectedTime - elapsed) * float64(time.Second)))
			}

			if time.Since(lastLog) >= logInterval {
				actualRate := float64(totalBytesSent) / time.Since(globalStart).Seconds()
				fmt.Printf("[%s] loop=%d rate=%.0f B/s (target=%.0f) total=%.1f MB\n",
					streamID, loop, actualRate, bytesPerSec,
					float64(totalBytesSent)/(1024*1024))
				lastLog = time.Now()
			}
		}
	}
}
