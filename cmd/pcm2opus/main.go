// ABOUTME: Offline PCM to Opus frame encoder
// ABOUTME: Reads raw s16le PCM and writes length-prefixed Opus frames
package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"io"
	"log"
	"os"

	"github.com/jitsi/opus-transcriber-proxy/pkg/frameenc"
)

var (
	inPath     = flag.String("in", "-", "Input raw s16le PCM file (- for stdin)")
	outPath    = flag.String("out", "-", "Output file (- for stdout), [len:2 BE][opus frame] records")
	rate       = flag.Int("rate", 48000, "Sample rate in Hz (8000, 12000, 16000, 24000, 48000)")
	channels   = flag.Int("channels", 1, "Channel count (1 or 2)")
	app        = flag.String("app", "voip", "Application profile: voip, audio, or lowdelay")
	bitrate    = flag.Int("bitrate", 0, "Target bitrate in bits/s (0 = engine default)")
	complexity = flag.Int("complexity", 0, "Encoder complexity 0-10 (0 = engine default)")
)

func main() {
	flag.Parse()
	log.SetFlags(0)

	application, err := frameenc.ParseApplication(*app)
	if err != nil {
		log.Fatalf("pcm2opus: %v", err)
	}

	enc, err := frameenc.New(*rate, *channels, application)
	if err != nil {
		log.Fatalf("pcm2opus: %v", err)
	}
	defer enc.Close()

	if *bitrate > 0 {
		if err := enc.SetBitrate(*bitrate); err != nil {
			log.Fatalf("pcm2opus: bitrate %d: %v", *bitrate, err)
		}
	}
	if *complexity > 0 {
		if err := enc.SetComplexity(*complexity); err != nil {
			log.Fatalf("pcm2opus: complexity %d: %v", *complexity, err)
		}
	}

	in := os.Stdin
	if *inPath != "-" {
		in, err = os.Open(*inPath)
		if err != nil {
			log.Fatalf("pcm2opus: %v", err)
		}
		defer in.Close()
	}

	outFile := os.Stdout
	if *outPath != "-" {
		outFile, err = os.Create(*outPath)
		if err != nil {
			log.Fatalf("pcm2opus: %v", err)
		}
		defer outFile.Close()
	}
	out := bufio.NewWriter(outFile)
	defer out.Flush()

	// One canonical 20ms frame per encode call, in stream order
	frame := make([]byte, enc.FrameBytes())
	packet := make([]byte, frameenc.MaxPacketSize)
	reader := bufio.NewReader(in)

	var frames int
	for {
		_, err := io.ReadFull(reader, frame)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			log.Printf("pcm2opus: dropping trailing partial frame")
			break
		}
		if err != nil {
			log.Fatalf("pcm2opus: read: %v", err)
		}

		n, err := enc.EncodeBytes(frame, packet)
		if err != nil {
			log.Fatalf("pcm2opus: encode frame %d: %v", frames, err)
		}

		var header [2]byte
		binary.BigEndian.PutUint16(header[:], uint16(n))
		if _, err := out.Write(header[:]); err != nil {
			log.Fatalf("pcm2opus: write: %v", err)
		}
		if _, err := out.Write(packet[:n]); err != nil {
			log.Fatalf("pcm2opus: write: %v", err)
		}
		frames++
	}

	log.Printf("pcm2opus: encoded %d frames (%d Hz, %d ch, %s)", frames, *rate, *channels, *app)
}
