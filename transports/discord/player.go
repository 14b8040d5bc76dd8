package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"waifubot/core"
	"waifubot/voice"
)

// sendTimeout bounds how long one Opus frame may wait for the voice
// connection's send loop.
const sendTimeout = 5 * time.Second

var opusTags = []byte("OpusTags")

// Player transcodes audio files with ffmpeg into 48kHz stereo Opus, one 20ms
// frame per Ogg page, and feeds the frames to a voice connection.
type Player struct {
	ffmpegPath string
	bitrateK   int
	logger     *core.Logger
}

func NewPlayer(config Config, logger *core.Logger) *Player {
	config = config.withDefaults()
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Player{
		ffmpegPath: config.FFmpegPath,
		bitrateK:   config.OpusBitrateK,
		logger:     logger.With(map[string]interface{}{"component": "discord_player"}),
	}
}

func (p *Player) args(path string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-map", "0:a",
		"-c:a", "libopus",
		"-b:a", strconv.Itoa(p.bitrateK) + "k",
		"-ar", "48000",
		"-ac", "2",
		"-frame_duration", "20",
		"-page_duration", "20000",
		"-f", "ogg",
		"pipe:1",
	}
}

// opusSink is the part of a voice connection the player drives.
type opusSink interface {
	Speaking(bool) error
	frames() chan<- []byte
}

// playback is a running ffmpeg process streaming into a voice connection.
type playback struct {
	cancel context.CancelFunc
}

func (pb *playback) Stop() { pb.cancel() }

// Start launches ffmpeg for path and streams its output to sink. onComplete
// runs exactly once: with nil when the file played to the end,
// voice.ErrPlaybackStopped after Stop, or the failure otherwise.
func (p *Player) Start(sink opusSink, path string, onComplete func(error)) (voice.Playback, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, p.ffmpegPath, p.args(path)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	pb := &playback{cancel: cancel}
	go func() {
		defer cancel()

		if err := sink.Speaking(true); err != nil {
			p.logger.Debug("Setting speaking flag failed", "error", err)
		}
		streamErr := streamOgg(ctx, stdout, sink.frames())
		if streamErr != nil {
			// Unblock ffmpeg if we stopped reading early.
			cancel()
			io.Copy(io.Discard, stdout)
		}
		waitErr := cmd.Wait()
		if err := sink.Speaking(false); err != nil {
			p.logger.Debug("Clearing speaking flag failed", "error", err)
		}

		switch {
		case ctx.Err() != nil && streamErr == nil, errors.Is(streamErr, context.Canceled):
			onComplete(voice.ErrPlaybackStopped)
		case streamErr != nil:
			onComplete(streamErr)
		case waitErr != nil:
			onComplete(fmt.Errorf("ffmpeg: %w: %s", waitErr, strings.TrimSpace(stderr.String())))
		default:
			onComplete(nil)
		}
	}()
	return pb, nil
}

// streamOgg demuxes an Ogg/Opus stream and forwards each audio page payload
// to out until EOF or ctx is done.
func streamOgg(ctx context.Context, r io.Reader, out chan<- []byte) error {
	reader, _, err := oggreader.NewWith(r)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read ogg header: %w", err)
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	for {
		payload, _, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read ogg page: %w", err)
		}
		if len(payload) == 0 || bytes.HasPrefix(payload, opusTags) {
			continue
		}

		timer.Reset(sendTimeout)
		select {
		case out <- payload:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errors.New("timed out sending opus frame")
		}
	}
}
