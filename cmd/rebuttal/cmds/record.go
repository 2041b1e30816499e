package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/audio"
	"github.com/go-go-golems/rebuttal/pkg/config"
	"github.com/go-go-golems/rebuttal/pkg/recording"
	"github.com/go-go-golems/rebuttal/pkg/timeline"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type recordFlags struct {
	title    string
	duration time.Duration
	realtime bool
	drain    time.Duration
}

func newRecordCommand(r *root) *cobra.Command {
	f := &recordFlags{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one session, printing turns and insights as they arrive",
		Long: `Record captures audio from ffmpeg, a raw PCM file or stdin (16 kHz mono s16le),
streams it to the transcription provider and prints every finalized turn and
generated insight. It stops on Ctrl-C, after --duration, or when the input ends.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := r.settings()
			if err != nil {
				return err
			}
			if err := s.Transcription.Validate(); err != nil {
				return errors.Wrap(err, "transcription")
			}
			return runRecord(cmd.Context(), s, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.title, "title", "", "session title")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "stop after this long (0 means until interrupted)")
	cmd.Flags().BoolVar(&f.realtime, "realtime", true, "pace file and stdin input at the capture rate")
	cmd.Flags().DurationVar(&f.drain, "drain-timeout", 30*time.Second, "how long to wait for pending insights after stopping")
	cmd.Flags().String("source", "", "audio source: ffmpeg, file or stdin")
	cmd.Flags().String("file", "", "raw PCM file for --source file")
	cmd.Flags().String("device", "", "ffmpeg capture device")
	r.bind(cmd, "source", "audio.source")
	r.bind(cmd, "file", "audio.file")
	r.bind(cmd, "device", "audio.device")
	return cmd
}

func newSource(s config.AudioSettings, realtime bool) (audio.Source, func(), error) {
	switch s.Source {
	case config.AudioFile:
		fh, err := os.Open(s.File)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open audio file")
		}
		return audio.NewReaderSource(fh, realtime), func() { _ = fh.Close() }, nil
	case config.AudioStdin:
		return audio.NewReaderSource(os.Stdin, realtime), func() {}, nil
	default:
		return audio.NewFFmpegSource(s.FFmpeg), func() {}, nil
	}
}

func runRecord(parent context.Context, s config.Settings, f *recordFlags, out io.Writer) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	printer := newViewPrinter(out)
	unsubscribe := a.orchestrator.Subscribe(printer.offer)
	defer unsubscribe()

	src, closeSrc, err := newSource(s.Audio, f.realtime)
	if err != nil {
		return err
	}
	defer closeSrc()

	sess, err := a.orchestrator.StartSession(ctx, f.title)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "recording session %s (Ctrl-C to stop)\n", sess.ID)

	if err := src.Start(ctx, s.Audio.Format(), a.orchestrator.SendAudio); err != nil {
		_ = a.orchestrator.EndSession(context.Background())
		return errors.Wrap(err, "start audio source")
	}

	eg, egCtx := errgroup.WithContext(ctx)
	printDone := make(chan struct{})
	eg.Go(func() error {
		printer.run(printDone)
		return nil
	})
	eg.Go(func() error {
		defer close(printDone)
		var timeout <-chan time.Time
		if f.duration > 0 {
			timer := time.NewTimer(f.duration)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-egCtx.Done():
			log.Info().Str("component", "cli").Msg("interrupted")
		case <-timeout:
			log.Info().Str("component", "cli").Dur("duration", f.duration).Msg("duration reached")
		case <-src.Done():
			log.Info().Str("component", "cli").Msg("audio input ended")
		}
		if err := src.Stop(); err != nil {
			log.Warn().Err(err).Str("component", "cli").Msg("audio source stopped with error")
		}

		endCtx, cancel := context.WithTimeout(context.Background(), s.Transcription.CloseTimeout+5*time.Second)
		defer cancel()
		err := a.orchestrator.EndSession(endCtx)
		if err != nil && recording.KindOf(err) != recording.KindState {
			return err
		}
		a.drainInsights(f.drain)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	printer.flush(a.orchestrator.View())
	return printSummary(out, a.orchestrator.View())
}

// viewPrinter writes newly appeared turns and insights. Listeners must not block,
// so offer keeps only the latest snapshot for the printing goroutine.
type viewPrinter struct {
	out      io.Writer
	latest   chan recording.View
	turns    map[string]struct{}
	insights map[string]struct{}
	state    recording.State
}

func newViewPrinter(out io.Writer) *viewPrinter {
	return &viewPrinter{
		out:      out,
		latest:   make(chan recording.View, 1),
		turns:    map[string]struct{}{},
		insights: map[string]struct{}{},
	}
}

func (p *viewPrinter) offer(v recording.View) {
	for {
		select {
		case p.latest <- v:
			return
		default:
		}
		select {
		case <-p.latest:
		default:
		}
	}
}

func (p *viewPrinter) run(done <-chan struct{}) {
	for {
		select {
		case v := <-p.latest:
			p.flush(v)
		case <-done:
			return
		}
	}
}

func (p *viewPrinter) flush(v recording.View) {
	for _, e := range v.Timeline() {
		switch e.Kind {
		case timeline.KindTurn:
			if _, ok := p.turns[e.Turn.ID]; ok {
				continue
			}
			p.turns[e.Turn.ID] = struct{}{}
			_, _ = fmt.Fprintf(p.out, "[Turn %d] %s\n", e.Turn.TurnOrder, e.Turn.Transcript)
		case timeline.KindInsight:
			if _, ok := p.insights[e.Insight.ID]; ok {
				continue
			}
			p.insights[e.Insight.ID] = struct{}{}
			_, _ = fmt.Fprintf(p.out, "  >> %s: %s\n", e.Insight.Title, e.Insight.NotificationBody)
		}
	}
	if v.State == recording.StateError && p.state != recording.StateError && v.Failure != nil {
		_, _ = fmt.Fprintf(p.out, "!! %s error: %s\n", v.Failure.Kind, v.Failure.Message)
	}
	p.state = v.State
}

func printSummary(out io.Writer, v recording.View) error {
	if v.Session == nil {
		return nil
	}
	_, err := fmt.Fprintf(out, "session %s: %d turns, %d insights, audio %s, total %s\n",
		v.Session.ID,
		len(v.Turns),
		len(v.Insights),
		timeline.FormatDuration(v.Session.AudioDurationSeconds),
		timeline.FormatDuration(v.Session.SessionDurationSeconds),
	)
	return err
}
