// Command copilot listens to an interview through the local proxy and prints
// answer drafts as questions are detected.
//
// Audio is raw PCM16, 24 kHz mono, read from a file or standard input. Lines
// typed on standard input are treated as manual questions unless they start
// with a slash command.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/mendan/internal/app"
	"github.com/lukasbauer/mendan/internal/auth"
	"github.com/lukasbauer/mendan/internal/capture"
	"github.com/lukasbauer/mendan/internal/matcher"
	"github.com/lukasbauer/mendan/internal/observability/logging"
	"github.com/lukasbauer/mendan/internal/session"
)

func main() {
	cfg := app.LoadConfigFromEnv()

	var (
		proxyURL   = flag.String("proxy", "http://"+cfg.Addr(), "local proxy base URL")
		audioPath  = flag.String("audio", "", "raw PCM16 24kHz mono input; - reads stdin; empty runs text-only")
		realtime   = flag.Bool("realtime", true, "pace audio input at real time")
		silenceMs  = flag.Int("silence-ms", cfg.SilenceDurationMs, "VAD silence duration sent to the bridge")
		thresholds = flag.String("thresholds", cfg.MatcherThresholdsFile, "YAML file overriding matcher thresholds")
		profileID  = flag.String("profile", "", "profile id to use as answer context")
		autoStart  = flag.Bool("start", true, "start listening immediately")
		clientID   = flag.String("client", "copilot", "client id placed in the proxy token")
	)
	flag.Parse()

	closer := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     "console",
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Redact:     cfg.Secrets(),
	})
	defer closer.Close()
	log := logging.WithComponent("copilot")

	if err := run(cfg, options{
		proxyURL:   *proxyURL,
		audioPath:  *audioPath,
		realtime:   *realtime,
		silenceMs:  *silenceMs,
		thresholds: *thresholds,
		profileID:  *profileID,
		autoStart:  *autoStart,
		clientID:   *clientID,
	}, log); err != nil {
		log.Fatal().Err(err).Msg("copilot stopped")
	}
}

type options struct {
	proxyURL   string
	audioPath  string
	realtime   bool
	silenceMs  int
	thresholds string
	profileID  string
	autoStart  bool
	clientID   string
}

func run(cfg app.Config, opts options, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	th, err := matcher.LoadThresholds(opts.thresholds)
	if err != nil {
		return err
	}

	var token string
	if cfg.JWTSecret != "" {
		token, _, err = auth.New(cfg.JWTSecret, cfg.JWTExpiry).Issue(opts.clientID)
		if err != nil {
			return fmt.Errorf("issue proxy token: %w", err)
		}
	}
	proxy, err := session.NewProxyClient(session.ProxyConfig{BaseURL: opts.proxyURL, Token: token}, log)
	if err != nil {
		return err
	}

	var src capture.Source
	if opts.audioPath != "" {
		pace := time.Duration(0)
		if opts.realtime {
			pace = capture.FrameInterval
		}
		src = capture.NewFileSource(opts.audioPath, pace, logging.WithComponent("capture"))
	}

	orch := session.New(session.Config{
		Proxy:     proxy,
		Matcher:   matcher.New(th),
		Source:    src,
		SilenceMs: opts.silenceMs,
		Log:       logging.WithComponent("session"),
	})
	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()
	go render(ctx, orch.Updates(), os.Stdout)

	if profiles, err := proxy.Profiles(ctx); err != nil {
		log.Warn().Err(err).Msg("profiles unavailable")
	} else if err := orch.SetProfiles(ctx, profiles); err != nil {
		return err
	}
	if opts.profileID != "" {
		id, err := uuid.Parse(opts.profileID)
		if err != nil {
			return fmt.Errorf("invalid -profile: %w", err)
		}
		if err := orch.SelectProfile(ctx, id); err != nil {
			return err
		}
	}

	if opts.autoStart {
		if err := orch.Start(ctx); err != nil {
			log.Error().Err(err).Msg("start failed")
		}
	}

	// Stdin carries audio when -audio is "-"; commands are unavailable then.
	if opts.audioPath != "-" {
		go readCommands(ctx, orch, os.Stdin, stop, log)
	}

	<-ctx.Done()
	return <-runErr
}

func readCommands(ctx context.Context, orch *session.Orchestrator, in io.Reader, quit func(), log zerolog.Logger) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "/quit":
			quit()
			return
		case "/start":
			err = orch.Start(ctx)
		case "/stop":
			err = orch.Stop(ctx)
		case "/current":
			err = orch.GenerateFromCurrent(ctx)
		case "/probe":
			err = orch.Probe(ctx, arg)
		case "/clear":
			err = orch.ClearSession(ctx)
		case "/clear-history":
			err = orch.ClearHistory(ctx)
		case "/profile":
			var id uuid.UUID
			if id, err = uuid.Parse(strings.TrimSpace(arg)); err == nil {
				err = orch.SelectProfile(ctx, id)
			}
		default:
			err = orch.GenerateFromText(ctx, line)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("command", cmd).Msg("command failed")
		}
	}
}

// render prints what changed between snapshots.
func render(ctx context.Context, updates <-chan session.Snapshot, out io.Writer) {
	var last session.Snapshot
	lastPhase := session.PhaseIdle
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-updates:
			if p := s.Phase(); p != lastPhase {
				fmt.Fprintf(out, "[%s]\n", p)
				lastPhase = p
			}
			if s.Transcript.Finalized != last.Transcript.Finalized && s.Transcript.Finalized != "" {
				fmt.Fprintf(out, "質問: %s (%s, %.2f)\n", s.Transcript.Finalized, s.Debug.Category, s.Debug.Confidence)
			}
			if s.Stage0Template != last.Stage0Template && s.Stage0Template != session.InitialStage0 {
				fmt.Fprintf(out, "即時テンプレ:\n%s\n", s.Stage0Template)
			}
			if s.Stage1Status == session.StageDone && last.Stage1Status != session.StageDone {
				fmt.Fprintf(out, "10秒回答: %s\n", s.QuickAnswer)
			}
			if s.Stage2Status == session.StageDone && last.Stage2Status != session.StageDone {
				fmt.Fprintf(out, "続き: %s\n", s.Continuation)
				if s.Stage2 != nil {
					for _, f := range s.Stage2.Followups {
						fmt.Fprintf(out, "  Q: %s\n  A: %s\n", f.Question, f.SuggestedAnswer)
					}
				}
			}
			if s.Error != last.Error && s.Error != "" {
				fmt.Fprintf(out, "エラー: %s\n", s.Error)
			}
			if s.Warning != last.Warning && s.Warning != "" {
				fmt.Fprintf(out, "警告: %s\n", s.Warning)
			}
			last = s
		}
	}
}
