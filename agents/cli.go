package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	pkg "github.com/bt-bridge/writing-session"
	"github.com/bt-bridge/writing-session/shared"
	"go.uber.org/zap"
)

var errQuit = errors.New("quit")

const usage = `commands:
  start                 start a new round
  resume                resume the current round
  hint <message>        ask the assistant for help
  name <display name>   change the round's display name
  submit <sentence>     submit a sentence for the picture
  evaluate              evaluate the submitted sentence
  end                   end the session
  state                 print the session state
  help                  show this help
  quit                  leave without ending the session`

// CLIAgent plays a writing session from line commands read from an input
// stream and prints the outcome of every round trip.
type CLIAgent struct {
	logger        shared.LoggerAdapter
	printer       *shared.Printer
	client        *pkg.Client
	cfg           *shared.Config
	leaderboardID int
	now           func() time.Time

	mu           sync.Mutex
	attemptStart time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *shared.Config,
	tokens pkg.TokenSource,
	leaderboardID int,
	printer *shared.Printer,
	in io.Reader,
	opts ...pkg.ClientOption,
) error {
	a.done = make(chan struct{})
	fail := func(err error) error {
		close(a.done)
		return err
	}
	if logger == nil {
		return fail(shared.ErrNoLogger)
	}
	if cfg == nil {
		return fail(shared.ErrNoConfig)
	}
	if tokens == nil {
		return fail(shared.ErrNoTokenSource)
	}
	if printer == nil {
		return fail(errors.New("no printer provided"))
	}
	if in == nil {
		return fail(errors.New("no input provided"))
	}
	a.logger = logger
	a.printer = printer
	a.cfg = cfg
	a.leaderboardID = leaderboardID
	if a.now == nil {
		a.now = time.Now
	}
	a.logger.Info("spawning CLI agent", zap.Int("leaderboard_id", leaderboardID))
	a.print("🤖 Spawning CLI agent...\n", 0)

	clientOpts := append([]pkg.ClientOption{
		pkg.WithTransportConfig(cfg.Transport),
		pkg.WithResponseTimeout(cfg.ResponseTimeout),
	}, opts...)
	client, err := pkg.NewClient(ctx, a.logger, tokens, cfg.WSBaseURL, leaderboardID, clientOpts...)
	if err != nil {
		a.logger.Error("creating client", err)
		return fail(err)
	}
	a.client = client
	a.logger.Info("client created successfully")

	a.print("📋 Session Config\n", 0)
	if err := a.printer.WriteYAML(map[string]any{
		"leaderboard_id":   leaderboardID,
		"model":            cfg.Model,
		"program":          cfg.Program,
		"response_timeout": cfg.ResponseTimeout.String(),
	}, 1); err != nil {
		a.logger.Error("printing session config", err)
	}
	a.print("\n"+usage+"\n", 0)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		a.loop(ctx, in)
	}()
	go func() {
		select {
		case <-loopDone:
		case <-a.client.Done():
		}
		a.finish()
	}()
	return nil
}

// Done is closed once the session ended, the input ran out or the client
// was closed. A failed Spawn closes it before returning.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CLIAgent) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *CLIAgent) finish() {
	a.closeOnce.Do(func() {
		if err := a.client.Close(); err != nil {
			a.logger.Error("closing client", err)
		}
		close(a.done)
	})
}

func (a *CLIAgent) loop(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		err := a.Exec(ctx, line)
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			a.logger.Error("executing command", err, zap.String("command", line))
			a.print("❌ "+err.Error(), 0)
		}
		if errors.Is(err, shared.ErrClientClosed) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("reading commands", err)
	}
}

// Exec runs one command line. Round trips block until the response arrived
// or the response timeout expired.
func (a *CLIAgent) Exec(ctx context.Context, line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "help":
		a.print(usage, 0)
		return nil
	case "state":
		return a.printer.WriteYAML(a.client.State(), 1)
	case "quit", "exit":
		return errQuit
	case "start", "resume":
		action := pkg.ActionStart
		if strings.ToLower(cmd) == "resume" {
			action = pkg.ActionResume
		}
		return a.roundTrip(ctx, action, &pkg.StartParam{
			Model:         a.cfg.Model,
			Program:       a.cfg.Program,
			LeaderboardID: a.leaderboardID,
			CreatedAt:     a.now(),
		})
	case "hint":
		if arg == "" {
			return errors.New("usage: hint <message>")
		}
		return a.roundTrip(ctx, pkg.ActionHint, &pkg.HintParam{
			Content:   arg,
			CreatedAt: a.now(),
			IsHint:    true,
		})
	case "name":
		if arg == "" {
			return errors.New("usage: name <display name>")
		}
		return a.roundTrip(ctx, pkg.ActionChangeDisplayName, &pkg.DisplayNameParam{DisplayName: arg})
	case "submit":
		if arg == "" {
			return errors.New("usage: submit <sentence>")
		}
		now := a.now()
		a.mu.Lock()
		elapsed := 0
		if !a.attemptStart.IsZero() {
			elapsed = int(now.Sub(a.attemptStart).Seconds())
		}
		a.mu.Unlock()
		return a.roundTrip(ctx, pkg.ActionSubmit, &pkg.SubmitParam{
			RoundID:       a.client.State().RoundID,
			CreatedAt:     now,
			GeneratedTime: elapsed,
			Sentence:      arg,
		})
	case "evaluate":
		return a.roundTrip(ctx, pkg.ActionEvaluate, nil)
	case "end":
		if err := a.roundTrip(ctx, pkg.ActionEnd, nil); err != nil {
			return err
		}
		return errQuit
	}
	return fmt.Errorf("unknown command %q, type help", cmd)
}

func (a *CLIAgent) roundTrip(ctx context.Context, action pkg.Action, param pkg.RequestParam) error {
	a.client.SetAction(action)
	if err := a.client.SendUserAction(param); err != nil {
		return err
	}
	state, err := a.client.ReceiveResponse(ctx)
	if err != nil {
		return err
	}
	switch action {
	case pkg.ActionStart, pkg.ActionResume, pkg.ActionEvaluate:
		a.mu.Lock()
		a.attemptStart = a.now()
		a.mu.Unlock()
	}
	a.report(action, state)
	return nil
}

func (a *CLIAgent) report(action pkg.Action, s *pkg.SessionState) {
	switch action {
	case pkg.ActionStart, pkg.ActionResume:
		a.print(fmt.Sprintf("✅ Round %d on leaderboard %d", s.RoundID, s.LeaderboardID), 0)
		if s.LeaderboardImage != "" {
			a.print("🖼  "+s.LeaderboardImage, 1)
		}
		if s.DisplayName != "" {
			a.print("🏷  "+s.DisplayName, 1)
		}
		a.printLastAssistantMessage(s)
	case pkg.ActionHint:
		a.printLastAssistantMessage(s)
	case pkg.ActionChangeDisplayName:
		a.print("🏷  Display name is now "+s.DisplayName, 0)
	case pkg.ActionSubmit:
		a.print("📝 "+s.Sentence, 0)
		if s.CorrectSentence != "" && s.CorrectSentence != s.Sentence {
			a.print("✏️  "+s.CorrectSentence, 1)
		}
	case pkg.ActionEvaluate:
		if s.HasFeedback(pkg.FeedbackAWE) && s.EvaluationMsg != "" {
			a.print("💬 "+s.EvaluationMsg, 0)
		}
		if s.HasFeedback(pkg.FeedbackImage) && s.InterpretedImage != "" {
			a.print("🖼  "+s.InterpretedImage, 0)
		}
		if s.ImageSimilarity != nil {
			a.print(fmt.Sprintf("🎯 Similarity %.0f%%", *s.ImageSimilarity*100), 1)
		}
		if s.IsCompleted {
			a.print("🏁 Round completed", 1)
		}
	case pkg.ActionEnd:
		a.print("👋 Session ended", 0)
	}
}

func (a *CLIAgent) printLastAssistantMessage(s *pkg.SessionState) {
	for i := len(s.ChatMessages) - 1; i >= 0; i-- {
		if s.ChatMessages[i].Sender == pkg.SenderAssistant {
			a.print("🤖 "+s.ChatMessages[i].Content, 1)
			return
		}
	}
}

func (a *CLIAgent) print(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}
