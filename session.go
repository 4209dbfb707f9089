package writing

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bt-bridge/writing-session/shared"
	"github.com/goccy/go-yaml"
)

// Feedback channels
const (
	FeedbackImage = "IMG"
	FeedbackAWE   = "AWE"
)

// SessionState is the accumulated client view of one writing round. It only
// changes through Merge, driven by a server response.
type SessionState struct {
	Feedback            string        `yaml:"feedback"`
	RoundID             int           `yaml:"round_id"`
	LeaderboardID       int           `yaml:"leaderboard_id"`
	LeaderboardImage    string        `yaml:"leaderboard_image"`
	DisplayName         string        `yaml:"display_name,omitempty"`
	PastGenerationIDs   []int         `yaml:"past_generation_ids"`
	WritingGenerationID *int          `yaml:"writing_generation_id"`
	GenerationTime      int           `yaml:"generation_time"`
	ChatMessages        []ChatMessage `yaml:"chat_messages"`
	Sentence            string        `yaml:"sentence,omitempty"`
	CorrectSentence     string        `yaml:"correct_sentence,omitempty"`
	EvaluationMsg       string        `yaml:"evaluation_msg,omitempty"`
	InterpretedImage    string        `yaml:"interpreted_image,omitempty"`
	ImageSimilarity     *float64      `yaml:"image_similarity,omitempty"`
	IsCompleted         bool          `yaml:"is_completed"`
	Duration            int           `yaml:"duration"`
	Ended               bool          `yaml:"ended"`
}

func NewSessionState(leaderboardID int) *SessionState {
	return &SessionState{
		LeaderboardID:     leaderboardID,
		PastGenerationIDs: []int{},
		ChatMessages:      []ChatMessage{},
	}
}

// Clone returns a deep copy safe to hand to callers.
func (s *SessionState) Clone() *SessionState {
	c := *s
	c.PastGenerationIDs = slices.Clone(s.PastGenerationIDs)
	c.ChatMessages = slices.Clone(s.ChatMessages)
	if s.WritingGenerationID != nil {
		id := *s.WritingGenerationID
		c.WritingGenerationID = &id
	}
	if s.ImageSimilarity != nil {
		v := *s.ImageSimilarity
		c.ImageSimilarity = &v
	}
	return &c
}

// HasFeedback reports whether channel (IMG or AWE) is enabled for the round.
func (s *SessionState) HasFeedback(channel string) bool {
	for _, f := range strings.Split(s.Feedback, ",") {
		if strings.EqualFold(strings.TrimSpace(f), channel) {
			return true
		}
	}
	return false
}

func (s *SessionState) MarshalYAML() ([]byte, error) {
	type plain SessionState
	return yaml.Marshal((*plain)(s))
}

// Merge folds resp into the state according to the action it answers. The
// response is checked before anything is written, so a failed merge leaves
// the state untouched.
func (s *SessionState) Merge(action Action, resp *Response) error {
	if resp == nil {
		return fmt.Errorf("%w: nil response", shared.ErrMalformedResponse)
	}
	if err := checkShape(action, resp); err != nil {
		return err
	}
	switch action {
	case ActionStart, ActionResume:
		s.mergeRound(resp)
	case ActionHint:
		s.ChatMessages = slices.Clone(resp.Chat.Messages)
	case ActionChangeDisplayName:
		s.DisplayName = *resp.Round.DisplayName
	case ActionSubmit:
		s.mergeSubmit(resp)
	case ActionEvaluate:
		s.mergeEvaluate(resp)
	case ActionEnd:
		s.Ended = true
	}
	return nil
}

func checkShape(action Action, resp *Response) error {
	missing := func(section string) error {
		return fmt.Errorf("%w: %s response without %s", shared.ErrMalformedResponse, action, section)
	}
	switch action {
	case ActionStart, ActionResume:
		if resp.Round == nil {
			return missing("round")
		}
		if resp.Generation == nil {
			return missing("generation")
		}
	case ActionHint:
		if resp.Chat == nil {
			return missing("chat")
		}
	case ActionChangeDisplayName:
		if resp.Round == nil || resp.Round.DisplayName == nil {
			return missing("round.display_name")
		}
	case ActionSubmit, ActionEvaluate:
		if resp.Generation == nil {
			return missing("generation")
		}
	case ActionEnd:
	default:
		return fmt.Errorf("%w: %q", shared.ErrUnknownAction, action)
	}
	return nil
}

func (s *SessionState) mergeRound(resp *Response) {
	if resp.Feedback != nil {
		s.Feedback = *resp.Feedback
	}
	if resp.Leaderboard != nil {
		s.LeaderboardID = resp.Leaderboard.ID
		s.LeaderboardImage = resp.Leaderboard.Image
	}
	s.RoundID = resp.Round.ID
	if resp.Round.DisplayName != nil {
		s.DisplayName = *resp.Round.DisplayName
	}

	id := resp.Generation.ID
	s.WritingGenerationID = &id
	s.PastGenerationIDs = make([]int, 0, len(resp.Round.Generations))
	for _, g := range resp.Round.Generations {
		if g != id {
			s.PastGenerationIDs = append(s.PastGenerationIDs, g)
		}
	}

	s.GenerationTime = resp.Round.GeneratedTime
	if resp.Generation.GeneratedTime != nil {
		s.GenerationTime = *resp.Generation.GeneratedTime
	}
	if resp.Generation.Sentence != nil {
		s.Sentence = *resp.Generation.Sentence
	}
	if resp.Generation.CorrectSentence != nil {
		s.CorrectSentence = *resp.Generation.CorrectSentence
	}
	if resp.Chat != nil {
		s.ChatMessages = slices.Clone(resp.Chat.Messages)
	}
	s.Ended = false
}

func (s *SessionState) mergeSubmit(resp *Response) {
	gen := resp.Generation
	id := gen.ID
	s.WritingGenerationID = &id
	s.PastGenerationIDs = slices.DeleteFunc(s.PastGenerationIDs, func(g int) bool { return g == id })
	if gen.Sentence != nil {
		s.Sentence = *gen.Sentence
	}
	if gen.CorrectSentence != nil {
		s.CorrectSentence = *gen.CorrectSentence
	}
	if gen.Duration != nil {
		s.Duration = *gen.Duration
	}
	if resp.Chat != nil {
		s.ChatMessages = slices.Clone(resp.Chat.Messages)
	}
}

func (s *SessionState) mergeEvaluate(resp *Response) {
	gen := resp.Generation
	if s.WritingGenerationID != nil {
		prev := *s.WritingGenerationID
		if !slices.Contains(s.PastGenerationIDs, prev) {
			s.PastGenerationIDs = append(s.PastGenerationIDs, prev)
		}
	}
	s.WritingGenerationID = nil

	if gen.EvaluationMsg != nil {
		s.EvaluationMsg = *gen.EvaluationMsg
	}
	if gen.InterpretedImage != nil {
		s.InterpretedImage = *gen.InterpretedImage
	}
	if gen.ImageSimilarity != nil {
		v := *gen.ImageSimilarity
		s.ImageSimilarity = &v
	}
	if gen.IsCompleted != nil {
		s.IsCompleted = *gen.IsCompleted
	}
	if resp.Round != nil {
		s.GenerationTime = resp.Round.GeneratedTime
	}
	if gen.GeneratedTime != nil {
		s.GenerationTime = *gen.GeneratedTime
	}
	s.Duration = 0
}
