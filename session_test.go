package writing

import (
	"slices"
	"testing"

	"github.com/bt-bridge/writing-session/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func ptr[T any](v T) *T {
	return &v
}

func startResponse(roundID, genID int, generations ...int) *Response {
	return &Response{
		Feedback:    ptr("IMG,AWE"),
		Leaderboard: &LeaderboardInfo{ID: 42, Image: "/images/42.png"},
		Round:       &RoundInfo{ID: roundID, GeneratedTime: 30, Generations: generations},
		Chat: &ChatInfo{ID: 1, Messages: []ChatMessage{
			{ID: 1, Sender: SenderAssistant, Content: "Describe the picture."},
		}},
		Generation: &GenerationInfo{ID: genID},
	}
}

func TestMergeStart(t *testing.T) {
	s := NewSessionState(42)
	require.NoError(t, s.Merge(ActionStart, startResponse(7, 100, 98, 100)))

	assert.Equal(t, "IMG,AWE", s.Feedback)
	assert.Equal(t, 7, s.RoundID)
	assert.Equal(t, 42, s.LeaderboardID)
	assert.Equal(t, "/images/42.png", s.LeaderboardImage)
	assert.Equal(t, []int{98}, s.PastGenerationIDs)
	require.NotNil(t, s.WritingGenerationID)
	assert.Equal(t, 100, *s.WritingGenerationID)
	assert.Equal(t, 30, s.GenerationTime)
	assert.Len(t, s.ChatMessages, 1)
	assert.True(t, s.HasFeedback(FeedbackImage))
	assert.True(t, s.HasFeedback(FeedbackAWE))
}

func TestMergeStartPrefersGenerationTime(t *testing.T) {
	s := NewSessionState(42)
	resp := startResponse(7, 100)
	resp.Generation.GeneratedTime = ptr(45)
	require.NoError(t, s.Merge(ActionResume, resp))
	assert.Equal(t, 45, s.GenerationTime)
}

func TestMergeRound(t *testing.T) {
	s := NewSessionState(42)

	// start: round 7, writing generation 100
	require.NoError(t, s.Merge(ActionStart, startResponse(7, 100, 98, 100)))

	// hint replaces the chat
	hint := &Response{Chat: &ChatInfo{ID: 1, Messages: []ChatMessage{
		{ID: 1, Sender: SenderAssistant, Content: "Describe the picture."},
		{ID: 2, Sender: SenderUser, Content: "Colours?", IsHint: true},
		{ID: 3, Sender: SenderAssistant, Content: "Name the colours you see."},
	}}}
	require.NoError(t, s.Merge(ActionHint, hint))
	assert.Len(t, s.ChatMessages, 3)

	// change_display_name
	require.NoError(t, s.Merge(ActionChangeDisplayName, &Response{Round: &RoundInfo{ID: 7, DisplayName: ptr("Bus at dusk")}}))
	assert.Equal(t, "Bus at dusk", s.DisplayName)

	// submit
	submit := &Response{Generation: &GenerationInfo{
		ID:              100,
		Sentence:        ptr("a red bus"),
		CorrectSentence: ptr("A red bus."),
		Duration:        ptr(9),
	}}
	require.NoError(t, s.Merge(ActionSubmit, submit))
	assert.Equal(t, 100, *s.WritingGenerationID)
	assert.Equal(t, "a red bus", s.Sentence)
	assert.Equal(t, "A red bus.", s.CorrectSentence)
	assert.Equal(t, 9, s.Duration)
	assert.Len(t, s.ChatMessages, 3, "submit without chat keeps messages")

	// evaluate moves the writing generation into the past
	evaluate := &Response{
		Round: &RoundInfo{ID: 7, GeneratedTime: 50, Generations: []int{98, 100}},
		Generation: &GenerationInfo{
			ID:               100,
			EvaluationMsg:    ptr("Good grammar."),
			InterpretedImage: ptr("/interpreted/100.png"),
			ImageSimilarity:  ptr(0.72),
			IsCompleted:      ptr(true),
		},
	}
	require.NoError(t, s.Merge(ActionEvaluate, evaluate))
	assert.Nil(t, s.WritingGenerationID)
	assert.Equal(t, []int{98, 100}, s.PastGenerationIDs)
	assert.Equal(t, "Good grammar.", s.EvaluationMsg)
	assert.Equal(t, "/interpreted/100.png", s.InterpretedImage)
	assert.InDelta(t, 0.72, *s.ImageSimilarity, 1e-9)
	assert.True(t, s.IsCompleted)
	assert.Equal(t, 50, s.GenerationTime)
	assert.Zero(t, s.Duration)

	// a second evaluate does not duplicate history
	require.NoError(t, s.Merge(ActionEvaluate, evaluate))
	assert.Equal(t, []int{98, 100}, s.PastGenerationIDs)

	// submit of a new attempt
	require.NoError(t, s.Merge(ActionSubmit, &Response{Generation: &GenerationInfo{ID: 101}}))
	assert.Equal(t, 101, *s.WritingGenerationID)

	require.NoError(t, s.Merge(ActionEnd, &Response{}))
	assert.True(t, s.Ended)
}

func TestMergeSubmitRemovesIDFromPast(t *testing.T) {
	s := NewSessionState(42)
	s.PastGenerationIDs = []int{98, 100}
	require.NoError(t, s.Merge(ActionSubmit, &Response{Generation: &GenerationInfo{ID: 100}}))
	assert.Equal(t, []int{98}, s.PastGenerationIDs)
	assert.Equal(t, 100, *s.WritingGenerationID)
}

func TestMergeRejectsMalformedResponses(t *testing.T) {
	tests := []struct {
		name     string
		action   Action
		resp     *Response
		expected error
	}{
		{name: "Nil response", action: ActionStart, resp: nil, expected: shared.ErrMalformedResponse},
		{name: "Start without round", action: ActionStart, resp: &Response{Generation: &GenerationInfo{ID: 1}}, expected: shared.ErrMalformedResponse},
		{name: "Resume without generation", action: ActionResume, resp: &Response{Round: &RoundInfo{ID: 1}}, expected: shared.ErrMalformedResponse},
		{name: "Hint without chat", action: ActionHint, resp: &Response{}, expected: shared.ErrMalformedResponse},
		{name: "Display name missing", action: ActionChangeDisplayName, resp: &Response{Round: &RoundInfo{ID: 1}}, expected: shared.ErrMalformedResponse},
		{name: "Submit without generation", action: ActionSubmit, resp: &Response{Chat: &ChatInfo{}}, expected: shared.ErrMalformedResponse},
		{name: "Evaluate without generation", action: ActionEvaluate, resp: &Response{Round: &RoundInfo{ID: 1}}, expected: shared.ErrMalformedResponse},
		{name: "No action", action: ActionNone, resp: &Response{}, expected: shared.ErrUnknownAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSessionState(42)
			require.NoError(t, s.Merge(ActionStart, startResponse(7, 100, 98, 100)))
			before := s.Clone()

			err := s.Merge(tt.action, tt.resp)
			assert.ErrorIs(t, err, tt.expected)
			assert.Equal(t, before, s, "state must be untouched")
		})
	}
}

func TestSessionStateClone(t *testing.T) {
	s := NewSessionState(42)
	require.NoError(t, s.Merge(ActionStart, startResponse(7, 100, 98, 100)))

	c := s.Clone()
	c.PastGenerationIDs[0] = 1
	c.ChatMessages[0].Content = "changed"
	*c.WritingGenerationID = 1

	assert.Equal(t, []int{98}, s.PastGenerationIDs)
	assert.Equal(t, "Describe the picture.", s.ChatMessages[0].Content)
	assert.Equal(t, 100, *s.WritingGenerationID)
}

func TestHasFeedback(t *testing.T) {
	tests := []struct {
		feedback string
		channel  string
		expected bool
	}{
		{feedback: "IMG,AWE", channel: FeedbackImage, expected: true},
		{feedback: "IMG,AWE", channel: FeedbackAWE, expected: true},
		{feedback: "img, awe", channel: FeedbackAWE, expected: true},
		{feedback: "AWE", channel: FeedbackImage, expected: false},
		{feedback: "", channel: FeedbackImage, expected: false},
	}

	for _, tt := range tests {
		s := &SessionState{Feedback: tt.feedback}
		assert.Equal(t, tt.expected, s.HasFeedback(tt.channel), "%q has %s", tt.feedback, tt.channel)
	}
}

func TestSessionStateMarshalYAML(t *testing.T) {
	s := NewSessionState(42)
	require.NoError(t, s.Merge(ActionStart, startResponse(7, 100, 98, 100)))

	data, err := s.MarshalYAML()
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "round_id: 7")
	assert.Contains(t, out, "writing_generation_id: 100")
	assert.Contains(t, out, "past_generation_ids:")
	assert.NotContains(t, out, "display_name", "empty display name is omitted")
}

// The writing generation is never also listed as a past generation,
// whatever order responses arrive in.
func TestMergeKeepsWritingOutOfPast(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := NewSessionState(42)
		genID := rapid.IntRange(1, 20)
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			action := rapid.SampledFrom([]Action{
				ActionStart, ActionResume, ActionHint, ActionChangeDisplayName,
				ActionSubmit, ActionEvaluate, ActionEnd,
			}).Draw(rt, "action")

			var resp *Response
			switch action {
			case ActionStart, ActionResume:
				gens := rapid.SliceOfNDistinct(genID, 0, 6, rapid.ID[int]).Draw(rt, "generations")
				resp = startResponse(7, genID.Draw(rt, "generation"), gens...)
			case ActionHint:
				resp = &Response{Chat: &ChatInfo{Messages: []ChatMessage{}}}
			case ActionChangeDisplayName:
				resp = &Response{Round: &RoundInfo{ID: 7, DisplayName: ptr("name")}}
			case ActionSubmit, ActionEvaluate:
				resp = &Response{Generation: &GenerationInfo{ID: genID.Draw(rt, "generation")}}
			case ActionEnd:
				resp = &Response{}
			}
			if err := s.Merge(action, resp); err != nil {
				rt.Fatalf("merging %s: %v", action, err)
			}
			if s.WritingGenerationID != nil && slices.Contains(s.PastGenerationIDs, *s.WritingGenerationID) {
				rt.Fatalf("writing generation %d listed in past %v after %s", *s.WritingGenerationID, s.PastGenerationIDs, action)
			}
		}
	})
}
