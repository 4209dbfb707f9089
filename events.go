package writing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bt-bridge/writing-session/shared"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

type Action string

const (
	ActionNone              Action = ""
	ActionStart             Action = "start"
	ActionResume            Action = "resume"
	ActionHint              Action = "hint"
	ActionChangeDisplayName Action = "change_display_name"
	ActionSubmit            Action = "submit"
	ActionEvaluate          Action = "evaluate"
	ActionEnd               Action = "end"
)

// Sendable reports whether a request is built for the action at all.
func (a Action) Sendable() bool {
	switch a {
	case ActionStart, ActionResume, ActionHint, ActionChangeDisplayName,
		ActionSubmit, ActionEvaluate, ActionEnd:
		return true
	}
	return false
}

// needsParam reports whether the action carries an obj payload.
func (a Action) needsParam() bool {
	switch a {
	case ActionStart, ActionResume, ActionHint, ActionChangeDisplayName, ActionSubmit:
		return true
	}
	return false
}

// Chat message senders
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// timeLayout matches what browsers emit for Date.toJSON.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// RequestParam is the action-specific obj of an outbound request.
type RequestParam interface {
	// Accepts reports whether the param is the payload variant of action.
	Accepts(action Action) bool
	Validate() error
	New(map[string]any) error
	Json() map[string]any
}

// Request is one outbound frame. ID only correlates log lines and never
// goes over the wire.
type Request struct {
	ID      string
	Action  Action
	Program string
	Param   RequestParam
}

// NewRequest checks that param is the payload variant action expects and
// that it is complete.
func NewRequest(action Action, param RequestParam) (*Request, error) {
	if !action.Sendable() {
		return nil, fmt.Errorf("%w: %q", shared.ErrUnknownAction, action)
	}
	r := &Request{ID: uuid.NewString(), Action: action}
	if !action.needsParam() {
		if param != nil {
			return nil, fmt.Errorf("%w: %s carries no payload", shared.ErrInvalidPayload, action)
		}
		return r, nil
	}
	if param == nil {
		return nil, fmt.Errorf("%w: %s requires a payload", shared.ErrMissingPayload, action)
	}
	if !param.Accepts(action) {
		return nil, fmt.Errorf("%w: %T is not a %s payload", shared.ErrInvalidPayload, param, action)
	}
	if err := param.Validate(); err != nil {
		return nil, fmt.Errorf("%s payload: %w", action, err)
	}
	if sp, ok := param.(*StartParam); ok {
		r.Program = sp.Program
	}
	r.Param = param
	return r, nil
}

func (r *Request) MarshalJSON() ([]byte, error) {
	if r.Action == ActionNone {
		return nil, errors.New("Action is empty")
	}
	out := map[string]any{
		"action": r.Action,
	}
	if r.Program != "" {
		out["program"] = r.Program
	}
	if r.Param != nil {
		out["obj"] = r.Param.Json()
	}
	return sonic.Marshal(out)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["action"].(string); ok {
		r.Action = Action(v)
	} else {
		return errors.New("missing action")
	}
	if v, ok := raw["program"].(string); ok {
		r.Program = v
	}
	obj, hasObj := raw["obj"].(map[string]any)
	switch r.Action {
	case ActionStart, ActionResume:
		r.Param = new(StartParam)
	case ActionHint:
		r.Param = new(HintParam)
	case ActionSubmit:
		r.Param = new(SubmitParam)
	case ActionChangeDisplayName:
		r.Param = new(DisplayNameParam)
	case ActionEvaluate, ActionEnd:
		r.Param = nil
		return nil
	default:
		return fmt.Errorf("unknown action: %s", r.Action)
	}
	if !hasObj {
		return errors.New("missing obj")
	}
	return r.Param.New(obj)
}

// Helpers for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

func asTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// start / resume
type StartParam struct {
	Model         string
	Program       string
	LeaderboardID int
	CreatedAt     time.Time
}

func (p *StartParam) Accepts(action Action) bool {
	return action == ActionStart || action == ActionResume
}

func (p *StartParam) Validate() error {
	if p == nil {
		return shared.ErrMissingPayload
	}
	if p.LeaderboardID == 0 {
		return fmt.Errorf("%w: leaderboard_id is required", shared.ErrInvalidPayload)
	}
	return nil
}

func (p *StartParam) New(m map[string]any) error {
	if v, ok := asInt(m["leaderboard_id"]); ok {
		p.LeaderboardID = v
	} else {
		return errors.New("missing leaderboard_id")
	}
	if v, ok := m["model"].(string); ok {
		p.Model = v
	} else {
		return errors.New("missing model")
	}
	if v, ok := m["program"].(string); ok {
		p.Program = v
	}
	if v, ok := asTime(m["created_at"]); ok {
		p.CreatedAt = v
	} else {
		return errors.New("missing created_at")
	}
	return nil
}

func (p *StartParam) Json() map[string]any {
	return map[string]any{
		"model":          p.Model,
		"program":        p.Program,
		"leaderboard_id": p.LeaderboardID,
		"created_at":     formatTime(p.CreatedAt),
	}
}

// hint
type HintParam struct {
	Content   string
	CreatedAt time.Time
	IsHint    bool
}

func (p *HintParam) Accepts(action Action) bool {
	return action == ActionHint
}

func (p *HintParam) Validate() error {
	if p == nil {
		return shared.ErrMissingPayload
	}
	return nil
}

func (p *HintParam) New(m map[string]any) error {
	if v, ok := m["content"].(string); ok {
		p.Content = v
	} else {
		return errors.New("missing content")
	}
	if v, ok := asTime(m["created_at"]); ok {
		p.CreatedAt = v
	} else {
		return errors.New("missing created_at")
	}
	if v, ok := m["is_hint"].(bool); ok {
		p.IsHint = v
	}
	return nil
}

func (p *HintParam) Json() map[string]any {
	return map[string]any{
		"content":    p.Content,
		"created_at": formatTime(p.CreatedAt),
		"is_hint":    p.IsHint,
	}
}

// submit
type SubmitParam struct {
	RoundID       int
	CreatedAt     time.Time
	GeneratedTime int
	Sentence      string
}

func (p *SubmitParam) Accepts(action Action) bool {
	return action == ActionSubmit
}

func (p *SubmitParam) Validate() error {
	if p == nil {
		return shared.ErrMissingPayload
	}
	return nil
}

func (p *SubmitParam) New(m map[string]any) error {
	if v, ok := asInt(m["round_id"]); ok {
		p.RoundID = v
	} else {
		return errors.New("missing round_id")
	}
	if v, ok := asTime(m["created_at"]); ok {
		p.CreatedAt = v
	} else {
		return errors.New("missing created_at")
	}
	if v, ok := asInt(m["generated_time"]); ok {
		p.GeneratedTime = v
	}
	if v, ok := m["sentence"].(string); ok {
		p.Sentence = v
	} else {
		return errors.New("missing sentence")
	}
	return nil
}

func (p *SubmitParam) Json() map[string]any {
	return map[string]any{
		"round_id":       p.RoundID,
		"created_at":     formatTime(p.CreatedAt),
		"generated_time": p.GeneratedTime,
		"sentence":       p.Sentence,
	}
}

// change_display_name
type DisplayNameParam struct {
	DisplayName string
}

func (p *DisplayNameParam) Accepts(action Action) bool {
	return action == ActionChangeDisplayName
}

func (p *DisplayNameParam) Validate() error {
	if p == nil {
		return shared.ErrMissingPayload
	}
	if p.DisplayName == "" {
		return fmt.Errorf("%w: display_name is required", shared.ErrInvalidPayload)
	}
	return nil
}

func (p *DisplayNameParam) New(m map[string]any) error {
	if v, ok := m["display_name"].(string); ok {
		p.DisplayName = v
	} else {
		return errors.New("missing display_name")
	}
	return nil
}

func (p *DisplayNameParam) Json() map[string]any {
	return map[string]any{
		"display_name": p.DisplayName,
	}
}

// Response is one inbound frame. Every section is optional; which ones are
// present depends on the action being answered.
type Response struct {
	Feedback    *string
	Leaderboard *LeaderboardInfo
	Round       *RoundInfo
	Chat        *ChatInfo
	Generation  *GenerationInfo
}

type LeaderboardInfo struct {
	ID    int
	Image string
}

type RoundInfo struct {
	ID            int
	DisplayName   *string
	GeneratedTime int
	Generations   []int
}

type ChatInfo struct {
	ID       int
	Messages []ChatMessage
}

type ChatMessage struct {
	ID        int    `json:"id" yaml:"id"`
	Sender    string `json:"sender" yaml:"sender"`
	Content   string `json:"content" yaml:"content"`
	CreatedAt string `json:"created_at" yaml:"created_at"`
	IsHint    bool   `json:"is_hint,omitempty" yaml:"is_hint,omitempty"`
}

type GenerationInfo struct {
	ID               int
	InterpretedImage *string
	EvaluationMsg    *string
	GeneratedTime    *int
	Sentence         *string
	CorrectSentence  *string
	IsCompleted      *bool
	ImageSimilarity  *float64
	Duration         *int
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("response is not an object")
	}
	return r.New(raw)
}

func (r *Response) New(m map[string]any) error {
	if v, ok := m["feedback"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return errors.New("invalid feedback")
		}
		r.Feedback = &s
	}
	if v, ok := m["leaderboard"]; ok && v != nil {
		obj, ok := v.(map[string]any)
		if !ok {
			return errors.New("invalid leaderboard")
		}
		r.Leaderboard = new(LeaderboardInfo)
		if err := r.Leaderboard.New(obj); err != nil {
			return fmt.Errorf("leaderboard: %w", err)
		}
	}
	if v, ok := m["round"]; ok && v != nil {
		obj, ok := v.(map[string]any)
		if !ok {
			return errors.New("invalid round")
		}
		r.Round = new(RoundInfo)
		if err := r.Round.New(obj); err != nil {
			return fmt.Errorf("round: %w", err)
		}
	}
	if v, ok := m["chat"]; ok && v != nil {
		obj, ok := v.(map[string]any)
		if !ok {
			return errors.New("invalid chat")
		}
		r.Chat = new(ChatInfo)
		if err := r.Chat.New(obj); err != nil {
			return fmt.Errorf("chat: %w", err)
		}
	}
	if v, ok := m["generation"]; ok && v != nil {
		obj, ok := v.(map[string]any)
		if !ok {
			return errors.New("invalid generation")
		}
		r.Generation = new(GenerationInfo)
		if err := r.Generation.New(obj); err != nil {
			return fmt.Errorf("generation: %w", err)
		}
	}
	return nil
}

func (r *Response) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(r.Json())
}

func (r *Response) Json() map[string]any {
	out := map[string]any{}
	if r.Feedback != nil {
		out["feedback"] = *r.Feedback
	}
	if r.Leaderboard != nil {
		out["leaderboard"] = r.Leaderboard.Json()
	}
	if r.Round != nil {
		out["round"] = r.Round.Json()
	}
	if r.Chat != nil {
		out["chat"] = r.Chat.Json()
	}
	if r.Generation != nil {
		out["generation"] = r.Generation.Json()
	}
	return out
}

func (p *LeaderboardInfo) New(m map[string]any) error {
	if v, ok := asInt(m["id"]); ok {
		p.ID = v
	} else {
		return errors.New("missing id")
	}
	if v, ok := m["image"].(string); ok {
		p.Image = v
	}
	return nil
}

func (p *LeaderboardInfo) Json() map[string]any {
	return map[string]any{
		"id":    p.ID,
		"image": p.Image,
	}
}

func (p *RoundInfo) New(m map[string]any) error {
	if v, ok := asInt(m["id"]); ok {
		p.ID = v
	} else {
		return errors.New("missing id")
	}
	if v, ok := m["display_name"].(string); ok {
		p.DisplayName = &v
	}
	if v, ok := asInt(m["generated_time"]); ok {
		p.GeneratedTime = v
	}
	if v, ok := m["generations"]; ok && v != nil {
		gens, ok := v.([]any)
		if !ok {
			return errors.New("invalid generations")
		}
		p.Generations = make([]int, 0, len(gens))
		for _, g := range gens {
			id, ok := asInt(g)
			if !ok {
				return errors.New("invalid element in generations")
			}
			p.Generations = append(p.Generations, id)
		}
	}
	return nil
}

func (p *RoundInfo) Json() map[string]any {
	out := map[string]any{
		"id":             p.ID,
		"generated_time": p.GeneratedTime,
		"generations":    p.Generations,
	}
	if p.Generations == nil {
		out["generations"] = []int{}
	}
	if p.DisplayName != nil {
		out["display_name"] = *p.DisplayName
	}
	return out
}

func (p *ChatInfo) New(m map[string]any) error {
	if v, ok := asInt(m["id"]); ok {
		p.ID = v
	}
	v, ok := m["messages"]
	if !ok || v == nil {
		return errors.New("missing messages")
	}
	msgs, ok := v.([]any)
	if !ok {
		return errors.New("invalid messages")
	}
	p.Messages = make([]ChatMessage, 0, len(msgs))
	for _, raw := range msgs {
		mm, ok := raw.(map[string]any)
		if !ok {
			return errors.New("invalid element in messages")
		}
		var msg ChatMessage
		if err := msg.New(mm); err != nil {
			return err
		}
		p.Messages = append(p.Messages, msg)
	}
	return nil
}

func (p *ChatInfo) Json() map[string]any {
	msgs := make([]map[string]any, 0, len(p.Messages))
	for _, m := range p.Messages {
		msgs = append(msgs, m.Json())
	}
	return map[string]any{
		"id":       p.ID,
		"messages": msgs,
	}
}

func (p *ChatMessage) New(m map[string]any) error {
	if v, ok := asInt(m["id"]); ok {
		p.ID = v
	}
	if v, ok := m["sender"].(string); ok {
		p.Sender = v
	} else {
		return errors.New("missing message sender")
	}
	if v, ok := m["content"].(string); ok {
		p.Content = v
	} else {
		return errors.New("missing message content")
	}
	if v, ok := m["created_at"].(string); ok {
		p.CreatedAt = v
	}
	if v, ok := m["is_hint"].(bool); ok {
		p.IsHint = v
	}
	return nil
}

func (p *ChatMessage) Json() map[string]any {
	return map[string]any{
		"id":         p.ID,
		"sender":     p.Sender,
		"content":    p.Content,
		"created_at": p.CreatedAt,
		"is_hint":    p.IsHint,
	}
}

func (p *GenerationInfo) New(m map[string]any) error {
	if v, ok := asInt(m["id"]); ok {
		p.ID = v
	} else {
		return errors.New("missing id")
	}
	if v, ok := m["interpreted_image"].(string); ok {
		p.InterpretedImage = &v
	}
	if v, ok := m["evaluation_msg"].(string); ok {
		p.EvaluationMsg = &v
	}
	if v, ok := asInt(m["generated_time"]); ok {
		p.GeneratedTime = &v
	}
	if v, ok := m["sentence"].(string); ok {
		p.Sentence = &v
	}
	if v, ok := m["correct_sentence"].(string); ok {
		p.CorrectSentence = &v
	}
	if v, ok := m["is_completed"].(bool); ok {
		p.IsCompleted = &v
	}
	if v, ok := asFloat64(m["image_similarity"]); ok {
		p.ImageSimilarity = &v
	}
	if v, ok := asInt(m["duration"]); ok {
		p.Duration = &v
	}
	return nil
}

func (p *GenerationInfo) Json() map[string]any {
	out := map[string]any{"id": p.ID}
	if p.InterpretedImage != nil {
		out["interpreted_image"] = *p.InterpretedImage
	}
	if p.EvaluationMsg != nil {
		out["evaluation_msg"] = *p.EvaluationMsg
	}
	if p.GeneratedTime != nil {
		out["generated_time"] = *p.GeneratedTime
	}
	if p.Sentence != nil {
		out["sentence"] = *p.Sentence
	}
	if p.CorrectSentence != nil {
		out["correct_sentence"] = *p.CorrectSentence
	}
	if p.IsCompleted != nil {
		out["is_completed"] = *p.IsCompleted
	}
	if p.ImageSimilarity != nil {
		out["image_similarity"] = *p.ImageSimilarity
	}
	if p.Duration != nil {
		out["duration"] = *p.Duration
	}
	return out
}
