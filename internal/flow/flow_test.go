package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/datatypes"
)

type stubResolver struct {
	ref  models.ContentRef
	err  error
	seen map[string]string
}

func (s *stubResolver) Resolve(ctx context.Context, vars map[string]string) (models.ContentRef, error) {
	s.seen = vars
	return s.ref, s.err
}

func lessonFlow() *models.Flow {
	return &models.Flow{
		ID: "lessons", Version: 2, StartNodeID: "grade", ErrorNodeID: "help_exit",
		Nodes: []models.FlowNode{
			{
				NodeID: "grade", Kind: models.NodeMenu, PromptText: "Pick your grade:", CaptureKey: "grade",
				Options: datatypes.NewJSONType([]models.MenuOption{
					{Value: "1-2", Label: "Grade 1-2"},
					{Value: "3-4", Label: "Grade 3-4"},
					{Value: "5-6", Label: "Grade 5-6"},
					{Value: "7-8", Label: "Grade 7-8"},
				}),
				DefaultNextID: "subject",
			},
			{
				NodeID: "subject", Kind: models.NodeMenu, PromptText: "Grade {grade}. Pick a subject:", CaptureKey: "subject",
				Options: datatypes.NewJSONType([]models.MenuOption{
					{Value: "MATH", Label: "Math"},
					{Value: "SCIENCE", Label: "Science"},
				}),
				Transitions:   datatypes.NewJSONType(map[string]string{"SCIENCE": "soon"}),
				DefaultNextID: "name",
			},
			{NodeID: "name", Kind: models.NodeCapture, InputSpec: models.InputFreeText, PromptText: "Your name?", CaptureKey: "name", DefaultNextID: "done"},
			{NodeID: "done", Kind: models.NodeTerminal, PromptText: "{name}, your lesson: {content}", ContentRequired: true},
			{NodeID: "soon", Kind: models.NodeTerminal, PromptText: "Science is coming soon."},
			{NodeID: "help_exit", Kind: models.NodeTerminal, PromptText: "Text HELP for assistance."},
		},
	}
}

func newTestEngine(t *testing.T, r *stubResolver) *Engine {
	t.Helper()
	e, err := NewEngine(EngineOpts{Content: r, MaxRetries: 3})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestNewEngine_RequiresResolver(t *testing.T) {
	if _, err := NewEngine(EngineOpts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestStart(t *testing.T) {
	e := newTestEngine(t, &stubResolver{})
	step, err := e.Start(context.Background(), lessonFlow(), "+15550000001", "sms", map[string]string{"language": "en"})
	if err != nil {
		t.Fatal(err)
	}
	s := step.Session
	if s.FlowID != "lessons" || s.FlowVersion != 2 || s.CurrentNodeID != "grade" {
		t.Errorf("session = %+v", s)
	}
	if s.Vars()["language"] != "en" {
		t.Errorf("vars = %v", s.Vars())
	}
	want := "Pick your grade:\n1. Grade 1-2\n2. Grade 3-4\n3. Grade 5-6\n4. Grade 7-8"
	if step.Reply != want {
		t.Errorf("Reply = %q, want %q", step.Reply, want)
	}
	if step.End {
		t.Error("start node is not terminal")
	}
}

func TestAdvance_ValidMenuChoice(t *testing.T) {
	e := newTestEngine(t, &stubResolver{})
	f := lessonFlow()
	start, _ := e.Start(context.Background(), f, "+15550000001", "sms", nil)

	for _, input := range []string{"5-6", "3", " grade 5-6 "} {
		t.Run(input, func(t *testing.T) {
			step, err := e.Advance(context.Background(), f, start.Session, input)
			if err != nil {
				t.Fatal(err)
			}
			if step.Session.CurrentNodeID != "subject" {
				t.Errorf("CurrentNodeID = %q", step.Session.CurrentNodeID)
			}
			if step.Session.Vars()["grade"] != "5-6" {
				t.Errorf("grade = %q", step.Session.Vars()["grade"])
			}
			if !strings.HasPrefix(step.Reply, "Grade 5-6. Pick a subject:") {
				t.Errorf("Reply = %q", step.Reply)
			}
			if step.Session.RetryCount != 0 {
				t.Errorf("RetryCount = %d", step.Session.RetryCount)
			}
		})
	}
	if start.Session.CurrentNodeID != "grade" {
		t.Error("Advance modified the caller's session")
	}
}

func TestAdvance_InvalidChoiceReprompts(t *testing.T) {
	e := newTestEngine(t, &stubResolver{})
	f := lessonFlow()
	start, _ := e.Start(context.Background(), f, "+15550000001", "sms", nil)

	step, err := e.Advance(context.Background(), f, start.Session, "9")
	if err != nil {
		t.Fatal(err)
	}
	if !step.Invalid || step.End {
		t.Errorf("step = %+v", step)
	}
	if step.Session.RetryCount != 1 || step.Session.CurrentNodeID != "grade" {
		t.Errorf("session = retry %d node %q", step.Session.RetryCount, step.Session.CurrentNodeID)
	}
	if step.Reply != start.Reply {
		t.Errorf("Reply = %q, want the same prompt %q", step.Reply, start.Reply)
	}
}

func TestAdvance_RetriesExhausted(t *testing.T) {
	e := newTestEngine(t, &stubResolver{})
	f := lessonFlow()
	step, _ := e.Start(context.Background(), f, "+15550000001", "sms", nil)

	sess := step.Session
	for i := 1; i <= 3; i++ {
		step, _ = e.Advance(context.Background(), f, sess, "nope")
		if step.End || step.Session.RetryCount != i {
			t.Fatalf("attempt %d: step = %+v retry=%d", i, step, step.Session.RetryCount)
		}
		sess = step.Session
	}
	step, err := e.Advance(context.Background(), f, sess, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if !step.End || !step.ErrorExit {
		t.Fatalf("step = %+v, want error exit", step)
	}
	if step.Reply != "Text HELP for assistance." {
		t.Errorf("Reply = %q", step.Reply)
	}
}

func TestAdvance_RetriesExhaustedWithoutErrorNode(t *testing.T) {
	e, _ := NewEngine(EngineOpts{Content: &stubResolver{}, MaxRetries: 1, ErrorExit: "Bye for now."})
	f := lessonFlow()
	f.ErrorNodeID = ""
	step, _ := e.Start(context.Background(), f, "+15550000001", "sms", nil)
	step, _ = e.Advance(context.Background(), f, step.Session, "x")
	step, _ = e.Advance(context.Background(), f, step.Session, "x")
	if !step.ErrorExit || step.Reply != "Bye for now." {
		t.Errorf("step = %+v", step)
	}
}

func TestAdvance_TransitionOnMenuValue(t *testing.T) {
	e := newTestEngine(t, &stubResolver{})
	f := lessonFlow()
	sess := &models.Session{FlowID: "lessons", FlowVersion: 2, CurrentNodeID: "subject"}
	step, err := e.Advance(context.Background(), f, sess, "science")
	if err != nil {
		t.Fatal(err)
	}
	if step.Session.CurrentNodeID != "soon" || !step.End {
		t.Errorf("step node=%q end=%v", step.Session.CurrentNodeID, step.End)
	}
	if step.Session.Vars()["subject"] != "SCIENCE" {
		t.Errorf("menu value should be captured: %v", step.Session.Vars())
	}
}

func TestAdvance_TerminalResolvesContent(t *testing.T) {
	r := &stubResolver{ref: models.ContentRef{Kind: models.ContentLesson, ID: "L-MATH-56"}}
	e := newTestEngine(t, r)
	f := lessonFlow()
	sess := &models.Session{FlowID: "lessons", FlowVersion: 2, CurrentNodeID: "name"}
	sess.SetVars(map[string]string{"grade": "5-6", "subject": "MATH"})

	step, err := e.Advance(context.Background(), f, sess, "Amani")
	if err != nil {
		t.Fatal(err)
	}
	if !step.End || step.Content.ID != "L-MATH-56" {
		t.Errorf("step = %+v", step)
	}
	if step.Reply != "Amani, your lesson: lesson:L-MATH-56" {
		t.Errorf("Reply = %q", step.Reply)
	}
	if r.seen["subject"] != "MATH" || r.seen["name"] != "Amani" {
		t.Errorf("resolver saw %v", r.seen)
	}
}

func TestAdvance_ContentErrorSurfaces(t *testing.T) {
	boom := errors.New("boom")
	e := newTestEngine(t, &stubResolver{err: boom})
	sess := &models.Session{FlowID: "lessons", FlowVersion: 2, CurrentNodeID: "name"}
	_, err := e.Advance(context.Background(), lessonFlow(), sess, "Amani")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestAdvance_FreeTextRejectsBlank(t *testing.T) {
	e := newTestEngine(t, &stubResolver{})
	sess := &models.Session{FlowID: "lessons", FlowVersion: 2, CurrentNodeID: "name"}
	step, _ := e.Advance(context.Background(), lessonFlow(), sess, "   ")
	if !step.Invalid {
		t.Error("blank free text should be rejected")
	}
}

func TestAdvance_WrongFlowVersion(t *testing.T) {
	e := newTestEngine(t, &stubResolver{})
	sess := &models.Session{FlowID: "lessons", FlowVersion: 1, CurrentNodeID: "grade"}
	if _, err := e.Advance(context.Background(), lessonFlow(), sess, "1"); err == nil {
		t.Fatal("expected error for mismatched flow version")
	}
}

func TestAccept(t *testing.T) {
	tests := []struct {
		name  string
		node  models.FlowNode
		input string
		want  string
		ok    bool
	}{
		{"none accepts anything", models.FlowNode{Kind: models.NodePrompt, InputSpec: models.InputNone}, " ok ", "ok", true},
		{"numeric ok", models.FlowNode{Kind: models.NodeCapture, InputSpec: models.InputNumericChoice}, "12", "12", true},
		{"numeric bad", models.FlowNode{Kind: models.NodeCapture, InputSpec: models.InputNumericChoice}, "twelve", "", false},
		{"regex ok", models.FlowNode{Kind: models.NodeCapture, InputSpec: models.InputRegex, InputPattern: `^\d{4}$`}, "2026", "2026", true},
		{"regex bad", models.FlowNode{Kind: models.NodeCapture, InputSpec: models.InputRegex, InputPattern: `^\d{4}$`}, "26", "", false},
		{"capture without input pattern", models.FlowNode{Kind: models.NodeCapture}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := accept(&tt.node, tt.input)
			if got != tt.want || ok != tt.ok {
				t.Errorf("accept() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestExpand(t *testing.T) {
	vars := map[string]string{"grade": "5-6", "subject": "MATH"}
	got := Expand("{subject} for grade {grade} {unknown}", vars)
	if got != "MATH for grade 5-6 {unknown}" {
		t.Errorf("Expand() = %q", got)
	}
	if Expand("plain", nil) != "plain" {
		t.Error("Expand changed plain text")
	}
}

func TestNextNode(t *testing.T) {
	node := &models.FlowNode{
		Transitions:   datatypes.NewJSONType(map[string]string{"yes": "a", "YES": "b", "No": "c"}),
		DefaultNextID: "d",
	}
	tests := map[string]string{"yes": "a", "YES": "b", "no": "c", "maybe": "d"}
	for in, want := range tests {
		if got := nextNode(node, in); got != want {
			t.Errorf("nextNode(%q) = %q, want %q", in, got, want)
		}
	}
}
