package conversation

import (
	"errors"
	"sync"
	"testing"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

func TestScenarioSingleExchange(t *testing.T) {
	m := NewManager()
	if !m.AcceptUserInput("Czuję się źle") {
		t.Fatal("expected input to be accepted")
	}

	ctx, q, err := m.StartProcessing()
	if err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	if len(ctx) != 0 || q != "Czuję się źle" {
		t.Fatalf("StartProcessing = (%v, %q)", ctx, q)
	}

	if err := m.CommitTherapistResponse("Rozumiem. Co się stało?"); err != nil {
		t.Fatalf("CommitTherapistResponse: %v", err)
	}
	committed := m.CommittedContext()
	if len(committed) != 2 {
		t.Fatalf("expected 2 committed messages, got %d", len(committed))
	}
	if committed[0].Role != models.RoleUser || committed[1].Role != models.RoleTherapist {
		t.Errorf("unexpected roles %s, %s", committed[0].Role, committed[1].Role)
	}
	if committed[1].Text != "Rozumiem. Co się stało?" {
		t.Errorf("unexpected therapist text %q", committed[1].Text)
	}
	if m.CurrentQuestion() != "" || m.IsProcessing() {
		t.Errorf("expected idle state, question=%q processing=%v", m.CurrentQuestion(), m.IsProcessing())
	}
	if m.State() != StateIdle {
		t.Errorf("state = %s", m.State())
	}
}

func TestNoDoubleCommit(t *testing.T) {
	m := NewManager()

	// commit grows by one pair
	m.AcceptUserInput("pierwsze")
	if _, _, err := m.StartProcessing(); err != nil {
		t.Fatal(err)
	}
	if err := m.CommitTherapistResponse("odp"); err != nil {
		t.Fatal(err)
	}
	if n := len(m.CommittedContext()); n != 2 {
		t.Fatalf("after commit: %d messages", n)
	}

	// second commit without processing is refused
	if err := m.CommitTherapistResponse("znowu"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}

	// abort grows by zero
	m.AcceptUserInput("drugie")
	if _, _, err := m.StartProcessing(); err != nil {
		t.Fatal(err)
	}
	m.AbortProcessing()
	if n := len(m.CommittedContext()); n != 2 {
		t.Fatalf("after abort: %d messages", n)
	}

	// empty response is refused and processing stays active
	if _, _, err := m.StartProcessing(); err != nil {
		t.Fatal(err)
	}
	if err := m.CommitTherapistResponse("   "); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for empty response, got %v", err)
	}
	if !m.IsProcessing() {
		t.Error("expected processing to remain active after refused commit")
	}
	if err := m.CommitTherapistResponse("odp2"); err != nil {
		t.Fatal(err)
	}
	if n := len(m.CommittedContext()); n != 4 {
		t.Fatalf("after second commit: %d messages", n)
	}
}

func TestSingleInFlightTurn(t *testing.T) {
	m := NewManager()
	m.AcceptUserInput("pytanie")
	if _, _, err := m.StartProcessing(); err != nil {
		t.Fatal(err)
	}

	if m.AcceptUserInput("dopisek") {
		t.Error("expected input to be rejected while processing")
	}
	if m.CurrentQuestion() != "pytanie" {
		t.Errorf("question changed during processing: %q", m.CurrentQuestion())
	}
	if _, _, err := m.StartProcessing(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second StartProcessing, got %v", err)
	}
}

func TestRetryPreservesInput(t *testing.T) {
	m := NewManager()
	m.AcceptUserInput("Nie śpię od tygodnia")

	_, first, err := m.StartProcessing()
	if err != nil {
		t.Fatal(err)
	}
	m.AbortProcessing()
	if m.State() != StateQuestionPending {
		t.Errorf("state after abort = %s", m.State())
	}
	_, second, err := m.StartProcessing()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("question changed across retry: %q vs %q", first, second)
	}
}

func TestAcceptUserInputMerging(t *testing.T) {
	tests := []struct {
		name   string
		inputs []string
		want   string
	}{
		{"single", []string{"a"}, "a"},
		{"appended", []string{"Jestem", "zmęczony"}, "Jestem zmęczony"},
		{"identical ignored", []string{"to samo", "to samo"}, "to samo"},
		{"trimmed", []string{"  hej  "}, "hej"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			for _, in := range tt.inputs {
				m.AcceptUserInput(in)
			}
			if got := m.CurrentQuestion(); got != tt.want {
				t.Errorf("CurrentQuestion = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAcceptUserInputBlank(t *testing.T) {
	m := NewManager()
	if m.AcceptUserInput("   ") {
		t.Error("blank input should not be accepted")
	}
	if m.HasPendingQuestion() {
		t.Error("blank input should not create a question")
	}
	if _, _, err := m.StartProcessing(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState with nothing pending, got %v", err)
	}
}

func TestAbortOutsideProcessingIsNoop(t *testing.T) {
	m := NewManager()
	m.AbortProcessing()
	m.AcceptUserInput("x")
	m.AbortProcessing()
	if m.CurrentQuestion() != "x" || m.IsProcessing() {
		t.Errorf("unexpected state after no-op abort: %q %v", m.CurrentQuestion(), m.IsProcessing())
	}
}

func TestFullConversationForDisplay(t *testing.T) {
	m := NewManager()
	m.AcceptUserInput("pierwsze")
	m.StartProcessing()
	m.CommitTherapistResponse("odpowiedź")
	m.AcceptUserInput("oczekujące")

	display := m.FullConversationForDisplay()
	if len(display) != 3 {
		t.Fatalf("expected 3 display messages, got %d", len(display))
	}
	if display[0].Pending || display[1].Pending {
		t.Error("committed messages must not be pending")
	}
	last := display[2]
	if !last.Pending || last.Role != models.RoleUser || last.Text != "oczekujące" {
		t.Errorf("unexpected pending message %+v", last)
	}
}

func TestResetAndStats(t *testing.T) {
	m := NewManager()
	m.AcceptUserInput("raz")
	m.StartProcessing()

	if err := m.Reset(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected reset to be refused while processing, got %v", err)
	}
	if err := m.ClearCurrentQuestion(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected clear to be refused while processing, got %v", err)
	}
	m.CommitTherapistResponse("dwa")
	m.AcceptUserInput("trzy")

	stats := m.Stats()
	want := Stats{CommittedExchanges: 1, TotalCommittedMessages: 2, HasPendingQuestion: true, CurrentQuestionLength: 4}
	if stats != want {
		t.Errorf("Stats = %+v, want %+v", stats, want)
	}

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(m.CommittedContext()) != 0 || m.HasPendingQuestion() {
		t.Error("expected empty conversation after reset")
	}
}

func TestCommittedContextIsCopy(t *testing.T) {
	m := NewManager()
	m.AcceptUserInput("a")
	m.StartProcessing()
	m.CommitTherapistResponse("b")

	ctx := m.CommittedContext()
	ctx[0].Text = "zmienione"
	if m.CommittedContext()[0].Text != "a" {
		t.Error("committed history mutated through returned slice")
	}
}

func TestConcurrentTurns(t *testing.T) {
	m := NewManager()
	m.AcceptUserInput("wspólne")

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := m.StartProcessing(); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if started != 1 {
		t.Errorf("expected exactly one turn to start, got %d", started)
	}
}

func TestRestore(t *testing.T) {
	m := NewManager()
	history := []models.Message{
		models.NewMessage(models.RoleSystem, "[Etap terapii: Otwarcie]", ""),
		models.NewMessage(models.RoleUser, "Dzień dobry", ""),
		models.NewMessage(models.RoleTherapist, "Co Pana sprowadza?", "therapist_opening"),
	}
	if err := m.Restore(history); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	got := m.CommittedContext()
	if len(got) != 2 || got[0].Role != models.RoleUser || got[1].PromptID != "therapist_opening" {
		t.Errorf("unexpected restored history %+v", got)
	}

	m.AcceptUserInput("pytanie")
	m.StartProcessing()
	if err := m.Restore(nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Restore during processing err = %v, want ErrInvalidState", err)
	}
}
