package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/embedding"
	"github.com/antoniostano/atom/internal/memory"
	"github.com/antoniostano/atom/internal/profile"
	"github.com/antoniostano/atom/internal/prompt"
	"github.com/antoniostano/atom/internal/provider"
	"github.com/antoniostano/atom/internal/reliability"
	"github.com/antoniostano/atom/internal/retrieval"
	"github.com/antoniostano/atom/internal/session"
	"github.com/antoniostano/atom/internal/shortterm"
	"github.com/antoniostano/atom/internal/tokenizer"
)

type failingAdapter struct{ name string }

func (a failingAdapter) Name() string        { return a.name }
func (a failingAdapter) MaxInputTokens() int { return 0 }
func (a failingAdapter) Generate(context.Context, []conversation.Message, provider.Params) (string, error) {
	return "", reliability.Errorf(reliability.KindRateLimit, a.name, "slow down")
}

type brokenEmbedder struct{ embedding.Embedder }

func (brokenEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("model unavailable")
}

// refusingStore fails every commit.
type refusingStore struct{ *memory.InMemoryStore }

func (refusingStore) Commit(context.Context, conversation.Turn, []memory.Record) error {
	return errors.New("disk full")
}

type fixture struct {
	svc      *Service
	store    *memory.InMemoryStore
	buffer   *shortterm.Buffer
	profiles *profile.InMemoryStore
	sessions *session.Manager
}

type fixtureOptions struct {
	adapters  []provider.Adapter
	budget    int
	embedder  embedding.Embedder
	redactPII bool
	refuse    bool
}

func newFixture(t *testing.T, opts fixtureOptions) fixture {
	t.Helper()
	if len(opts.adapters) == 0 {
		opts.adapters = []provider.Adapter{provider.NewEchoAdapter("echo")}
	}
	if opts.budget == 0 {
		opts.budget = 3000
	}
	hash := embedding.NewHash(64)
	if opts.embedder == nil {
		opts.embedder = hash
	}

	members := make([]provider.Member, 0, len(opts.adapters))
	for i, a := range opts.adapters {
		members = append(members, provider.Member{Adapter: a, Priority: i, Timeout: time.Second})
	}
	orch, err := provider.NewOrchestrator(members, provider.Options{})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	store := memory.NewInMemoryStore()
	var durable memory.Store = store
	if opts.refuse {
		durable = refusingStore{store}
	}
	buffer := shortterm.New(10, store)
	profiles := profile.NewInMemoryStore()
	sessions := session.NewManager(store, session.Options{})
	// Queries always embed; only write-back uses the configured embedder.
	engine := retrieval.NewEngine(retrieval.Config{AssistantName: "Atom"}, hash, store, buffer, profiles, nil, nil)

	svc := NewService(Config{AssistantName: "Atom", RedactPII: opts.redactPII}, Deps{
		Sessions:  sessions,
		Retriever: engine,
		Assembler: prompt.NewAssembler(tokenizer.Heuristic{}, opts.budget, prompt.SystemPrompt("Atom")),
		Generator: orch,
		Embedder:  opts.embedder,
		Store:     durable,
		Buffer:    buffer,
		Profiles:  profiles,
	})
	return fixture{svc: svc, store: store, buffer: buffer, profiles: profiles, sessions: sessions}
}

func TestRespondRemembersProfileFacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	first, err := f.svc.Respond(ctx, "s1", "Hi, my name is Sam")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if first.Provider != "echo" || first.TurnID == "" || first.Seq != 1 || len(first.Warnings) != 0 {
		t.Fatalf("first reply = %+v", first)
	}

	second, err := f.svc.Respond(ctx, "s1", "what is my name?")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if second.Seq != 2 {
		t.Fatalf("Seq = %d, want 2", second.Seq)
	}
	if !strings.Contains(second.Text, "I also remember: name: Sam") {
		t.Fatalf("reply %q should recall the name", second.Text)
	}

	facts, err := f.profiles.GetAll(ctx, "owner")
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(facts) != 1 || facts[0].Value != "Sam" || facts[0].Provenance != first.TurnID {
		t.Fatalf("facts = %+v", facts)
	}

	turns, err := f.store.RecentTurns(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(turns) != 2 || turns[0].ID != first.TurnID || turns[1].Seq != 2 {
		t.Fatalf("turns = %+v", turns)
	}
	if turns[1].CreatedAt.Before(turns[0].CreatedAt) {
		t.Fatalf("turn timestamps went backwards")
	}
}

func TestRespondFallsBackAcrossProviders(t *testing.T) {
	f := newFixture(t, fixtureOptions{adapters: []provider.Adapter{
		failingAdapter{name: "primary"},
		provider.NewEchoAdapter("echo"),
	}})
	reply, err := f.svc.Respond(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply.Provider != "echo" {
		t.Fatalf("Provider = %q, want echo", reply.Provider)
	}
}

func TestRespondExhaustedPersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{adapters: []provider.Adapter{
		failingAdapter{name: "a"},
		failingAdapter{name: "b"},
	}})
	_, err := f.svc.Respond(ctx, "s1", "my name is Sam")
	if !errors.Is(err, reliability.ErrExhausted) {
		t.Fatalf("error = %v, want exhausted", err)
	}
	var exhausted *provider.ExhaustedError
	if !errors.As(err, &exhausted) || len(exhausted.Attempts) != 2 {
		t.Fatalf("error = %#v", err)
	}
	turns, _ := f.store.RecentTurns(ctx, "s1", 10)
	facts, _ := f.profiles.GetAll(ctx, "owner")
	if len(turns) != 0 || len(facts) != 0 {
		t.Fatalf("persisted after failure: turns=%d facts=%d", len(turns), len(facts))
	}
}

func TestRespondEmbeddingFailureIsAWarning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{embedder: brokenEmbedder{}})
	reply, err := f.svc.Respond(ctx, "s1", "hello there")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if len(reply.Warnings) != 1 || reply.Warnings[0].Stage != StageEmbed {
		t.Fatalf("warnings = %+v", reply.Warnings)
	}
	turns, _ := f.store.RecentTurns(ctx, "s1", 10)
	if len(turns) != 1 || turns[0].ID != reply.TurnID {
		t.Fatalf("turn log = %+v, want the reply's turn", turns)
	}
	query, _ := embedding.NewHash(64).Embed(ctx, "hello there")
	matches, err := f.store.Nearest(ctx, "owner", query, 5)
	if err != nil || len(matches) != 0 {
		t.Fatalf("records = %+v, %v; want none", matches, err)
	}

	// The buffer agrees with the turn log after rehydration.
	f.buffer.Drop("s1")
	recent, err := f.buffer.Turns(ctx, "s1")
	if err != nil || len(recent) != 1 || recent[0].ID != reply.TurnID {
		t.Fatalf("rehydrated buffer = %+v, %v", recent, err)
	}
}

func TestRespondCommitFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{refuse: true})
	reply, err := f.svc.Respond(ctx, "s1", "Hi, my name is Sam")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if len(reply.Warnings) != 1 || reply.Warnings[0].Stage != StageCommit {
		t.Fatalf("warnings = %+v", reply.Warnings)
	}
	recent, err := f.buffer.Turns(ctx, "s1")
	if err != nil || len(recent) != 0 {
		t.Fatalf("buffer = %+v, %v; want empty", recent, err)
	}
	facts, _ := f.profiles.GetAll(ctx, "owner")
	if len(facts) != 0 {
		t.Fatalf("facts = %+v, want none", facts)
	}

	// The uncommitted turn does not use up its position.
	next, err := f.svc.Respond(ctx, "s1", "still there?")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if next.Seq != reply.Seq {
		t.Fatalf("Seq = %d, want %d", next.Seq, reply.Seq)
	}
}

func TestRespondContextOverflow(t *testing.T) {
	f := newFixture(t, fixtureOptions{budget: 10})
	_, err := f.svc.Respond(context.Background(), "s1", strings.Repeat("word ", 50))
	if !errors.Is(err, reliability.ErrContextOverflow) {
		t.Fatalf("error = %v, want context overflow", err)
	}
}

func TestRespondRejectsEmptyUtterance(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	if _, err := f.svc.Respond(context.Background(), "s1", "   "); !errors.Is(err, ErrEmptyUtterance) {
		t.Fatalf("error = %v, want ErrEmptyUtterance", err)
	}
}

func TestRespondRedactsPersistedText(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{redactPII: true})
	reply, err := f.svc.Respond(ctx, "s1", "write to sam@example.com please")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	// The live reply is untouched.
	if !strings.Contains(reply.Text, "sam@example.com") {
		t.Fatalf("reply = %q", reply.Text)
	}
	turns, _ := f.store.RecentTurns(ctx, "s1", 10)
	if len(turns) != 1 || strings.Contains(turns[0].User.Content, "sam@example.com") {
		t.Fatalf("stored turn = %+v", turns)
	}
}

func TestDeleteTurnHidesItFromRecall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})
	first, err := f.svc.Respond(ctx, "s1", "I like chess")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if _, err := f.svc.Respond(ctx, "s1", "anything new?"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	if err := f.svc.DeleteTurn(ctx, "s1", first.TurnID); err != nil {
		t.Fatalf("DeleteTurn() error = %v", err)
	}
	history, err := f.svc.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].ID == first.TurnID {
		t.Fatalf("history = %+v", history)
	}
	recent, _ := f.buffer.Turns(ctx, "s1")
	for _, turn := range recent {
		if turn.ID == first.TurnID {
			t.Fatalf("deleted turn still in short-term buffer")
		}
	}

	if err := f.svc.DeleteTurn(ctx, "s1", "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("DeleteTurn(missing) error = %v, want memory.ErrNotFound", err)
	}
}

func TestRespondUsesSessionUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})
	s := f.sessions.Create("alex")
	if _, err := f.svc.Respond(ctx, s.ID, "I live in Turin"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	facts, _ := f.profiles.GetAll(ctx, "alex")
	if len(facts) != 1 || facts[0].Key != "location" {
		t.Fatalf("facts = %+v", facts)
	}
}
