package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/provider"
	"github.com/antoniostano/atom/internal/reliability"
	"github.com/antoniostano/atom/internal/tokenizer"
)

const DefaultSystemPrompt = `You are %s, a helpful personal assistant. Be concise and friendly.
Use what you know about the user and earlier conversations when it helps, and never invent memories.`

// Assembly is the provider-agnostic message sequence for one request.
type Assembly struct {
	Messages []conversation.Message
	Tokens   int
	Included int
	Dropped  int
}

// Assembler fits context into a token budget. The output is the system
// prompt, context ordered least to most relevant, and the user utterance
// last. The utterance is never truncated.
type Assembler struct {
	counter tokenizer.Counter
	budget  int
	system  string
}

func NewAssembler(counter tokenizer.Counter, budget int, systemPrompt string) *Assembler {
	if counter == nil {
		counter = tokenizer.Heuristic{}
	}
	return &Assembler{counter: counter, budget: budget, system: systemPrompt}
}

// SystemPrompt renders the default identity prompt for an assistant name.
func SystemPrompt(assistantName string) string {
	if strings.TrimSpace(assistantName) == "" {
		assistantName = "Atom"
	}
	return fmt.Sprintf(DefaultSystemPrompt, assistantName)
}

func (a *Assembler) Assemble(items []conversation.ContextItem, utterance string) (Assembly, error) {
	system := conversation.NewMessage(conversation.RoleSystem, a.system)
	user := conversation.NewMessage(conversation.RoleUser, utterance)

	used := provider.CountTokens(a.counter, []conversation.Message{system, user})
	if used > a.budget {
		return Assembly{}, reliability.Errorf(reliability.KindContextOverflow, "assembler",
			"system prompt and utterance need %d tokens, budget is %d", used, a.budget)
	}

	// Items arrive least relevant first; walk them backwards so that among
	// equal scores the later one ranks higher.
	ranked := make([]conversation.ContextItem, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		if strings.TrimSpace(items[i].Text) != "" {
			ranked = append(ranked, items[i])
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	kept := make([]conversation.Message, 0, len(ranked))
	for _, it := range ranked {
		msg := conversation.NewMessage(conversation.RoleSystem, render(it))
		cost := provider.CountTokens(a.counter, []conversation.Message{msg})
		if used+cost > a.budget {
			break
		}
		used += cost
		kept = append(kept, msg)
	}

	out := make([]conversation.Message, 0, len(kept)+2)
	out = append(out, system)
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i])
	}
	out = append(out, user)
	return Assembly{
		Messages: out,
		Tokens:   used,
		Included: len(kept),
		Dropped:  len(ranked) - len(kept),
	}, nil
}

func render(it conversation.ContextItem) string {
	var label string
	switch it.Source {
	case conversation.SourceProfile:
		label = "Known about the user"
	case conversation.SourceShortTerm:
		label = "Recent conversation"
	default:
		label = "From earlier conversations"
	}
	return label + ":\n- " + it.Text
}
