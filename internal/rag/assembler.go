// Package rag retrieves a patient's historical report chunks to ground
// generative calls. Retrieval is always patient-scoped; a patient with no
// history yields an explicit empty context, never an error.
package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/aivara/medcore/internal/embedding"
	"github.com/aivara/medcore/internal/vectorstore"
)

// DefaultTopK is the default number of chunks retrieved per query.
const DefaultTopK = 5

// Context is the assembled historical grounding for one generative call.
type Context struct {
	// Empty marks a patient with no retrievable history. Downstream prompts
	// must still proceed without history when set.
	Empty  bool
	Text   string
	Chunks []vectorstore.ScoredChunk
}

// Assembler embeds a query and retrieves the most relevant historical chunks.
type Assembler struct {
	provider embedding.Provider
	store    vectorstore.Store
	topK     int
}

// NewAssembler creates an Assembler. topK defaults to DefaultTopK if <= 0.
func NewAssembler(provider embedding.Provider, store vectorstore.Store, topK int) *Assembler {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Assembler{provider: provider, store: store, topK: topK}
}

// Assemble returns the top-K chunks of patientID's history most relevant to
// query, formatted with enough provenance for prompts to cite the source
// report and date.
func (a *Assembler) Assemble(ctx context.Context, patientID, query string) (Context, error) {
	vec, err := a.provider.Embed(ctx, query)
	if err != nil {
		return Context{}, fmt.Errorf("embedding query: %w", err)
	}

	chunks, err := a.store.Search(ctx, patientID, vec.Values, a.topK)
	if err != nil {
		return Context{}, fmt.Errorf("searching patient history: %w", err)
	}

	if len(chunks) == 0 {
		return Context{Empty: true}, nil
	}

	return Context{
		Text:   formatChunks(chunks),
		Chunks: chunks,
	}, nil
}

// formatChunks renders retrieved chunks with report name, date, and position
// so downstream prompts can cite "based on your report from <date>".
func formatChunks(chunks []vectorstore.ScoredChunk) string {
	var sb strings.Builder
	for i, ch := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		name := ch.ReportName
		if name == "" {
			name = ch.ReportID
		}
		fmt.Fprintf(&sb, "[Report %q from %s, section %d]\n%s",
			name, ch.CreatedAt.Format("2006-01-02"), ch.Index+1, ch.Text)
	}
	return sb.String()
}
