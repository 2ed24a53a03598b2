package runner

import (
	"fmt"
	"strings"

	"github.com/tutu-network/docreview/internal/domain"
)

// PromptConfig selects the models of the two subtask kinds.
type PromptConfig struct {
	SearchModel   string // model for codebase-search subtasks
	AnalysisModel string // model for the deep-analysis subtask
}

// Material is the extracted text of one input document.
type Material struct {
	Source domain.InputSource
	Text   string
}

const systemPrompt = `You review technical documents against the code they describe.
Work in three stages. First delegate several codebase-search subtasks in parallel,
one per area of the document. Then delegate exactly one deep-analysis subtask with
everything the searches found. Finally write the review yourself in markdown.
Only report findings you can support with file paths from the repositories.`

const searchPrompt = `You locate the code that implements one area of a document.
Use Glob to find candidate files, Grep to narrow them down and Read to confirm.
Return the relevant file paths with a one-line summary of each.`

const analysisPrompt = `You compare a document against the code that implements it.
Read every file you were given. List each claim of the document that the code
contradicts, does not implement, or implements differently, with file paths.`

// Agents declares the subtask kinds the review controller may delegate to.
func Agents(cfg PromptConfig) map[string]domain.AgentDefinition {
	tools := []string{domain.ToolRead, domain.ToolGrep, domain.ToolGlob}
	return map[string]domain.AgentDefinition{
		domain.KindCodebaseSearch: {
			Description: "Finds the code implementing one area of the reviewed document.",
			Prompt:      searchPrompt,
			Tools:       tools,
			Model:       cfg.SearchModel,
		},
		domain.KindDeepAnalysis: {
			Description: "Compares the document against the located code in depth.",
			Prompt:      analysisPrompt,
			Tools:       tools,
			Model:       cfg.AnalysisModel,
		},
	}
}

// ComposeRequest builds the engine request for one run of job.
func ComposeRequest(job *domain.Job, primary Material, supplementary []Material, cfg PromptConfig) domain.EngineRequest {
	var b strings.Builder
	if job.Title != "" {
		fmt.Fprintf(&b, "Review title: %s\n\n", job.Title)
	}
	fmt.Fprintf(&b, "<document name=%q>\n%s\n</document>\n\n", primary.Source.Name, primary.Text)

	if len(supplementary) > 0 {
		b.WriteString("Supplementary material (context only, not under review):\n\n")
		for _, m := range supplementary {
			fmt.Fprintf(&b, "<supplementary name=%q>\n%s\n</supplementary>\n\n", m.Source.Name, m.Text)
		}
	}

	b.WriteString("Repositories to check the document against:\n")
	for _, p := range job.RepoPaths {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString("\nWrite the review as markdown with a short summary followed by a findings list.\n")

	workDir := ""
	if len(job.RepoPaths) > 0 {
		workDir = job.RepoPaths[0]
	}
	return domain.EngineRequest{
		JobID:        job.ID,
		Prompt:       b.String(),
		SystemPrompt: systemPrompt,
		WorkingDir:   workDir,
		AddDirs:      job.RepoPaths,
		Agents:       Agents(cfg),
	}
}
