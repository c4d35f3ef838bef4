package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/turnflow/internal/model/chat"
)

// PromptTemplate defines the fixed part of the system prompt.
type PromptTemplate struct {
	SystemPrompt string
	ContextRules []string
}

// ProfilePromptBuilder turns a caller's profile into a system prompt.
type ProfilePromptBuilder struct {
	template PromptTemplate
}

// NewProfilePromptBuilder creates a builder with the default template.
func NewProfilePromptBuilder() *ProfilePromptBuilder {
	return &ProfilePromptBuilder{template: defaultTemplate()}
}

// BuildSystemPrompt creates the system prompt. Empty profile fields are
// left out entirely.
func (b *ProfilePromptBuilder) BuildSystemPrompt(p chat.Profile) string {
	var builder strings.Builder
	builder.WriteString(b.template.SystemPrompt)

	var about []string
	if p.Name != "" {
		about = append(about, "- Name: "+p.Name)
	}
	if p.Occupation != "" {
		about = append(about, "- Occupation: "+p.Occupation)
	}
	if len(p.Traits) > 0 {
		about = append(about, "- Preferred traits: "+strings.Join(p.Traits, ", "))
	}
	if p.About != "" {
		about = append(about, "- About: "+p.About)
	}
	if len(about) > 0 {
		builder.WriteString("\n\nAbout the user:\n")
		builder.WriteString(strings.Join(about, "\n"))
	}

	if len(b.template.ContextRules) > 0 {
		builder.WriteString("\n\nRules:\n- ")
		builder.WriteString(strings.Join(b.template.ContextRules, "\n- "))
	}

	if p.Language != "" {
		builder.WriteString(fmt.Sprintf("\n\nAlways answer in %s unless asked otherwise.", p.Language))
	}
	if instr := strings.TrimSpace(p.CustomInstructions); instr != "" {
		builder.WriteString("\n\nAdditional instructions from the user:\n")
		builder.WriteString(instr)
	}
	return builder.String()
}

func defaultTemplate() PromptTemplate {
	return PromptTemplate{
		SystemPrompt: "You are a helpful assistant in a long-running conversation. Use the earlier turns as context and answer the latest user message.",
		ContextRules: []string{
			"Be accurate; say so when you do not know",
			"Prefer concise answers and expand only when asked",
			"Use markdown for code and lists",
		},
	}
}
