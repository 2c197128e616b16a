package rag

import (
	"fmt"
	"strings"

	"github.com/formflow/formflow/core"
)

// Prompt templates. Angle-bracket tags delimit untrusted document and human
// text so the model can tell instruction from payload.

func schemaPrompt(form string) string {
	return fmt.Sprintf(`This is a parsed form. Convert it into a JSON object containing only the list of fields to be filled in, in the form { "fields": [...] }. <form>%s</form>. Return JSON ONLY, no markdown.`, form)
}

func fieldQuestion(field core.Field) string {
	q := fmt.Sprintf("How would you answer this question about the candidate? <field>%s</field>", field.Name)
	if field.Description != "" {
		q += fmt.Sprintf(" (%s)", field.Description)
	}
	return q
}

func refinedQuestion(field core.Field, r *core.Refinement) string {
	q := fieldQuestion(field)
	q += fmt.Sprintf(`
We previously got feedback about how we answered the questions.
It might not be relevant to this particular field, but here it is:
<feedback>%s</feedback>
Our previous answer was: <answer>%s</answer>`, r.Feedback, r.PriorAnswer)
	return q
}

func answerPrompt(question string, passages []Passage) string {
	var sb strings.Builder
	sb.WriteString("This is a question about the specific resume we have in our database:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nAnswer succinctly and factually using only the context below.\n<context>\n")
	for _, p := range passages {
		fmt.Fprintf(&sb, "[%s] %s\n", p.Ref, p.Text)
	}
	sb.WriteString("</context>")
	return sb.String()
}

func classifyPrompt(feedback string) string {
	return fmt.Sprintf(`You have received some human feedback on the form-filling task you've done.
Does everything look good, or is there more work to be done?
<feedback>
%s
</feedback>
If everything is fine, respond with just the word 'OKAY'.
If there's any other feedback, respond with just the word 'FEEDBACK'.`, feedback)
}

func targetsPrompt(feedback string, fields []core.Field) string {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}
	return fmt.Sprintf(`A human reviewed a filled-in form and gave this feedback:
<feedback>%s</feedback>
The form has these fields: %s.
Which fields does the feedback ask to change? Respond with a JSON array of field
names, or [] if the feedback applies to the whole form. Return JSON ONLY, no markdown.`,
		feedback, strings.Join(names, ", "))
}
