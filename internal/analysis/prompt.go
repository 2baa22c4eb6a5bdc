package analysis

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a regulatory compliance reviewer for marketing and advertising content.
Assess the submitted content against advertising standards: truthful and substantiated claims,
health and medical claims, financial promotions, endorsement and sponsorship disclosure,
pricing and "free" claims, comparative advertising, and content aimed at minors.

If the content is not marketing or advertising material, answer with status "not_applicable".

Answer with a single JSON object and nothing else:
{
  "status": "compliant" | "requires_review" | "non_compliant" | "not_applicable",
  "summary": "one or two sentences",
  "overallVerdict": "short recommendation for the author",
  "issues": [
    {
      "guidelineReference": "rule or code section",
      "finding": "what is wrong",
      "severity": "Critical" | "Warning" | "Info",
      "recommendation": "how to fix it"
    }
  ]
}`

func userPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Platform: %s\n", in.Platform)
	fmt.Fprintf(&b, "Content type: %s\n", in.ContentType)
	if in.Image != nil {
		b.WriteString("An image is attached; review any text and claims it contains.\n")
	}
	b.WriteString("\nContent:\n")
	b.WriteString(in.Content)
	return b.String()
}
