package llm

import (
	"fmt"
	"strings"

	"shadowscan/internal/store"
)

const systemPrompt = `You are an enterprise security analyst specializing in SaaS and web service classification.

Your task is to analyze URL signatures and domains to identify:
- What service/application the URL belongs to
- Whether it poses a data security risk for enterprises
- Specifically: whether it is a GenAI/LLM service (Shadow AI detection)

CRITICAL RULES:
1. Return ONLY valid JSON matching the provided schema
2. No markdown formatting, no code blocks, no explanatory text
3. If you cannot identify the service with confidence, use:
   - service_name: "Unknown"
   - usage_type: "unknown"
   - confidence: 0.3 or lower
4. Never guess or hallucinate service names
5. For GenAI/LLM services, always set usage_type="genai" and risk_level="high"`

const userPromptTemplate = `Analyze the following URL signatures and classify each one.

## Context
- Purpose: Enterprise Shadow IT and Shadow AI monitoring
- Focus: Identify unauthorized GenAI tools, cloud storage, and data exfiltration risks
- If uncertain, use usage_type="unknown" and confidence<=0.5

## Output Schema (strict JSON, no extra keys)
%s

## URL Signatures to Analyze
%s

## Output Format
Return a JSON array with exactly one object per input signature, in input order.`

const retryPromptTemplate = `Your previous response was not valid JSON or did not match the required schema.

Error: %s

Please respond with ONLY a valid JSON array. No markdown, no code blocks, no explanatory text before or after the JSON.

Required schema:
%s

Original request:
%s`

// buildUserPrompt renders a batch for the analyzer. Only the signature,
// the normalized host, the normalized path template, and aggregate
// statistics are present; no user identifiers, source addresses, device
// identifiers, or unredacted URL fragments may ever reach this function.
func buildUserPrompt(batch []store.PendingSignature) string {
	return fmt.Sprintf(userPromptTemplate, schemaForPrompt(), formatSignatures(batch))
}

func buildRetryPrompt(errMsg, original string) string {
	return fmt.Sprintf(retryPromptTemplate, errMsg, schemaForPrompt(), original)
}

func formatSignatures(batch []store.PendingSignature) string {
	lines := make([]string, 0, len(batch))
	for i, sig := range batch {
		host := sig.NormHost
		if host == "" {
			host = "unknown"
		}
		path := sig.NormPathTemplate
		if path == "" {
			path = "/"
		}
		lines = append(lines, fmt.Sprintf(
			"%d. Host: %s | Path: %s | Access Count: %d | Bytes Sent: %d",
			i+1, host, path, sig.AccessCount, sig.BytesSentSum))
	}
	return strings.Join(lines, "\n")
}
