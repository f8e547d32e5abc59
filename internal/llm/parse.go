package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Veraticus/expense-flow/internal/common"
)

// cleanMarkdownWrapper strips ```json fences and any text around the outermost object.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}

// parseClassification decodes the JSON object the prompt asks for.
// Malformed output is permanent: retrying the same prompt rarely fixes it.
func parseClassification(content string) (ClassificationResponse, error) {
	var jsonResp struct {
		NormalizedText string  `json:"normalizedText"`
		GLCode         string  `json:"glCode"`
		Department     string  `json:"department"`
		Confidence     float64 `json:"confidence"`
	}

	content = cleanMarkdownWrapper(content)

	if err := json.Unmarshal([]byte(content), &jsonResp); err != nil {
		return ClassificationResponse{}, common.Permanent(
			fmt.Errorf("%w: failed to parse JSON response: %w", common.ErrProviderFailure, err))
	}

	if strings.TrimSpace(jsonResp.NormalizedText) == "" || strings.TrimSpace(jsonResp.GLCode) == "" {
		return ClassificationResponse{}, common.Permanent(
			fmt.Errorf("%w: response missing normalizedText or glCode", common.ErrProviderFailure))
	}

	confidence := jsonResp.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return ClassificationResponse{
		NormalizedText: strings.TrimSpace(jsonResp.NormalizedText),
		GLCode:         strings.TrimRight(strings.TrimSpace(jsonResp.GLCode), "."),
		Department:     strings.TrimSpace(jsonResp.Department),
		Confidence:     confidence,
	}, nil
}
