// Package llm is the generative-inference tier of the categorization cascade.
// It supports OpenAI and Anthropic providers, with rate limiting and retry on
// transient provider failures.
package llm
