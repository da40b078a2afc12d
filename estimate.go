package chatgate

import "unicode/utf8"

// CharsPerToken is the approximation used by EstimateTokens.
const CharsPerToken = 4

// EstimateTokens provides a rough token count for a piece of text.
// Uses the approximation: ~4 characters per token, rounded up.
func EstimateTokens(text string) int64 {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int64((n + CharsPerToken - 1) / CharsPerToken)
}

// EstimateAdmissionCost returns the pre-flight cost of a query: the query
// estimate plus a fixed allowance for the response.
func EstimateAdmissionCost(query string, responseAllowance int64) int64 {
	return EstimateTokens(query) + responseAllowance
}

// EstimateCompletionCost returns the amount billed for a completed answer.
func EstimateCompletionCost(query, answer string) int64 {
	return EstimateTokens(query) + EstimateTokens(answer)
}
