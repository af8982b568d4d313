// Package xmltool parses the wire-compatible XML tool-call dialect the
// execution engine accepts alongside each provider's native function-call
// objects: <function_calls><invoke name="…"><parameter name="…">…</parameter>
// …</invoke>…</function_calls>. Parsing is regex-based, mirroring the
// reference implementation's own approach, since the dialect is a small,
// fixed, non-nesting grammar that a general XML parser would only
// complicate (attribute quoting rules, self-closing tags, and parameter
// values need none of XML's full entity/namespace handling).
package xmltool

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	functionCallsPattern = regexp.MustCompile(`(?is)<function_calls>(.*?)</function_calls>`)
	invokePattern        = regexp.MustCompile(`(?is)<invoke\s+name=["']([^"']+)["']>(.*?)</invoke>`)
	parameterPattern     = regexp.MustCompile(`(?is)<parameter\s+name=["']([^"']+)["']>(.*?)</parameter>`)
)

// Call is one parsed <invoke> block.
type Call struct {
	// ID is assigned by the caller via NextID; zero-value until set.
	ID string
	// Name is the invoke tag's name attribute.
	Name string
	// Parameters holds each <parameter> by name, coerced per the dialect's
	// typing rules (JSON object/array, bool, number, else string).
	Parameters map[string]any
	// Raw is the invoke block's exact source text.
	Raw string
}

// ParseCalls extracts every <invoke> inside every <function_calls> block in
// content, without assigning IDs. The result is deterministic: identical
// input always yields the same (name, parameters) tuples in the same order.
func ParseCalls(content string) []Call {
	var calls []Call
	for _, fcMatch := range functionCallsPattern.FindAllStringSubmatch(content, -1) {
		block := fcMatch[1]
		for _, invMatch := range invokePattern.FindAllStringSubmatch(block, -1) {
			name, body, raw := invMatch[1], invMatch[2], invMatch[0]
			calls = append(calls, Call{
				Name:       name,
				Parameters: parseParameters(body),
				Raw:        raw,
			})
		}
	}
	return calls
}

// ParseCallsWithIDs is ParseCalls plus id assignment in the
// "xml_tool_index{i}_{assistantMessageID}" form, where i starts at
// startIndex and increments per call within this chunk.
func ParseCallsWithIDs(content, assistantMessageID string, startIndex int) []Call {
	calls := ParseCalls(content)
	for i := range calls {
		calls[i].ID = "xml_tool_index" + strconv.Itoa(startIndex+i) + "_" + assistantMessageID
	}
	return calls
}

func parseParameters(invokeBody string) map[string]any {
	params := map[string]any{}
	for _, m := range parameterPattern.FindAllStringSubmatch(invokeBody, -1) {
		name := m[1]
		value := strings.TrimSpace(m[2])
		params[name] = coerceValue(value)
	}
	return params
}

// coerceValue applies the dialect's parameter typing rules in order: JSON
// object/array, boolean, number, else string.
func coerceValue(value string) any {
	if strings.HasPrefix(value, "{") || strings.HasPrefix(value, "[") {
		var v any
		if err := json.Unmarshal([]byte(value), &v); err == nil {
			return v
		}
	}
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// Strip removes every <function_calls>…</function_calls> block from
// content, leaving only the natural-language text a client should see.
func Strip(content string) string {
	if content == "" {
		return ""
	}
	cleaned := regexp.MustCompile(`(?is)<function_calls[^>]*>.*?</function_calls>`).ReplaceAllString(content, "")
	return strings.TrimSpace(cleaned)
}

// ExtractChunks returns every complete <function_calls>…</function_calls>
// substring of content, in order, for incremental streaming detection.
func ExtractChunks(content string) []string {
	const start, end = "<function_calls>", "</function_calls>"
	var chunks []string
	pos := 0
	for pos < len(content) {
		s := strings.Index(content[pos:], start)
		if s == -1 {
			break
		}
		s += pos
		e := strings.Index(content[s:], end)
		if e == -1 {
			break
		}
		e = s + e + len(end)
		chunks = append(chunks, content[s:e])
		pos = e
	}
	return chunks
}
