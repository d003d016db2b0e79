package turn

import "strings"

// IncompatReason is a typed protocol-incompatibility signal derived from a
// backend error. Heterogeneous gateways report shape mismatches as
// free-text errors; the classifier is the single place that inspects that
// text so the fallback chain can stay table-driven.
type IncompatReason string

const (
	IncompatNone IncompatReason = ""

	// IncompatInputText: the backend rejects typed input_text content
	// blocks (or the refusal field that rides along with them).
	IncompatInputText IncompatReason = "input_text_unsupported"

	// IncompatOutputText: the backend rejects output-typed assistant
	// history items.
	IncompatOutputText IncompatReason = "output_text_unsupported"

	// IncompatPreviousResponse: the backend does not support referencing
	// a prior turn for continuation.
	IncompatPreviousResponse IncompatReason = "previous_response_unsupported"

	// IncompatStreamFormat: the streamed variant failed with a
	// format/parse signal; the same request may succeed buffered.
	IncompatStreamFormat IncompatReason = "stream_format"

	// IncompatToolProtocol: the tool-capable protocol is rejected
	// outright (whole-mode fallback territory).
	IncompatToolProtocol IncompatReason = "tool_protocol_unsupported"
)

// Classifier maps backend errors to typed incompatibility reasons.
type Classifier interface {
	Classify(err error) IncompatReason
}

type classifierRule struct {
	reason IncompatReason

	// all substrings must be present (lower-cased match).
	all []string
}

// substringClassifier implements the pragmatic compatibility shim for
// known backend quirks. Rules are ordered: the first full match wins.
type substringClassifier struct {
	rules []classifierRule
}

// NewQuirkClassifier returns the default classifier with one rule per
// known backend quirk.
func NewQuirkClassifier() Classifier {
	return &substringClassifier{rules: []classifierRule{
		{reason: IncompatPreviousResponse, all: []string{"previous_response_id"}},
		{reason: IncompatPreviousResponse, all: []string{"previous response", "not supported"}},
		{reason: IncompatInputText, all: []string{"input_text"}},
		{reason: IncompatInputText, all: []string{"refusal"}},
		{reason: IncompatOutputText, all: []string{"output_text"}},
		{reason: IncompatOutputText, all: []string{"output text", "invalid"}},
		{reason: IncompatStreamFormat, all: []string{"stream", "unsupported"}},
		{reason: IncompatStreamFormat, all: []string{"streaming", "not supported"}},
		{reason: IncompatStreamFormat, all: []string{"failed to parse stream"}},
		{reason: IncompatStreamFormat, all: []string{"invalid sse"}},
		{reason: IncompatToolProtocol, all: []string{"tools", "not supported"}},
		{reason: IncompatToolProtocol, all: []string{"function calling", "unsupported"}},
		{reason: IncompatToolProtocol, all: []string{"unknown endpoint", "responses"}},
		{reason: IncompatToolProtocol, all: []string{"404", "/responses"}},
	}}
}

func (c *substringClassifier) Classify(err error) IncompatReason {
	if c == nil || err == nil {
		return IncompatNone
	}
	text := strings.ToLower(err.Error())
	if strings.TrimSpace(text) == "" {
		return IncompatNone
	}
	for _, rule := range c.rules {
		matched := true
		for _, sub := range rule.all {
			if !strings.Contains(text, sub) {
				matched = false
				break
			}
		}
		if matched {
			return rule.reason
		}
	}
	return IncompatNone
}
