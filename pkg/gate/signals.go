package gate

import (
	"regexp"
	"strings"
)

// Signal sources, highest precedence first.
const (
	SourceContract       = "contract"
	SourceFailureSignal  = "failure_signal"
	SourceExpectedSignal = "expected_signal"
	SourceNegative       = "negative_keyword"
	SourcePositive       = "positive_keyword"
	SourceExecution      = "execution"
	SourceNone           = "none"
)

var (
	negativePattern = regexp.MustCompile(`(?i)\b(fail(ed|ure|s)?|refuted|falsified|contradict(s|ed|ion)?|rejected|not supported|unsupported)\b`)
	positivePattern = regexp.MustCompile(`(?i)\b(pass(ed|es)?|supported|confirmed|consistent|verified)\b`)
)

// SignalInput is what the classifier knows about one run.
type SignalInput struct {
	// ContractTruth is the runner's self-reported truth assessment.
	ContractTruth  string
	FailureSignal  string
	ExpectedSignal string
	Output         string
}

// Signal is a classified run outcome. Strong signals come from the
// contract, a declared marker, or unmixed keywords.
type Signal struct {
	Truth  Truth  `json:"truth"`
	Source string `json:"source"`
	Strong bool   `json:"strong"`
}

// ClassifySignals applies the fixed precedence: contract truth assessment,
// then the runner's declared failure signal, its declared expected signal,
// generic negative keywords and finally generic positive keywords.
func ClassifySignals(in SignalInput) Signal {
	switch strings.ToUpper(strings.TrimSpace(in.ContractTruth)) {
	case string(TruthPass):
		return Signal{Truth: TruthPass, Source: SourceContract, Strong: true}
	case string(TruthFail):
		return Signal{Truth: TruthFail, Source: SourceContract, Strong: true}
	case string(TruthInconclusive):
		return Signal{Truth: TruthInconclusive, Source: SourceContract, Strong: true}
	}

	out := strings.ToLower(in.Output)
	if containsSignal(out, in.FailureSignal) {
		return Signal{Truth: TruthFail, Source: SourceFailureSignal, Strong: true}
	}
	if containsSignal(out, in.ExpectedSignal) {
		return Signal{Truth: TruthPass, Source: SourceExpectedSignal, Strong: true}
	}
	neg := negativePattern.MatchString(in.Output)
	pos := positivePattern.MatchString(stripNegatives(in.Output))
	if neg {
		return Signal{Truth: TruthFail, Source: SourceNegative, Strong: !pos}
	}
	if pos {
		return Signal{Truth: TruthPass, Source: SourcePositive}
	}
	return Signal{Truth: TruthInconclusive, Source: SourceNone}
}

func containsSignal(lowerOutput, signal string) bool {
	s := strings.ToLower(strings.TrimSpace(signal))
	return s != "" && strings.Contains(lowerOutput, s)
}

// stripNegatives removes negative phrases so "not supported" does not also
// count as a positive match.
func stripNegatives(s string) string {
	return negativePattern.ReplaceAllString(s, " ")
}
