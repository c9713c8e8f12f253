package contract

import (
	"fmt"
	"strings"
)

const maxVariants = 5

// checkRules enforces cross-field constraints the schemas cannot express.
func checkRules(doc Document) error {
	switch d := doc.(type) {
	case *ExperimentPlan:
		return checkExperimentPlan(d)
	case *FalsificationPlan:
		return checkFalsificationPlan(d)
	case *Normalization:
		if d.Claim.Statement == "" {
			return fmt.Errorf("claim.statement is required")
		}
		if d.Status == StatusIncomplete && len(d.MissingFields) == 0 {
			return fmt.Errorf("status=incomplete requires missing_fields")
		}
	case *Analysis:
		if d.Summary == "" {
			return fmt.Errorf("summary is required")
		}
	}
	return nil
}

func checkExperimentPlan(p *ExperimentPlan) error {
	if p.Status == StatusSkipped {
		if p.Reason == "" {
			return fmt.Errorf("status=skipped requires reason")
		}
		return nil
	}
	if len(p.Runners) == 0 {
		return fmt.Errorf("status=ready requires at least one runner")
	}

	ids := make(map[string]bool, len(p.Runners))
	for i, r := range p.Runners {
		if r.ID == "" {
			return fmt.Errorf("runners[%d]: id is required", i)
		}
		if ids[r.ID] {
			return fmt.Errorf("runners[%d]: duplicate runner id %q", i, r.ID)
		}
		ids[r.ID] = true
		if r.Source == "" && len(r.RunCommand) == 0 {
			return fmt.Errorf("runner %q needs source or run_command", r.ID)
		}
	}
	for _, id := range p.ExecutionOrder {
		if !ids[id] {
			return fmt.Errorf("execution_order references unknown runner %q", id)
		}
	}
	return nil
}

func checkFalsificationPlan(p *FalsificationPlan) error {
	for i, t := range p.Tests {
		if t.ID == "" {
			return fmt.Errorf("tests[%d]: id is required", i)
		}
	}
	for i, v := range p.Variants {
		if v.ID == "" {
			return fmt.Errorf("variants[%d]: id is required", i)
		}
	}
	if len(p.Variants) > maxVariants {
		return fmt.Errorf("at most %d variants allowed, got %d", maxVariants, len(p.Variants))
	}
	if p.Status == StatusSkipped {
		if p.Reason == "" {
			return fmt.Errorf("status=skipped requires reason")
		}
		return nil
	}
	if len(p.Tests) == 0 {
		return fmt.Errorf("status=ready requires at least one test")
	}
	return nil
}

// normalizeDocument trims strings and collapses empty collections to nil so
// decoding and canonical re-encoding agree.
func normalizeDocument(doc Document) {
	switch d := doc.(type) {
	case *Analysis:
		d.Summary = strings.TrimSpace(d.Summary)
		d.KeyPoints = cleanStrings(d.KeyPoints)
		d.Risks = cleanStrings(d.Risks)
		d.OpenQuestions = cleanStrings(d.OpenQuestions)

	case *Normalization:
		d.Claim.Statement = strings.TrimSpace(d.Claim.Statement)
		d.Claim.Domain = strings.TrimSpace(d.Claim.Domain)
		d.Claim.Subject = strings.TrimSpace(d.Claim.Subject)
		d.Claim.Outcome = strings.TrimSpace(d.Claim.Outcome)
		d.MissingFields = cleanStrings(d.MissingFields)
		d.Keywords = cleanStrings(d.Keywords)

	case *FalsificationPlan:
		d.Reason = strings.TrimSpace(d.Reason)
		d.NextAction = strings.TrimSpace(d.NextAction)
		if len(d.Tests) == 0 {
			d.Tests = nil
		}
		for i := range d.Tests {
			d.Tests[i].ID = strings.TrimSpace(d.Tests[i].ID)
		}
		if len(d.Variants) == 0 {
			d.Variants = nil
		}
		for i := range d.Variants {
			d.Variants[i].ID = strings.TrimSpace(d.Variants[i].ID)
		}

	case *ExperimentPlan:
		d.Reason = strings.TrimSpace(d.Reason)
		d.Hypothesis = strings.TrimSpace(d.Hypothesis)
		d.NextAction = strings.TrimSpace(d.NextAction)
		d.Assumptions = cleanStrings(d.Assumptions)
		d.ExecutionOrder = cleanStrings(d.ExecutionOrder)
		if len(d.Runners) == 0 {
			d.Runners = nil
		}
		for i := range d.Runners {
			r := &d.Runners[i]
			r.ID = strings.TrimSpace(r.ID)
			r.Language = strings.ToLower(strings.TrimSpace(r.Language))
			r.Filename = strings.TrimSpace(r.Filename)
			r.TestIDs = cleanStrings(r.TestIDs)
			r.RequiredInputs = cleanStrings(r.RequiredInputs)
			r.ExpectedSignal = strings.TrimSpace(r.ExpectedSignal)
			r.FailureSignal = strings.TrimSpace(r.FailureSignal)
		}
		if len(d.DataRequests) == 0 {
			d.DataRequests = nil
		}

	case *DatasetDiscovery:
		d.Queries = cleanStrings(d.Queries)
		d.SeedURLs = cleanStrings(d.SeedURLs)
		d.KeywordHints = cleanStrings(d.KeywordHints)
		d.Notes = strings.TrimSpace(d.Notes)
	}
}

func cleanStrings(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
