package pipeline

import (
	"context"
	"encoding/json"

	"github.com/odvcencio/hypogate/pkg/contract"
	"github.com/odvcencio/hypogate/pkg/dataset"
	"github.com/odvcencio/hypogate/pkg/errors"
	"github.com/odvcencio/hypogate/pkg/invoke"
)

// stageDiscoverer asks the model for a dataset discovery plan through the
// invocation service, scoped to the originating request.
type stageDiscoverer struct {
	invoker *invoke.Service
	req     Request
}

func (d *stageDiscoverer) Discover(ctx context.Context, dr dataset.DiscoveryRequest) (*contract.DatasetDiscovery, error) {
	payload := map[string]any{
		"hypothesis": dr.Hypothesis,
		"tokens":     dr.Tokens,
	}
	if dr.Normalization != "" {
		payload["normalization"] = document(dr.Normalization)
	}
	if dr.Affinity != nil {
		payload["keyword_hints"] = dr.Affinity.KeywordHints
		payload["dataset_links"] = dr.Affinity.DatasetLinks
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "encode discovery input")
	}

	out, err := d.invoker.Invoke(ctx, invoke.Request{
		Stage:           StageDiscovery,
		Schema:          contract.SchemaDatasetDiscovery,
		Namespace:       d.req.Namespace,
		ConversationKey: d.req.Conversation,
		Instruction:     discoveryInstruction,
		Input:           string(input),
		MaxRetries:      invoke.DefaultRetries,
	})
	if err != nil {
		return nil, err
	}
	disc, ok := out.Document.(*contract.DatasetDiscovery)
	if !ok {
		return nil, errors.New(errors.ErrCodeInternal, "discovery stage returned no discovery plan")
	}
	return disc, nil
}
