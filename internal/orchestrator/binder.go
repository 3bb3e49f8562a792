package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/manifest"
	"github.com/m87-labs/moondream-station/internal/registry"
)

// ModelPlan previews a model switch.
type ModelPlan struct {
	ModelID       string `json:"model_id"`
	Revision      string `json:"revision"`
	ClientVersion string `json:"client_version,omitempty"`
	ClientSwitch  bool   `json:"client_switch"`
	AlreadyActive bool   `json:"already_active"`
}

// ModelResponse is the reply to a model-use request.
type ModelResponse struct {
	Plan   ModelPlan `json:"plan"`
	Result *Result   `json:"result,omitempty"`
}

// UseModel previews or performs a switch to a catalog model, accepting
// either the model id or its revision. A switch restarts the inference
// client, pulling in a different client version first when the catalog
// entry asks for one. Nothing is recorded until the restarted process
// answers its health probe, so a failed switch leaves the previous
// binding in place.
func (o *Orchestrator) UseModel(ctx context.Context, modelID string, confirmed bool) (*ModelResponse, error) {
	m := o.repo.Current()
	if m == nil {
		return nil, errors.New(errors.CodeManifestFetch).WithDetail("no manifest snapshot loaded")
	}
	res, ok := m.FindModel(manifest.DefaultModelSize, modelID)
	if !ok {
		return nil, errors.New(errors.CodeUnknownModel).
			WithDetail("model %q is not in the catalog", modelID).
			WithSuggestion("run check-updates to refresh the catalog, then list models")
	}

	client := res.Model.InferenceClient
	plan := ModelPlan{
		ModelID:       res.ID,
		Revision:      res.Revision,
		ClientVersion: client,
		ClientSwitch:  client != "" && client != o.cfg.Active("inference-client"),
		AlreadyActive: res.Revision == o.cfg.Active("model"),
	}
	if !confirmed {
		return &ModelResponse{Plan: plan}, nil
	}

	if err := o.acquire(registry.Model); err != nil {
		return nil, err
	}
	if active := o.cfg.Active("model"); res.Revision == active && o.sup.Health(registry.InferenceClient) {
		o.release(registry.Model)
		return &ModelResponse{Plan: plan, Result: &Result{
			Component:   "model",
			FromVersion: active,
			ToVersion:   res.Revision,
			Outcome:     ResultUpToDate,
			Detail:      res.ID,
		}}, nil
	}

	type reply struct {
		res *Result
		err error
	}
	ch := make(chan reply, 1)
	err := o.submit(func() {
		defer o.release(registry.Model)

		from := o.cfg.Active("model")
		started := time.Now()
		o.beginOp(registry.Model, res.Revision)
		r, err := o.switchModel(context.Background(), res, from)
		o.finishOp(context.Background(), registry.Model, from, res.Revision, started, r, err)
		ch <- reply{r, err}
	})
	if err != nil {
		o.release(registry.Model)
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &ModelResponse{Plan: plan, Result: r.res}, nil
	case <-ctx.Done():
		return nil, errors.Newf(errors.CategoryUpdate, "no longer waiting for model switch").
			WithComponent("model").Wrap(ctx.Err())
	case <-o.closed:
		return nil, errClosed()
	}
}

// switchModel restarts the inference client on a new model revision.
// It runs on the worker goroutine; status and history bookkeeping
// belong to the caller.
func (o *Orchestrator) switchModel(ctx context.Context, res manifest.ModelResolution, from string) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.switch_model",
		trace.WithAttributes(
			attribute.String("model", res.ID),
			attribute.String("revision", res.Revision),
		))
	defer span.End()

	deadline := time.Now().Add(o.cfg.Timeouts.Update())

	activeClient := o.cfg.Active("inference-client")
	client := res.Model.InferenceClient
	if client == "" {
		client = activeClient
	}
	if client == "" {
		return nil, errors.New(errors.CodeManifestInvariant).
			WithDetail("model %s names no inference client and none is active", res.ID)
	}
	clientSwitch := client != activeClient

	clientURL, err := o.ensureClientInstalled(ctx, client)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "client install failed")
		return nil, err
	}

	if err := o.swapInference(ctx, registry.Model, client, res.Revision, res.Revision, deadline); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference swap failed")
		return nil, err
	}

	if clientSwitch {
		if err := o.reg.RecordInstalled(registry.InferenceClient, client, clientURL); err != nil {
			return nil, err
		}
	}
	if err := o.reg.RecordInstalled(registry.Model, res.Revision, ""); err != nil {
		return nil, err
	}

	o.hub.ModelSwitched(res.ID, client)
	o.logger.Info("model switched",
		"model", res.ID, "revision", res.Revision, "client", client)
	return &Result{
		Component:   "model",
		FromVersion: from,
		ToVersion:   res.Revision,
		Outcome:     ResultUpdated,
		Detail:      res.ID,
	}, nil
}
