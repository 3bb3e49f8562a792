package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/history"
	"github.com/m87-labs/moondream-station/internal/registry"
)

func TestUseModel_Preview(t *testing.T) {
	r := newRig(t)

	resp, err := r.o.UseModel(context.Background(), "moondream-2b-2025-04-14-4bit", false)
	if err != nil {
		t.Fatalf("UseModel: %v", err)
	}
	if resp.Result != nil {
		t.Fatalf("unconfirmed switch produced a result: %+v", resp.Result)
	}
	p := resp.Plan
	if p.Revision != "2025-04-14-4bit" || p.ClientVersion != "v0.2.0" {
		t.Errorf("plan = %+v, want revision 2025-04-14-4bit on client v0.2.0", p)
	}
	if !p.ClientSwitch || p.AlreadyActive {
		t.Errorf("plan = %+v, want client switch and not already active", p)
	}
	if got := r.procs.restartCount(); got != 0 {
		t.Errorf("preview restarted %d times, want 0", got)
	}
	if r.cfg.ActiveModel != "2025-04-14" {
		t.Errorf("ActiveModel = %q, preview must not change it", r.cfg.ActiveModel)
	}
}

func TestUseModel_SwitchesClientAndModel(t *testing.T) {
	r := newRig(t)

	resp, err := r.o.UseModel(context.Background(), "moondream-2b-2025-04-14-4bit", true)
	if err != nil {
		t.Fatalf("UseModel: %v", err)
	}
	if resp.Result == nil || resp.Result.Outcome != ResultUpdated {
		t.Fatalf("result = %+v, want updated", resp.Result)
	}
	if resp.Result.FromVersion != "2025-04-14" || resp.Result.ToVersion != "2025-04-14-4bit" {
		t.Errorf("result = %+v, want 2025-04-14 -> 2025-04-14-4bit", resp.Result)
	}

	if r.cfg.ActiveModel != "2025-04-14-4bit" {
		t.Errorf("ActiveModel = %q, want 2025-04-14-4bit", r.cfg.ActiveModel)
	}
	if r.cfg.ActiveInferenceClient != "v0.2.0" {
		t.Errorf("ActiveInferenceClient = %q, want v0.2.0", r.cfg.ActiveInferenceClient)
	}

	// The required client was pulled in and the process restarted on it.
	if _, err := os.Stat(filepath.Join(r.root, "inference-client", "v0.2.0", inferenceBinary)); err != nil {
		t.Errorf("client binary missing: %v", err)
	}
	var sawClient bool
	for _, src := range r.fetcher.sources() {
		if strings.Contains(src, "client-v0.2.0") {
			sawClient = true
		}
	}
	if !sawClient {
		t.Errorf("downloads = %v, want the v0.2.0 client archive", r.fetcher.sources())
	}
	if got := r.procs.restartCount(); got != 1 {
		t.Fatalf("restarts = %d, want 1", got)
	}
	r.procs.mu.Lock()
	spec := r.procs.restarts[0]
	r.procs.mu.Unlock()
	if !strings.Contains(spec.Path, "v0.2.0") {
		t.Errorf("restart path = %q, want the v0.2.0 binary", spec.Path)
	}
	if len(spec.Args) < 2 || spec.Args[0] != "--model" || spec.Args[1] != "2025-04-14-4bit" {
		t.Errorf("restart args = %v, want --model 2025-04-14-4bit first", spec.Args)
	}

	for _, c := range []registry.Component{registry.Model, registry.InferenceClient} {
		st, _ := r.reg.Get(c)
		if st.Status != registry.StatusUpToDate {
			t.Errorf("%s status = %q, want %q", c, st.Status, registry.StatusUpToDate)
		}
	}

	rows, err := r.hist.ForComponent(context.Background(), "model", 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || rows[0].Outcome != history.OutcomeSuccess {
		t.Fatalf("history rows = %+v, want one success", rows)
	}
	if rows[0].Detail != "moondream-2b-2025-04-14-4bit" {
		t.Errorf("history detail = %q, want the model id", rows[0].Detail)
	}
}

func TestUseModel_AcceptsRevision(t *testing.T) {
	r := newRig(t)

	resp, err := r.o.UseModel(context.Background(), "2025-04-14-4bit", false)
	if err != nil {
		t.Fatalf("UseModel by revision: %v", err)
	}
	if resp.Plan.ModelID != "moondream-2b-2025-04-14-4bit" {
		t.Errorf("ModelID = %q, want resolution back to the catalog id", resp.Plan.ModelID)
	}
}

func TestUseModel_Unknown(t *testing.T) {
	r := newRig(t)

	_, err := r.o.UseModel(context.Background(), "moondream-9000", true)
	if !errors.HasCode(err, errors.CodeUnknownModel) {
		t.Fatalf("error = %v, want %s", err, errors.CodeUnknownModel)
	}
}

func TestUseModel_AlreadyActiveAndHealthy(t *testing.T) {
	r := newRig(t)

	resp, err := r.o.UseModel(context.Background(), "moondream-2b-2025-04-14", true)
	if err != nil {
		t.Fatalf("UseModel: %v", err)
	}
	if resp.Result == nil || resp.Result.Outcome != ResultUpToDate {
		t.Fatalf("result = %+v, want up_to_date", resp.Result)
	}
	if got := r.procs.restartCount(); got != 0 {
		t.Errorf("restarts = %d, want 0 for an active healthy model", got)
	}
}

func TestUseModel_ActiveButUnhealthyRestarts(t *testing.T) {
	r := newRig(t)
	r.procs.mu.Lock()
	r.procs.healthy = false
	r.procs.healWithRestart = true
	r.procs.mu.Unlock()

	resp, err := r.o.UseModel(context.Background(), "moondream-2b-2025-04-14", true)
	if err != nil {
		t.Fatalf("UseModel: %v", err)
	}
	if resp.Result == nil || resp.Result.Outcome != ResultUpdated {
		t.Fatalf("result = %+v, want a fresh restart", resp.Result)
	}
	if got := r.procs.restartCount(); got != 1 {
		t.Errorf("restarts = %d, want 1", got)
	}
}

func TestUseModel_FailedSwapKeepsBinding(t *testing.T) {
	r := newRig(t)
	r.cfg.Timeouts.UpdateSeconds = 0
	r.procs.mu.Lock()
	r.procs.healthy = false
	r.procs.mu.Unlock()

	_, err := r.o.UseModel(context.Background(), "moondream-2b-2025-04-14-4bit", true)
	if !errors.HasCode(err, errors.CodeUpdateTimeout) {
		t.Fatalf("error = %v, want %s", err, errors.CodeUpdateTimeout)
	}

	// The previous pairing stays bound and was restarted as recovery.
	if r.cfg.ActiveModel != "2025-04-14" {
		t.Errorf("ActiveModel = %q, want the old revision kept", r.cfg.ActiveModel)
	}
	if r.cfg.ActiveInferenceClient != "v0.1.0" {
		t.Errorf("ActiveInferenceClient = %q, want the old client kept", r.cfg.ActiveInferenceClient)
	}
	if got := r.procs.restartCount(); got != 2 {
		t.Fatalf("restarts = %d, want swap then revert", got)
	}
	r.procs.mu.Lock()
	revert := r.procs.restarts[1]
	r.procs.mu.Unlock()
	if !strings.Contains(revert.Path, "v0.1.0") {
		t.Errorf("revert path = %q, want the v0.1.0 binary", revert.Path)
	}

	st, _ := r.reg.Get(registry.Model)
	if st.Status != registry.StatusFailed {
		t.Errorf("model status = %q, want %q", st.Status, registry.StatusFailed)
	}
	rows, err := r.hist.ForComponent(context.Background(), "model", 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || rows[0].Outcome != history.OutcomeFailed {
		t.Fatalf("history rows = %+v, want one failure", rows)
	}
}

func TestUseModel_DuplicateRejected(t *testing.T) {
	r := newRig(t)
	bf := newBlockingFetcher()
	r.o.fetcher = bf

	errs := make(chan error, 1)
	go func() {
		_, err := r.o.UseModel(context.Background(), "moondream-2b-2025-04-14-4bit", true)
		errs <- err
	}()
	<-bf.began

	if _, err := r.o.UseModel(context.Background(), "moondream-2b-2025-04-14-4bit", true); !errors.HasCode(err, errors.CodeAlreadyUpdating) {
		t.Fatalf("duplicate switch error = %v, want %s", err, errors.CodeAlreadyUpdating)
	}

	close(bf.release)
	if err := <-errs; err != nil {
		t.Fatalf("first switch failed: %v", err)
	}
}
