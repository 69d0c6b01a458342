// Package processor implements the Request Processor (spec.md §4.E):
// routes a validated request to a module, chooses blocking or
// non-blocking execution, and for the latter owns the background task
// lifecycle and the two-phase reply sequencing. Grounded directly on
// original_source/lib/src/request_processor.cc's nonBlockingActionTask
// and processBlocking/processNonBlocking free functions, translated to
// goroutines instead of threads.
package processor

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pxp-agent/pxp-agent/pkg/api"
	pxperrors "github.com/pxp-agent/pxp-agent/pkg/errors"
	"github.com/pxp-agent/pxp-agent/pkg/jobs"
	"github.com/pxp-agent/pxp-agent/pkg/protocol"
	"github.com/pxp-agent/pxp-agent/pkg/registry"
	"github.com/pxp-agent/pxp-agent/pkg/reply"
	"github.com/pxp-agent/pxp-agent/pkg/spool"
)

// Registry is the subset of *registry.Registry the processor depends on.
type Registry interface {
	Lookup(moduleName string) (api.ModuleDescriptor, bool)
}

var _ Registry = (*registry.Registry)(nil)

// Processor is the Request Processor.
type Processor struct {
	registry   Registry
	spool      *spool.Store
	tracker    *jobs.Tracker
	sender     *reply.Sender
	msgTimeout time.Duration
	log        *zap.Logger
}

// New builds a Processor.
func New(reg Registry, sp *spool.Store, tracker *jobs.Tracker, sender *reply.Sender, msgTimeout time.Duration, log *zap.Logger) *Processor {
	return &Processor{registry: reg, spool: sp, tracker: tracker, sender: sender, msgTimeout: msgTimeout, log: log}
}

// resolve looks up the module/action handler, or returns a request_error.
func (p *Processor) resolve(req protocol.ActionRequestData) (api.ModuleDescriptor, error) {
	mod, ok := p.registry.Lookup(req.Module)
	if !ok {
		return api.ModuleDescriptor{}, &pxperrors.RequestError{
			Module: req.Module, Action: req.Action,
			Err: fmt.Errorf("unknown module %q", req.Module),
		}
	}
	if !mod.HasAction(req.Action) {
		return api.ModuleDescriptor{}, &pxperrors.RequestError{
			Module: req.Module, Action: req.Action,
			Err: fmt.Errorf("unknown action %q", req.Action),
		}
	}
	return mod, nil
}

// ProcessBlocking invokes the handler inline and sends a
// blocking_response, or returns the request_error for the caller to
// translate into an rpc_error reply.
func (p *Processor) ProcessBlocking(ctx context.Context, req protocol.ActionRequestData, debug []*structpb.Struct, requester string) error {
	mod, err := p.resolve(req)
	if err != nil {
		return err
	}

	outcome, err := mod.Handler.Execute(ctx, req.Action, req.Params)
	if err != nil {
		return err
	}

	payload := protocol.BlockingResponseData{TransactionID: req.TransactionID, Results: outcome.Results}
	if sendErr := p.sender.Send(ctx, []string{requester}, protocol.SchemaBlockingResponse, p.msgTimeout, payload, debug); sendErr != nil {
		p.log.Warn("failed to send blocking response", zap.String("transaction_id", req.TransactionID), zap.Error(sendErr))
	}
	return nil
}

// ProcessNonBlocking implements spec.md §4.E's five numbered steps.
// requestID is the inbound envelope's own id, threaded through so a
// terminal rpc_error can reference the original request per
// original_source/lib/src/request_processor.cc.
func (p *Processor) ProcessNonBlocking(ctx context.Context, req protocol.ActionRequestData, debug []*structpb.Struct, requester, requestID string) {
	mod, err := p.resolve(req)
	if err != nil {
		p.sendProvisional(ctx, req, requester, "", err.Error(), debug)
		return
	}

	// Step 1: draw job_id, create spool dir.
	jobID, path, err := p.spool.PrepareJob(req.TransactionID)
	if err != nil {
		p.sendProvisional(ctx, req, requester, "", err.Error(), debug)
		return
	}

	// Step 2: initial status.
	input := "none"
	if req.Params != nil && len(req.Params.Fields) > 0 {
		if raw, mErr := protojsonCompact(req.Params); mErr == nil {
			input = raw
		}
	}
	if err := p.spool.WriteStatus(path, spool.Status{
		Module: req.Module, Action: req.Action, Status: "running", Duration: "0 s", Input: input,
	}); err != nil {
		p.sendProvisional(ctx, req, requester, "", err.Error(), debug)
		return
	}

	// Step 3: empty stream placeholders.
	if err := p.spool.WriteStreams(path, nil, nil); err != nil {
		p.sendProvisional(ctx, req, requester, "", err.Error(), debug)
		return
	}

	// Step 4: spawn tracked task. Unlike the source's thread creation,
	// a goroutine launch has no failure mode of its own; spawnErr is
	// kept only so the provisional-reply shape matches spec.md exactly.
	taskCtx, cancel := context.WithCancel(context.Background())
	done := &atomic.Bool{}
	spawnErr := ""
	// The task body is held until the provisional reply has been sent,
	// so a completion reply can never reach the requester before it.
	start := make(chan struct{})
	go func() {
		<-start
		p.runTask(taskCtx, mod, req, jobID, path, done, requester, requestID)
	}()
	p.tracker.Add(&jobs.Task{JobID: jobID, Done: done, Cancel: cancel})

	// Step 5: provisional reply, carrying the debug chunks forward verbatim.
	p.sendProvisional(ctx, req, requester, jobID, spawnErr, debug)
	close(start)
}

func (p *Processor) sendProvisional(ctx context.Context, req protocol.ActionRequestData, requester, jobID, errMsg string, debug []*structpb.Struct) {
	payload := protocol.ProvisionalResponseData{
		TransactionID: req.TransactionID,
		Success:       errMsg == "",
		JobID:         jobID,
		Error:         errMsg,
	}
	if err := p.sender.Send(ctx, []string{requester}, protocol.SchemaProvisionalReply, p.msgTimeout, payload, debug); err != nil {
		p.log.Warn("failed to send provisional response", zap.String("transaction_id", req.TransactionID), zap.Error(err))
	}
}

// runTask is the background task body, mirroring
// original_source/lib/src/request_processor.cc's nonBlockingActionTask.
func (p *Processor) runTask(ctx context.Context, mod api.ModuleDescriptor, req protocol.ActionRequestData, jobID, path string, done *atomic.Bool, requester, requestID string) {
	start := time.Now()
	var outcome api.Outcome
	var execErr error

	outcome, execErr = mod.Handler.Execute(ctx, req.Action, req.Params)

	if execErr == nil {
		if req.NotifyOutcome {
			payload := protocol.NonBlockingResponseData{TransactionID: req.TransactionID, JobID: jobID, Results: outcome.Results}
			if err := p.sender.Send(ctx, []string{requester}, protocol.SchemaNonBlockingReply, p.msgTimeout, payload, nil); err != nil {
				p.log.Warn("failed to send non-blocking response", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	} else {
		payload := protocol.ErrorData{TransactionID: req.TransactionID, ID: requestID, Description: execErr.Error()}
		if err := p.sender.Send(ctx, []string{requester}, protocol.SchemaError, p.msgTimeout, payload, nil); err != nil {
			p.log.Warn("failed to send rpc_error", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	duration := strconv.Itoa(int(time.Since(start).Seconds())) + " s"

	input := "none"
	if req.Params != nil && len(req.Params.Fields) > 0 {
		if raw, mErr := protojsonCompact(req.Params); mErr == nil {
			input = raw
		}
	}
	if err := p.spool.WriteStatus(path, spool.Status{
		Module: req.Module, Action: req.Action, Status: "completed", Duration: duration, Input: input,
	}); err != nil {
		p.log.Warn("failed to write final status", zap.String("job_id", jobID), zap.Error(err))
	}

	var stdout, stderr []byte
	if execErr == nil {
		switch outcome.Kind {
		case api.Internal:
			if raw, mErr := protojsonCompact(outcome.Results); mErr == nil {
				stdout = []byte(raw)
			}
		case api.External:
			stdout = outcome.Stdout
			stderr = outcome.Stderr
		}
	} else {
		stderr = []byte(fmt.Sprintf("Failed to execute '%s %s': %s", req.Module, req.Action, execErr.Error()))
	}
	if err := p.spool.WriteStreams(path, stdout, stderr); err != nil {
		p.log.Warn("failed to write final streams", zap.String("job_id", jobID), zap.Error(err))
	}

	// done_flag set last: the reaper may now safely join this task.
	done.Store(true)
}

func protojsonCompact(s *structpb.Struct) (string, error) {
	if s == nil {
		return "none", nil
	}
	raw, err := s.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
