package script

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"openpeer-hub/internal/condition"
	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
	"openpeer-hub/internal/trigger"
)

// errAbortRun ends the whole run, including enclosing sequences.
var errAbortRun = errors.New("script: abort run")

type runState string

const (
	runRunning   runState = "running"
	runCompleted runState = "completed"
	runStopped   runState = "stopped"
	runErrored   runState = "errored"
)

// run is one execution of a Script.
type run struct {
	script *Script
	vars   map[string]any
	hctx   *core.Context
	// ticket is the run's place in the queued-mode line.
	ticket chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newRun(s *Script, vars map[string]any, hctx *core.Context) *run {
	return &run{
		script: s,
		vars:   vars,
		hctx:   hctx,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (r *run) signalStop() { r.stopOnce.Do(func() { close(r.stop) }) }

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *run) execute(ctx context.Context) (err error) {
	s := r.script
	state := runRunning
	defer func() {
		s.removeRun(r)
		close(r.done)
		if s.topLevel() {
			s.logger.Debug("script run ended", "state", state)
		}
	}()

	if r.ticket != nil {
		if !s.queue.wait(ctx, r.ticket, r.stop) {
			state = runStopped
			return ctx.Err()
		}
		defer s.queue.release()
	}
	if s.topLevel() {
		s.logger.Info("running script")
	}

	for idx, a := range s.sequence {
		if r.stopped() {
			state = runStopped
			return nil
		}
		if err := ctx.Err(); err != nil {
			state = runStopped
			return err
		}
		err := r.step(ctx, idx, a)
		switch {
		case err == nil:
			continue
		case errors.Is(err, errStopScript):
			state = runCompleted
			return nil
		case errors.Is(err, errAbortRun):
			state = runStopped
			if s.topLevel() {
				return nil
			}
			return err
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			state = runStopped
			return err
		}
		state = runErrored
		err = &StepError{Script: s.name, Index: idx, Action: a.Kind(), Err: err}
		if s.topLevel() {
			s.logger.Error("script step failed", "step", idx+1, "action", a.Kind(), "err", err)
		}
		return err
	}
	if r.stopped() {
		state = runStopped
	} else {
		state = runCompleted
	}
	return nil
}

func (r *run) step(ctx context.Context, idx int, a Action) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("step panicked: %v", p)
		}
	}()
	s := r.script
	s.setLastAction(describe(a))
	s.logger.Debug("executing step", "step", idx+1, "action", describe(a))

	switch a := a.(type) {
	case *ServiceAction:
		return r.callService(ctx, a)
	case *DelayAction:
		return r.delay(ctx, a)
	case *WaitTemplateAction:
		return r.waitTemplate(ctx, a)
	case *WaitForTriggerAction:
		return r.waitForTrigger(ctx, a)
	case *ConditionAction:
		return r.condition(idx, a)
	case *RepeatAction:
		return r.repeat(ctx, idx, a)
	case *ChooseAction:
		return r.choose(ctx, idx, a)
	case *EventAction:
		return r.fireEvent(a)
	case *DeviceAction:
		return r.device(ctx, a)
	case *SceneAction:
		return r.scene(ctx, a)
	case *VariablesAction:
		return r.setVariables(a)
	}
	return fmt.Errorf("%w: unsupported action %T", ErrInvalidConfig, a)
}

// runLong runs fn until it returns, the run is stopped or ctx is done. A
// stop cancels fn, waits for it and reports success.
func (r *run) runLong(ctx context.Context, fn func(context.Context) error) error {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- fn(taskCtx)
	}()
	select {
	case err := <-done:
		return err
	case <-r.stop:
		cancel()
		<-done
		return nil
	case <-ctx.Done():
		<-done
		return ctx.Err()
	}
}

func (r *run) runSub(ctx context.Context, sub *Script) error {
	return r.runLong(ctx, func(taskCtx context.Context) error {
		err := sub.Run(taskCtx, r.vars, r.hctx)
		if errors.Is(err, context.Canceled) && taskCtx.Err() != nil && ctx.Err() == nil {
			// Cancelled by our own stop.
			return nil
		}
		return err
	})
}

func (r *run) snapshot() map[string]any {
	out := make(map[string]any, len(r.vars))
	for k, v := range r.vars {
		out[k] = v
	}
	return out
}

func (r *run) callService(ctx context.Context, a *ServiceAction) error {
	h := r.script.hub
	domain, service, data, err := a.prepare(h, r.vars)
	if err != nil {
		return err
	}
	limit := ServiceCallLimit
	if domain == "script" || (domain == "automation" && service == "trigger") {
		limit = 0
	}
	r.script.logger.Info("calling service", "service", domain+"."+service)
	return r.runLong(ctx, func(taskCtx context.Context) error {
		return h.Services.Call(taskCtx, domain, service, data, r.hctx, true, limit)
	})
}

// sleep waits for d, the stop signal or ctx. It reports whether d elapsed.
func (r *run) sleep(ctx context.Context, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true, nil
	case <-r.stop:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (r *run) delay(ctx context.Context, a *DelayAction) error {
	s := r.script
	d, err := a.Delay.Resolve(s.hub, r.vars)
	if err != nil {
		return err
	}
	s.logger.Info("delay", "duration", d)
	s.changed()
	_, err = r.sleep(ctx, d)
	return err
}

// waitTimeout resolves the step timeout. ok is false when there is none.
func (r *run) waitTimeout(p template.Period) (d time.Duration, ok bool, err error) {
	if !p.IsSet() {
		return 0, false, nil
	}
	d, err = p.Resolve(r.script.hub, r.vars)
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}

// await blocks until done is closed, the timeout passes, the run is stopped
// or ctx is done. It reports whether done was closed and the time left.
func (r *run) await(ctx context.Context, done <-chan struct{}, timeout time.Duration, hasTimeout bool) (fired bool, remaining any, err error) {
	var timeoutC <-chan time.Time
	var deadline time.Time
	if hasTimeout {
		deadline = time.Now().Add(timeout)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	left := func() any {
		if !hasTimeout {
			return nil
		}
		return max(time.Until(deadline).Seconds(), 0)
	}
	select {
	case <-done:
		return true, left(), nil
	case <-timeoutC:
		return false, 0.0, nil
	case <-r.stop:
		return false, left(), nil
	case <-ctx.Done():
		return false, left(), ctx.Err()
	}
}

func (r *run) timedOut(a Action, continueOnTimeout bool) error {
	if continueOnTimeout {
		return nil
	}
	r.script.logger.Info("timed out waiting", "action", describe(a))
	return errAbortRun
}

func (r *run) waitTemplate(ctx context.Context, a *WaitTemplateAction) error {
	s := r.script
	h := s.hub
	timeout, hasTimeout, err := r.waitTimeout(a.Timeout)
	if err != nil {
		return err
	}
	var remaining any
	if hasTimeout {
		remaining = timeout.Seconds()
	}
	r.vars["wait"] = map[string]any{"remaining": remaining, "completed": false}

	vars := r.snapshot()
	done := make(chan struct{})
	var once sync.Once
	unsub := h.Bus.On(core.EventStateChanged, func(core.Event) {
		if ok, err := condition.Template(h, a.WaitTemplate, vars); err == nil && ok {
			once.Do(func() { close(done) })
		}
	})
	defer unsub()

	ok, err := condition.Template(h, a.WaitTemplate, vars)
	if err != nil {
		return err
	}
	if ok {
		r.vars["wait"] = map[string]any{"remaining": remaining, "completed": true}
		return nil
	}

	s.logger.Info("waiting for template", "template", a.WaitTemplate.String())
	s.changed()
	fired, left, err := r.await(ctx, done, timeout, hasTimeout)
	if err != nil {
		return err
	}
	r.vars["wait"] = map[string]any{"remaining": left, "completed": fired}
	if !fired && !r.stopped() {
		return r.timedOut(a, a.ContinueOnTimeout)
	}
	return nil
}

func (r *run) waitForTrigger(ctx context.Context, a *WaitForTriggerAction) error {
	s := r.script
	timeout, hasTimeout, err := r.waitTimeout(a.Timeout)
	if err != nil {
		return err
	}
	var remaining any
	if hasTimeout {
		remaining = timeout.Seconds()
	}
	r.vars["wait"] = map[string]any{"remaining": remaining, "trigger": nil}
	if len(a.WaitForTrigger) == 0 {
		return nil
	}

	done := make(chan struct{})
	var once sync.Once
	var fired any
	action := func(vars map[string]any, _ *core.Context) {
		once.Do(func() {
			fired = vars["trigger"]
			close(done)
		})
	}
	remove := trigger.Attach(ctx, s.hub, a.WaitForTrigger, action, trigger.Info{
		Name:      s.name,
		Logger:    s.logger,
		Variables: r.snapshot(),
	})
	if remove == nil {
		return nil
	}
	defer remove()

	s.logger.Info("waiting for trigger")
	s.changed()
	ok, left, err := r.await(ctx, done, timeout, hasTimeout)
	if err != nil {
		return err
	}
	if ok {
		r.vars["wait"] = map[string]any{"remaining": left, "trigger": fired}
		return nil
	}
	r.vars["wait"] = map[string]any{"remaining": left, "trigger": nil}
	if !r.stopped() {
		return r.timedOut(a, a.ContinueOnTimeout)
	}
	return nil
}

func (r *run) condition(idx int, a *ConditionAction) error {
	s := r.script
	check, err := s.checker("cond/"+strconv.Itoa(idx), condition.List{a.Condition})
	if err != nil {
		return err
	}
	ok, err := check(r.vars)
	if err != nil {
		s.logger.Warn("error in condition", "err", err)
		ok = false
	}
	s.logger.Info("test condition", "condition", describe(a), "result", ok)
	if !ok {
		return errStopScript
	}
	return nil
}

func (r *run) repeat(ctx context.Context, idx int, a *RepeatAction) error {
	s := r.script
	sub := s.repeatScript(idx, a)

	prev, hadPrev := r.vars["repeat"]
	defer func() {
		if hadPrev {
			r.vars["repeat"] = prev
		} else {
			delete(r.vars, "repeat")
		}
	}()
	setRepeat := func(i int, last *bool) {
		rv := map[string]any{"first": i == 1, "index": i}
		if last != nil {
			rv["last"] = *last
		}
		r.vars["repeat"] = rv
	}
	// halt reports whether the loop must end after an iteration.
	halt := func() bool { return r.stopped() || ctx.Err() != nil }

	switch {
	case a.Repeat.Count.IsSet():
		v, err := a.Repeat.Count.Render(s.hub, r.vars)
		if err != nil {
			s.logger.Error("render repeat count", "err", err)
			return errStopScript
		}
		f, err := strconv.ParseFloat(template.ToString(v), 64)
		if err != nil {
			s.logger.Error("repeat count is not a number", "count", v)
			return errStopScript
		}
		count := int(f)
		for i := 1; i <= count; i++ {
			last := i == count
			setRepeat(i, &last)
			if err := r.runSub(ctx, sub); err != nil {
				return err
			}
			if halt() {
				break
			}
		}

	case a.Repeat.While != nil:
		check, err := s.checker("while/"+strconv.Itoa(idx), a.Repeat.While)
		if err != nil {
			return err
		}
		for i := 1; ; i++ {
			setRepeat(i, nil)
			ok, err := check(r.vars)
			if err != nil {
				return err
			}
			if !ok || halt() {
				break
			}
			if err := r.runSub(ctx, sub); err != nil {
				return err
			}
		}

	case a.Repeat.Until != nil:
		check, err := s.checker("until/"+strconv.Itoa(idx), a.Repeat.Until)
		if err != nil {
			return err
		}
		for i := 1; ; i++ {
			setRepeat(i, nil)
			if err := r.runSub(ctx, sub); err != nil {
				return err
			}
			if halt() {
				break
			}
			ok, err := check(r.vars)
			if err != nil {
				return err
			}
			if ok {
				break
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (r *run) choose(ctx context.Context, idx int, a *ChooseAction) error {
	s := r.script
	data, err := s.choose(idx, a)
	if err != nil {
		return err
	}
	for i, c := range data.choices {
		ok, err := c.check(r.vars)
		if err != nil {
			s.logger.Warn("error in choose condition", "choice", i+1, "err", err)
			continue
		}
		if ok {
			return r.runSub(ctx, c.script)
		}
	}
	if data.def != nil {
		return r.runSub(ctx, data.def)
	}
	return nil
}

func (r *run) fireEvent(a *EventAction) error {
	s := r.script
	data := make(map[string]any)
	for _, m := range []map[string]any{a.EventData, a.EventDataTemplate} {
		if m == nil {
			continue
		}
		rendered, err := template.RenderComplex(s.hub, m, r.vars)
		if err != nil {
			s.logger.Error("render event data", "event", a.Event, "err", err)
			continue
		}
		for k, v := range rendered.(map[string]any) {
			data[k] = v
		}
	}
	s.logger.Info("firing event", "event", a.Event)
	s.hub.Bus.Fire(a.Event, data, r.hctx)
	return nil
}

func (r *run) device(ctx context.Context, a *DeviceAction) error {
	h := r.script.hub
	platform, err := h.Devices.ActionPlatform(a.Domain)
	if err != nil {
		return err
	}
	return r.runLong(ctx, func(taskCtx context.Context) error {
		return platform.CallAction(taskCtx, h, a.DeviceConfig, r.vars, r.hctx)
	})
}

func (r *run) scene(ctx context.Context, a *SceneAction) error {
	h := r.script.hub
	r.script.logger.Info("activating scene", "scene", a.Scene)
	data := map[string]any{"entity_id": a.Scene}
	return r.runLong(ctx, func(taskCtx context.Context) error {
		return h.Services.Call(taskCtx, "scene", "turn_on", data, r.hctx, true, ServiceCallLimit)
	})
}

func (r *run) setVariables(a *VariablesAction) error {
	rendered, err := a.Variables.Render(r.script.hub, r.vars, false)
	if err != nil {
		return err
	}
	for k, v := range rendered {
		r.vars[k] = v
	}
	return nil
}
