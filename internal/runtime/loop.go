package runtime

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/qaforge/orchestrator-core/internal/registry"
	"github.com/qaforge/orchestrator-core/internal/resultcache"
	"github.com/qaforge/orchestrator-core/internal/runtime/tokencount"
)

var (
	delegatePattern = regexp.MustCompile(`DELEGATE TO\s+([A-Za-z0-9_.\-]+)`)
	loadSkillPat    = regexp.MustCompile(`LOAD SKILL\s+([A-Za-z0-9_.\-]+)`)
	unloadSkillPat  = regexp.MustCompile(`UNLOAD SKILL`)
)

// ParseOutput parses an LLM's final text into a tagged AgentOutput
// variant (spec §9 "represent as tagged sum variants... rather than
// string scanning sprinkled through the loop").
func ParseOutput(text string) AgentOutput {
	if m := delegatePattern.FindStringSubmatch(text); m != nil {
		return AgentOutput{Kind: OutputDelegate, Text: text, DelegateTo: m[1]}
	}
	if m := loadSkillPat.FindStringSubmatch(text); m != nil {
		return AgentOutput{Kind: OutputLoadSkill, Text: text, SkillName: m[1]}
	}
	if unloadSkillPat.MatchString(text) {
		return AgentOutput{Kind: OutputUnloadSkill, Text: text}
	}
	return AgentOutput{Kind: OutputText, Text: text}
}

// maxTurns bounds the interpreter-style loop independent of the task
// timeout, so a misbehaving provider cannot spin forever inside one
// deadline (spec §4.7 "Loop until... or the task timeout elapses").
const maxTurns = 64

// runLoop drives task's bounded LLM turn loop (spec §4.7). The
// empty-response and max-turns cases set the returned Outcome's
// ErrorKind/Message here; otherwise those terminal fields are filled in
// by the caller (runTask) once it knows whether the loop stopped
// normally, failed, was cancelled, or timed out.
func (r *Runtime) runLoop(ctx context.Context, inst *Instance, task *Task) (Outcome, error) {
	toolSpecsFor := func() []ToolSpec {
		return r.buildToolSpecs(inst)
	}

	currentMessage := task.UserMessage
	if task.TriggerEvent != nil && currentMessage == "" {
		currentMessage = fmt.Sprintf("event:%s", task.TriggerEvent.Type)
	}

	for turn := 0; turn < maxTurns; turn++ {
		if task.Cancelled() {
			return Outcome{}, nil
		}
		r.waitWhilePaused(ctx, inst)
		inst.Heartbeat(time.Now())

		var history []CompletionMessage
		if task.Delegated {
			history = DelegationHistory(currentMessage)
		} else {
			history = inst.Session.BuildHistory(CompletionMessage{Role: "user", Content: currentMessage})
		}

		req := CompletionRequest{
			System:   inst.Session.InjectedSystemPrompt(inst.Skill.Prompt),
			Tools:    toolSpecsFor(),
			Messages: history,
		}

		resp, err := r.llm.Complete(ctx, req)
		if err != nil {
			return Outcome{}, fmt.Errorf("runtime: llm completion: %w", err)
		}
		task.AddTokens(resp.InputTokens, resp.OutputTokens)

		if resp.StopReason == "end_turn" && resp.Text == "" && len(resp.ToolCalls) == 0 {
			return r.emptyResponseOutcome(inst, req, resp)
		}

		if !task.Delegated {
			inst.Session.AppendTurn(CompletionMessage{Role: "user", Content: currentMessage})
		}

		firstTool := ""
		var waitFor time.Duration
		for _, call := range resp.ToolCalls {
			if firstTool == "" {
				firstTool = call.Name
			}
			result, err := r.dispatchTool(ctx, inst, call)
			rec := ToolCallRecord{Name: call.Name, Params: call.Params, At: time.Now()}
			if err != nil {
				rec.Err = err.Error()
			} else {
				rec.Result = result.Value
				if result.FinalWaitTime > waitFor {
					waitFor = result.FinalWaitTime
				}
				inst.Session.ExtractContextSlots(call.Name, result.ContextUpdates)
			}
			task.AppendToolCall(rec)
			if !task.Delegated {
				inst.Session.AppendTurn(CompletionMessage{
					Role:    "assistant",
					Content: fmt.Sprintf("tool_call:%s", call.Name),
				})
			}
		}

		if !task.Delegated {
			inst.Session.AppendTurn(CompletionMessage{Role: "assistant", Content: resp.Text})
			inst.Session.AppendSummaryLine(SummarizeTurn(currentMessage, firstTool, resp.Text))
		}

		output := ParseOutput(resp.Text)
		switch output.Kind {
		case OutputDelegate:
			childText, err := r.delegate(ctx, inst, task, output.DelegateTo, currentMessage)
			if err != nil {
				// An undeclared or cyclic delegation target is treated as
				// plain text (spec §4.7 step 4a "otherwise treat as plain
				// text"), except a true cycle, which fails the task fast
				// (spec §9 "fail fast with Conflict").
				if err == ErrDelegationCycle {
					return Outcome{Text: resp.Text}, err
				}
				currentMessage = resp.Text
				continue
			}
			currentMessage = childText
			continue
		case OutputLoadSkill:
			inst.Skill.Load(output.SkillName, inst.Def.AvailableSkills, loadLookup{r.reg})
			currentMessage = resp.Text
			continue
		case OutputUnloadSkill:
			inst.Skill.Unload(inst.Def.RouterPrompt)
			currentMessage = resp.Text
			continue
		}

		if waitFor > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(waitFor):
			}
		}

		if resp.StopReason != "tool_use" && len(resp.ToolCalls) == 0 {
			return Outcome{Text: resp.Text}, nil
		}
		currentMessage = resp.Text
	}
	return Outcome{Text: "", ErrorKind: "max_turns_exceeded"}, nil
}

// emptyResponseOutcome implements the spec §4.7 empty-response heuristic:
// record the event, classify near-limit probability from combined token
// count, and fail without retrying (spec §9 "log token counts, tool
// count, and history size; fail the task with a diagnostic").
func (r *Runtime) emptyResponseOutcome(inst *Instance, req CompletionRequest, resp CompletionResponse) (Outcome, error) {
	used := resp.InputTokens + resp.OutputTokens
	diagnostic := "empty response with end_turn"
	if r.tokenModel != "" {
		if used == 0 {
			// Provider didn't report usage; fall back to an estimate so
			// the near-limit classification isn't silently skipped.
			if counter, err := tokencount.NewCounter(r.tokenModel); err == nil {
				used = counter.Count(req.System)
				for _, m := range req.Messages {
					used += counter.Count(m.Content)
				}
			}
		}
		if tokencount.NearLimit(used, r.tokenLimit, 90) {
			diagnostic = fmt.Sprintf("empty response with end_turn; context overload probable (tokens=%d, tool_count=%d, history=%d)",
				used, len(inst.Skill.Tools), len(inst.Session.Messages))
		}
	}
	return Outcome{ErrorKind: "empty_response", Message: diagnostic}, ErrEmptyResponse
}

// waitWhilePaused blocks at a suspension point while the instance is
// paused, resuming when ResumeAgent flips it back to running, or ctx is
// cancelled (spec §4.6 "Paused instances... further suspension points
// yield").
func (r *Runtime) waitWhilePaused(ctx context.Context, inst *Instance) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for inst.State() == StatePaused {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// buildToolSpecs returns the active mode's tool catalog, flagging
// prompt-cache-eligible tools from the skill's cache policy (spec §4.7
// step 2).
func (r *Runtime) buildToolSpecs(inst *Instance) []ToolSpec {
	specs := make([]ToolSpec, 0, len(inst.Skill.Tools))
	for _, name := range inst.Skill.Tools {
		mark := false
		if policy, ok := inst.Skill.ToolCache[name]; ok {
			mark = policy.PromptCache
		}
		specs = append(specs, ToolSpec{Name: name, MarkForCache: mark})
	}
	return specs
}

// dispatchTool validates params, checks the ResultCache, and on a miss
// dispatches to the external tool runtime, storing the result back in
// the cache when enabled (spec §4.7 step 2a/b).
func (r *Runtime) dispatchTool(ctx context.Context, inst *Instance, call ToolCall) (ToolResult, error) {
	if err := r.schema.Validate(call.Name, call.Params); err != nil {
		return ToolResult{}, err
	}

	policy := resultcache.Policy{}
	if p, ok := inst.Skill.ToolCache[call.Name]; ok {
		policy = resultcache.Policy{Enabled: p.Enabled, TTL: p.TTL()}
	}

	key := resultcache.Key(call.Name, call.Params)
	if cached, hit := inst.Cache.Get(key, policy); hit {
		if result, ok := cached.(ToolResult); ok {
			return result, nil
		}
	}

	result, err := r.tools.Call(ctx, call.Name, call.Params)
	if err != nil {
		return ToolResult{}, err
	}
	inst.Cache.Set(key, result, policy)
	return result, nil
}

// delegate validates the DELEGATE TO target, detects cycles, and runs a
// clean-history child task to completion synchronously, returning its
// final text (spec §4.7 step 4, §9 cycle detection).
func (r *Runtime) delegate(ctx context.Context, inst *Instance, task *Task, targetAgentID, delegationMessage string) (string, error) {
	if !declaredSubagent(inst.Def.Subagents, targetAgentID) {
		return "", ErrDelegationNotDeclared
	}
	if task.Visited(targetAgentID) {
		return "", ErrDelegationCycle
	}
	task.MarkVisited(inst.Def.ID)

	def, err := r.reg.Get(targetAgentID, "")
	if err != nil {
		return "", err
	}

	childInst := r.findIdleOrStartable(ctx, def)
	if childInst == nil {
		return "", fmt.Errorf("runtime: no instance available for delegation target %s", targetAgentID)
	}

	child := NewTask(childInst.ID, nil, delegationMessage, task.VisitedSet())
	child.Delegated = true
	if !childInst.tryClaim(child) {
		return "", fmt.Errorf("runtime: delegation target %s is busy", targetAgentID)
	}
	task.AddChildTask(child.ID)

	child.Start(time.Now())
	outcome, err := r.runLoop(ctx, childInst, child)
	final := TaskCompleted
	if err != nil {
		final = TaskFailed
	}
	child.Finish(final, time.Now(), outcome)
	childInst.finishTask(outcome)
	if err != nil {
		return "", err
	}
	return outcome.Text, nil
}

func declaredSubagent(subagents []registry.SubagentRef, agentID string) bool {
	for _, s := range subagents {
		if s.AgentID == agentID {
			return true
		}
	}
	return false
}

// loadLookup adapts *registry.Registry to skills.SkillLookup without
// importing the skills package's concrete registry dependency into the
// runtime's hot path.
type loadLookup struct {
	reg *registry.Registry
}

func (l loadLookup) GetSkill(name string) (registry.SkillDefinition, bool) {
	return l.reg.GetSkill(name)
}
