package runstate

import (
	"fmt"

	flow "goa.design/flow"
	"goa.design/flow/flowerrors"
)

// groupKind distinguishes parallel fan-out from race semantics for a group
// header.
type groupKind int

const (
	groupParallel groupKind = iota
	groupRace
)

// dispatchClass tells the machine how a ready step is executed.
type dispatchClass int

const (
	// classInvoke calls Invoker.Invoke through the dispatcher's worker pool.
	classInvoke dispatchClass = iota
	// classCondition calls Invoker.EvaluateCondition through the dispatcher.
	classCondition
	// classControl is handled by the controlflow package, on its own goroutine.
	classControl
	// classSynthetic resolves with no user code (else, endIf, group headers).
	classSynthetic
)

// planEntry is one compiled step plus its structural metadata.
type planEntry struct {
	step  flow.Step
	class dispatchClass

	// predecessors: the step becomes a readiness candidate once any of
	// these has succeeded (OR-semantics; exactly one is expected to
	// succeed in practice, used for endIf's multiple branch exits).
	predecessors []string

	// branch membership, for if/elseIf/else body steps and the markers
	// themselves. branchOf is the ifBlock id this entry belongs to ("" if
	// none). isMarker is true for if/elseIf/else/endIf steps themselves.
	branchOf string
	isMarker bool

	// group membership for parallel/race.
	isGroupHeader bool
	groupKind     groupKind
	groupMembers  []string
	memberOfGroup string
}

// ifBranch is one if/elseIf/else arm of a compiled if-block.
type ifBranch struct {
	markerID string // "" for a branch with no explicit else but fallthrough
	isElse   bool
	body     []string // step ids in this branch, in order
}

// ifBlock is a compiled if/elseIf/else/endIf structure.
type ifBlock struct {
	id       string // the originating "if" step id
	branches []ifBranch
	endIfID  string
}

// Plan is the compiled, static structure of a Workflow, computed once at
// registration and reused for every run.
type Plan struct {
	Workflow flow.Workflow
	entries  map[string]*planEntry
	order    []string // step ids in declaration order, minus consumed group members
	ifBlocks map[string]*ifBlock
}

// Compile builds a Plan from a parsed flow.Workflow. It assumes the
// structural invariants (unique ids, matched if/endIf, matching parallel
// group sizes) were already checked by package definition.
func Compile(wf flow.Workflow) (*Plan, error) {
	p := &Plan{
		Workflow: wf,
		entries:  make(map[string]*planEntry, len(wf.Steps)),
		ifBlocks: make(map[string]*ifBlock),
	}

	byID := make(map[string]flow.Step, len(wf.Steps))
	for _, s := range wf.Steps {
		byID[s.ID] = s
	}

	consumed := make(map[string]bool) // steps pulled in as group members

	// First pass: identify parallel/race group membership by scanning for
	// headers and claiming the next ParallelStepCount steps sharing the
	// header's following group id.
	for i, s := range wf.Steps {
		if s.Type != flow.StepTypeControl {
			continue
		}
		if s.Kind != flow.ControlParallel && s.Kind != flow.ControlRace {
			continue
		}
		kind := groupParallel
		if s.Kind == flow.ControlRace {
			kind = groupRace
		}
		var members []string
		groupID := ""
		for j := i + 1; j < len(wf.Steps) && len(members) < maxGroupSize(wf.Steps[i+1:]); j++ {
			sib := wf.Steps[j]
			if sib.ParallelGroupID == "" {
				break
			}
			if groupID == "" {
				groupID = sib.ParallelGroupID
			}
			if sib.ParallelGroupID != groupID {
				break
			}
			members = append(members, sib.ID)
			consumed[sib.ID] = true
		}
		he := &planEntry{step: s, class: classSynthetic, isGroupHeader: true, groupKind: kind, groupMembers: members}
		p.entries[s.ID] = he
		for _, m := range members {
			p.entries[byID[m].ID] = &planEntry{step: byID[m], class: classInvoke, memberOfGroup: s.ID}
		}
	}

	// Second pass: compile the linear chain and if-blocks.
	var blockStack []*ifBlock
	var predStack []string // predecessor-of-next-step, one per active enclosing scope
	predStack = append(predStack, "")

	for _, s := range wf.Steps {
		if consumed[s.ID] {
			continue // handled as a group member above
		}
		if _, ok := p.entries[s.ID]; ok && p.entries[s.ID].isGroupHeader {
			// header already created; still needs predecessor + chain wiring
		}

		switch {
		case s.Type == flow.StepTypeControl && s.Kind == flow.ControlIf:
			blk := &ifBlock{id: s.ID}
			blockStack = append(blockStack, blk)
			p.ifBlocks[s.ID] = blk
			pred := predStack[len(predStack)-1]
			p.entries[s.ID] = &planEntry{step: s, class: classCondition, predecessors: predOrRoot(pred)}
			blk.branches = append(blk.branches, ifBranch{markerID: s.ID})
			predStack = append(predStack, s.ID) // body's first step waits on the marker
			p.setBranchPredecessor(blk, s.ID)

		case s.Type == flow.StepTypeControl && s.Kind == flow.ControlElseIf:
			if len(blockStack) == 0 {
				return nil, flowerrors.New(flowerrors.Validation, "elseIf without enclosing if: "+s.ID)
			}
			blk := blockStack[len(blockStack)-1]
			p.entries[s.ID] = &planEntry{step: s, class: classCondition, branchOf: blk.id, isMarker: true}
			blk.branches = append(blk.branches, ifBranch{markerID: s.ID})
			predStack[len(predStack)-1] = s.ID
			p.setBranchPredecessor(blk, s.ID)

		case s.Type == flow.StepTypeControl && s.Kind == flow.ControlElse:
			if len(blockStack) == 0 {
				return nil, flowerrors.New(flowerrors.Validation, "else without enclosing if: "+s.ID)
			}
			blk := blockStack[len(blockStack)-1]
			p.entries[s.ID] = &planEntry{step: s, class: classSynthetic, branchOf: blk.id, isMarker: true}
			blk.branches = append(blk.branches, ifBranch{markerID: s.ID, isElse: true})
			predStack[len(predStack)-1] = s.ID
			p.setBranchPredecessor(blk, s.ID)

		case s.Type == flow.StepTypeControl && s.Kind == flow.ControlEndIf:
			if len(blockStack) == 0 {
				return nil, flowerrors.New(flowerrors.Validation, "endIf without matching if: "+s.ID)
			}
			blk := blockStack[len(blockStack)-1]
			blockStack = blockStack[:len(blockStack)-1]
			blk.endIfID = s.ID
			var preds []string
			for _, br := range blk.branches {
				if len(br.body) > 0 {
					preds = append(preds, br.body[len(br.body)-1])
				} else {
					preds = append(preds, br.markerID)
				}
			}
			p.entries[s.ID] = &planEntry{step: s, class: classSynthetic, predecessors: preds}
			predStack = predStack[:len(predStack)-1]
			predStack[len(predStack)-1] = s.ID

		default:
			pred := predStack[len(predStack)-1]
			class := classInvoke
			if s.Type == flow.StepTypeControl {
				class = classControl
			}
			if _, exists := p.entries[s.ID]; !exists {
				p.entries[s.ID] = &planEntry{step: s, class: class, predecessors: predOrRoot(pred)}
			} else {
				// group header: fill in its predecessor now.
				p.entries[s.ID].predecessors = predOrRoot(pred)
			}
			if len(blockStack) > 0 {
				blk := blockStack[len(blockStack)-1]
				p.entries[s.ID].branchOf = blk.id
				last := &blk.branches[len(blk.branches)-1]
				last.body = append(last.body, s.ID)
			}
			predStack[len(predStack)-1] = s.ID
		}

		p.order = append(p.order, s.ID)
	}

	if len(blockStack) != 0 {
		return nil, flowerrors.New(flowerrors.Validation, fmt.Sprintf("unclosed if block: %s", blockStack[len(blockStack)-1].id))
	}
	return p, nil
}

// setBranchPredecessor records, on the ifBlock, nothing extra; body step
// predecessor chaining is handled by predStack. This helper exists so the
// marker's own entry is findable when computing branch activation.
func (p *Plan) setBranchPredecessor(blk *ifBlock, markerID string) {}

func predOrRoot(pred string) []string {
	if pred == "" {
		return nil
	}
	return []string{pred}
}

// maxGroupSize bounds the member-claiming scan to the declared
// ParallelStepCount of the first sibling, or to the rest of the slice if
// undeclared.
func maxGroupSize(rest []flow.Step) int {
	if len(rest) == 0 {
		return 0
	}
	if rest[0].ParallelStepCount > 0 {
		return rest[0].ParallelStepCount
	}
	return len(rest)
}

// Entry returns the compiled entry for a step id.
func (p *Plan) Entry(stepID string) (*planEntry, bool) {
	e, ok := p.entries[stepID]
	return e, ok
}

// StepIDs returns every step id the machine must track state for (including
// group members and markers, excluding nothing).
func (p *Plan) StepIDs() []string {
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	return ids
}
