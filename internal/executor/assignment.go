package executor

import (
	"context"
	"slices"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/balance"
	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/execlog"
	"github.com/astralisone/astralis-nextjs-sub001/internal/repository"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

const (
	CollectionItems     = "work_items"
	CollectionPipelines = "pipelines"
	CollectionAssignees = "assignees"
)

// Work item statuses that no longer accept routing changes.
var closedStatuses = []string{"closed", "archived"}

type WorkItem struct {
	ID         string         `json:"id"`
	OrgID      string         `json:"org_id,omitempty"`
	Title      string         `json:"title,omitempty"`
	PipelineID string         `json:"pipeline_id,omitempty"`
	StageID    string         `json:"stage_id,omitempty"`
	AssigneeID string         `json:"assignee_id,omitempty"`
	Priority   types.Priority `json:"priority,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Status     string         `json:"status,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at,omitempty"`
}

func (w WorkItem) State() types.AssignmentState {
	return types.AssignmentState{
		PipelineID: w.PipelineID,
		StageID:    w.StageID,
		AssigneeID: w.AssigneeID,
		Priority:   w.Priority,
		Tags:       w.Tags,
		Status:     w.Status,
	}
}

func (w WorkItem) closed() bool { return slices.Contains(closedStatuses, w.Status) }

type Stage struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Order int    `json:"order"`
}

// Pipeline is a routing target. Assignees is the pool auto-assignment
// draws from.
type Pipeline struct {
	ID        string   `json:"id"`
	OrgID     string   `json:"org_id,omitempty"`
	Name      string   `json:"name,omitempty"`
	Active    bool     `json:"active"`
	Stages    []Stage  `json:"stages"`
	Assignees []string `json:"assignees,omitempty"`
}

func (p Pipeline) stage(id string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// firstStage returns the lowest-ordered stage, or "" for a pipeline
// without stages.
func (p Pipeline) firstStage() string {
	if len(p.Stages) == 0 {
		return ""
	}
	first := p.Stages[0]
	for _, s := range p.Stages[1:] {
		if s.Order < first.Order {
			first = s
		}
	}
	return first.ID
}

// Assignee is a user who can own work items. Capacity <= 0 is unbounded.
type Assignee struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Capacity  int    `json:"capacity"`
	Available bool   `json:"available"`
}

// AssignmentResult reports one routing change.
type AssignmentResult struct {
	Success       bool                   `json:"success"`
	PreviousState *types.AssignmentState `json:"previous_state,omitempty"`
	NewState      *types.AssignmentState `json:"new_state,omitempty"`
	AuditID       types.AuditID          `json:"audit_id,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Kind          errs.Kind              `json:"kind,omitempty"`
}

// Assignment routes work items into pipelines, stages and assignees.
type Assignment struct {
	repo     types.Repository
	audit    *Auditor
	balancer *balance.Balancer

	Now func() time.Time
}

func NewAssignment(repo types.Repository, audit *Auditor, balancer *balance.Balancer) *Assignment {
	if balancer == nil {
		balancer = balance.New()
	}
	return &Assignment{repo: repo, audit: audit, balancer: balancer, Now: time.Now}
}

func (a *Assignment) Handles() []types.ActionType {
	return []types.ActionType{
		types.ActionAssignToPipeline,
		types.ActionReassign,
		types.ActionMoveToStage,
		types.ActionSetAssignee,
	}
}

func (a *Assignment) Execute(ctx context.Context, req Request) Outcome {
	meta := req.Meta()
	act := req.Action
	item := act.String("item_id")

	var res AssignmentResult
	switch act.Type {
	case types.ActionAssignToPipeline:
		res = a.Assign(ctx, meta, item, act.String("pipeline_id"), act.String("stage_id"), act.String("assignee_id"))
	case types.ActionReassign:
		if r := act.String("reason"); r != "" {
			meta.Reason = r
		}
		res = a.Reassign(ctx, meta, item, act.String("pipeline_id"), meta.Reason)
	case types.ActionMoveToStage:
		res = a.MoveToStage(ctx, meta, item, act.String("stage_id"))
	case types.ActionSetAssignee:
		res = a.SetAssignee(ctx, meta, item, act.String("assignee_id"))
	default:
		return failed(errs.Validation("assignment.execute", "unsupported action %q", act.Type), nil)
	}

	if !res.Success {
		return Outcome{Status: execlog.StatusFailed, Error: res.Error, Kind: res.Kind, Detail: res}
	}
	o := succeeded(res)
	o.AuditID = res.AuditID
	return o
}

// Assign places itemID into pipelineID. An empty stageID means the first
// stage; an empty assigneeID picks the least-loaded member of the
// pipeline's pool, leaving the current assignee when nobody has room.
func (a *Assignment) Assign(ctx context.Context, meta Meta, itemID, pipelineID, stageID, assigneeID string) AssignmentResult {
	const op = "assignment.assign"
	var (
		item WorkItem
		pipe Pipeline
	)
	return a.apply(ctx, meta, Mutation[types.AssignmentState]{
		Op:         op,
		EntityType: "work_item",
		EntityID:   itemID,
		Validate: func() error {
			if itemID == "" || pipelineID == "" {
				return errs.Validation(op, "item_id and pipeline_id are required")
			}
			return nil
		},
		Previous: func(ctx context.Context) (types.AssignmentState, error) {
			var err error
			item, err = a.openItem(ctx, op, itemID)
			return item.State(), err
		},
		Check: func(ctx context.Context, _ types.AssignmentState) error {
			var err error
			pipe, err = a.activePipeline(ctx, op, pipelineID)
			if err != nil {
				return err
			}
			if stageID == "" {
				stageID = pipe.firstStage()
			} else if _, ok := pipe.stage(stageID); !ok {
				return errs.NotFound(op, "stage %s not in pipeline %s", stageID, pipelineID)
			}
			return nil
		},
		Mutate: func(ctx context.Context, _ types.AssignmentState) (types.AssignmentState, error) {
			item.PipelineID = pipelineID
			item.StageID = stageID
			if assigneeID == "" {
				if c, err := a.selectFrom(ctx, pipe, balance.Options{}); err == nil && c != nil {
					assigneeID = c.ID
				}
			}
			if assigneeID != "" {
				item.AssigneeID = assigneeID
			}
			return a.save(ctx, item)
		},
	})
}

// Reassign moves itemID into another pipeline's first stage and picks a
// new assignee from that pipeline's pool.
func (a *Assignment) Reassign(ctx context.Context, meta Meta, itemID, newPipelineID, reason string) AssignmentResult {
	const op = "assignment.reassign"
	if reason != "" {
		meta.Reason = reason
	}
	var (
		item WorkItem
		pipe Pipeline
	)
	return a.apply(ctx, meta, Mutation[types.AssignmentState]{
		Op:         op,
		EntityType: "work_item",
		EntityID:   itemID,
		Validate: func() error {
			if itemID == "" || newPipelineID == "" {
				return errs.Validation(op, "item_id and pipeline_id are required")
			}
			return nil
		},
		Previous: func(ctx context.Context) (types.AssignmentState, error) {
			var err error
			item, err = a.openItem(ctx, op, itemID)
			return item.State(), err
		},
		Check: func(ctx context.Context, prev types.AssignmentState) error {
			if prev.PipelineID == newPipelineID {
				return errs.InvalidState(op, "item %s is already in pipeline %s", itemID, newPipelineID)
			}
			var err error
			pipe, err = a.activePipeline(ctx, op, newPipelineID)
			return err
		},
		Mutate: func(ctx context.Context, _ types.AssignmentState) (types.AssignmentState, error) {
			item.PipelineID = newPipelineID
			item.StageID = pipe.firstStage()
			item.AssigneeID = ""
			if c, err := a.selectFrom(ctx, pipe, balance.Options{}); err == nil && c != nil {
				item.AssigneeID = c.ID
			}
			return a.save(ctx, item)
		},
	})
}

// MoveToStage advances itemID to another stage of its current pipeline.
func (a *Assignment) MoveToStage(ctx context.Context, meta Meta, itemID, stageID string) AssignmentResult {
	const op = "assignment.move_to_stage"
	var item WorkItem
	return a.apply(ctx, meta, Mutation[types.AssignmentState]{
		Op:         op,
		EntityType: "work_item",
		EntityID:   itemID,
		Validate: func() error {
			if itemID == "" || stageID == "" {
				return errs.Validation(op, "item_id and stage_id are required")
			}
			return nil
		},
		Previous: func(ctx context.Context) (types.AssignmentState, error) {
			var err error
			item, err = a.openItem(ctx, op, itemID)
			return item.State(), err
		},
		Check: func(ctx context.Context, prev types.AssignmentState) error {
			if prev.PipelineID == "" {
				return errs.InvalidState(op, "item %s is not in a pipeline", itemID)
			}
			if prev.StageID == stageID {
				return errs.InvalidState(op, "item %s is already in stage %s", itemID, stageID)
			}
			pipe, err := a.activePipeline(ctx, op, prev.PipelineID)
			if err != nil {
				return err
			}
			if _, ok := pipe.stage(stageID); !ok {
				return errs.NotFound(op, "stage %s not in pipeline %s", stageID, prev.PipelineID)
			}
			return nil
		},
		Mutate: func(ctx context.Context, _ types.AssignmentState) (types.AssignmentState, error) {
			item.StageID = stageID
			return a.save(ctx, item)
		},
	})
}

// SetAssignee sets or, with an empty userID, clears the item's owner.
func (a *Assignment) SetAssignee(ctx context.Context, meta Meta, itemID, userID string) AssignmentResult {
	const op = "assignment.set_assignee"
	var item WorkItem
	return a.apply(ctx, meta, Mutation[types.AssignmentState]{
		Op:         op,
		EntityType: "work_item",
		EntityID:   itemID,
		Validate: func() error {
			if itemID == "" {
				return errs.Validation(op, "item_id is required")
			}
			return nil
		},
		Previous: func(ctx context.Context) (types.AssignmentState, error) {
			var err error
			item, err = a.openItem(ctx, op, itemID)
			return item.State(), err
		},
		Check: func(ctx context.Context, _ types.AssignmentState) error {
			if userID == "" {
				return nil
			}
			_, err := repository.Load[Assignee](ctx, a.repo, CollectionAssignees, userID)
			return err
		},
		Mutate: func(ctx context.Context, _ types.AssignmentState) (types.AssignmentState, error) {
			item.AssigneeID = userID
			return a.save(ctx, item)
		},
	})
}

// SelectOptimalAssignee picks from poolID's members by current open
// workload. A nil candidate with a nil error means nobody has room.
func (a *Assignment) SelectOptimalAssignee(ctx context.Context, poolID string, opts balance.Options) (*balance.Candidate, error) {
	pipe, err := repository.Load[Pipeline](ctx, a.repo, CollectionPipelines, poolID)
	if err != nil {
		return nil, err
	}
	return a.selectFrom(ctx, pipe, opts)
}

func (a *Assignment) selectFrom(ctx context.Context, pipe Pipeline, opts balance.Options) (*balance.Candidate, error) {
	candidates := make([]balance.Candidate, 0, len(pipe.Assignees))
	for _, id := range pipe.Assignees {
		user, err := repository.Load[Assignee](ctx, a.repo, CollectionAssignees, id)
		if err != nil {
			continue
		}
		load, err := a.workload(ctx, id)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, balance.Candidate{
			ID:        id,
			Workload:  load,
			Capacity:  user.Capacity,
			Available: user.Available,
		})
	}
	return a.balancer.Select(pipe.ID, candidates, opts), nil
}

func (a *Assignment) workload(ctx context.Context, assigneeID string) (int, error) {
	items, err := repository.Query[WorkItem](ctx, a.repo, CollectionItems, map[string]any{"assignee_id": assigneeID})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if !it.closed() {
			n++
		}
	}
	return n, nil
}

func (a *Assignment) openItem(ctx context.Context, op, id string) (WorkItem, error) {
	item, err := repository.Load[WorkItem](ctx, a.repo, CollectionItems, id)
	if err != nil {
		return item, err
	}
	if item.closed() {
		return item, errs.InvalidState(op, "item %s is %s", id, item.Status)
	}
	return item, nil
}

func (a *Assignment) activePipeline(ctx context.Context, op, id string) (Pipeline, error) {
	pipe, err := repository.Load[Pipeline](ctx, a.repo, CollectionPipelines, id)
	if err != nil {
		return pipe, err
	}
	if !pipe.Active {
		return pipe, errs.InvalidState(op, "pipeline %s is not active", id)
	}
	return pipe, nil
}

func (a *Assignment) save(ctx context.Context, item WorkItem) (types.AssignmentState, error) {
	item.UpdatedAt = a.Now().UTC()
	if err := a.repo.Update(ctx, CollectionItems, item.ID, item); err != nil {
		return types.AssignmentState{}, err
	}
	return item.State(), nil
}

func (a *Assignment) apply(ctx context.Context, meta Meta, m Mutation[types.AssignmentState]) AssignmentResult {
	c := Apply(ctx, a.audit, meta, m)
	res := AssignmentResult{Success: c.Success, AuditID: c.AuditID}
	if c.Err != nil {
		res.Error = c.Err.Error()
		res.Kind = errs.KindOf(c.Err)
		return res
	}
	prev, next := c.Previous, c.Next
	res.PreviousState = &prev
	res.NewState = &next
	return res
}
