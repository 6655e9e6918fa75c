// Package process implements the workflow engine: a builder DSL for process
// graphs, a token-based interpreter driving event-sourced instance actors,
// service-task execution with retry, and the saga orchestrator layered on
// top.
package process

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NodeKind enumerates the supported node types.
type NodeKind string

const (
	KindStart            NodeKind = "startEvent"
	KindEnd              NodeKind = "endEvent"
	KindServiceTask      NodeKind = "serviceTask"
	KindUserTask         NodeKind = "userTask"
	KindExclusiveGateway NodeKind = "exclusiveGateway"
	KindParallelGateway  NodeKind = "parallelGateway"
	KindParallelJoin     NodeKind = "parallelJoin"
)

// ServiceHandler executes a service task against the instance variables and
// returns an output map merged back into them.
type ServiceHandler func(ctx context.Context,
	vars map[string]any) (map[string]any, error)

// RetryPolicy is the fixed-delay retry applied to failing service tasks.
type RetryPolicy struct {
	// MaxAttempts including the first; 0 means 1.
	MaxAttempts int

	// Delay between attempts.
	Delay time.Duration
}

// branchCond is one outgoing arm of an exclusive gateway, evaluated in
// declaration order.
type branchCond struct {
	name      string
	expr      string
	target    string
	otherwise bool
}

// Node is one vertex of a process graph.
type Node struct {
	ID   string
	Kind NodeKind

	// Next holds the outgoing edges. Exclusive gateways route through
	// branches instead; parallel gateways fork a token per entry.
	Next []string

	// branches are the exclusive-gateway arms.
	branches []branchCond

	// Handler, Retry, Timeout apply to service tasks.
	Handler ServiceHandler
	Retry   RetryPolicy
	Timeout time.Duration

	// Assignee, DueDate, Priority apply to user tasks.
	Assignee string
	DueDate  string
	Priority int

	// joinWidth is the number of tokens a parallel join waits for.
	joinWidth int
}

// Definition is an immutable, validated process graph.
type Definition struct {
	ID      string
	StartID string
	nodes   map[string]*Node
}

// Node returns the named node or nil.
func (d *Definition) Node(id string) *Node {
	return d.nodes[id]
}

// Builder assembles a Definition. Methods chain linearly: each added node
// gets an implicit edge from the previous one unless MoveTo redirected it.
type Builder struct {
	id      string
	nodes   map[string]*Node
	order   []string
	startID string

	// tail is the node the next added node links from, empty after an
	// explicit MoveTo or at the very beginning.
	tail string

	errs []error
}

// NewBuilder starts a definition for the given process ID.
func NewBuilder(processID string) *Builder {
	return &Builder{
		id:    processID,
		nodes: make(map[string]*Node),
	}
}

func (b *Builder) addNode(n *Node) *Node {
	if _, dup := b.nodes[n.ID]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate node id %q",
			n.ID))
		return n
	}
	b.nodes[n.ID] = n
	b.order = append(b.order, n.ID)

	if b.tail != "" {
		b.link(b.tail, n.ID)
	}
	b.tail = n.ID

	return n
}

func (b *Builder) link(from, to string) {
	src, ok := b.nodes[from]
	if !ok {
		b.errs = append(b.errs, fmt.Errorf("link from unknown node "+
			"%q", from))
		return
	}
	src.Next = append(src.Next, to)
}

// Start adds the start event. Exactly one per definition.
func (b *Builder) Start(id string) *Builder {
	if b.startID != "" {
		b.errs = append(b.errs, errors.New("multiple start events"))
	}
	b.startID = id
	b.addNode(&Node{ID: id, Kind: KindStart})

	return b
}

// End adds an end event.
func (b *Builder) End(id string) *Builder {
	b.addNode(&Node{ID: id, Kind: KindEnd})

	return b
}

// ServiceTaskOption tweaks a service task.
type ServiceTaskOption func(*Node)

// WithRetry sets the fixed-delay retry policy.
func WithRetry(maxAttempts int, delay time.Duration) ServiceTaskOption {
	return func(n *Node) {
		n.Retry = RetryPolicy{MaxAttempts: maxAttempts, Delay: delay}
	}
}

// WithTimeout bounds a single handler invocation.
func WithTimeout(d time.Duration) ServiceTaskOption {
	return func(n *Node) { n.Timeout = d }
}

// ServiceTask adds an engine-completed task backed by the handler.
func (b *Builder) ServiceTask(id string, handler ServiceHandler,
	opts ...ServiceTaskOption) *Builder {

	n := &Node{ID: id, Kind: KindServiceTask, Handler: handler}
	for _, opt := range opts {
		opt(n)
	}
	b.addNode(n)

	return b
}

// UserTaskOption tweaks a user task.
type UserTaskOption func(*Node)

// WithAssignee assigns the task.
func WithAssignee(assignee string) UserTaskOption {
	return func(n *Node) { n.Assignee = assignee }
}

// WithDueDate sets the task due date.
func WithDueDate(due string) UserTaskOption {
	return func(n *Node) { n.DueDate = due }
}

// WithPriority sets the task priority.
func WithPriority(p int) UserTaskOption {
	return func(n *Node) { n.Priority = p }
}

// UserTask adds an externally-completed task.
func (b *Builder) UserTask(id string, opts ...UserTaskOption) *Builder {
	n := &Node{ID: id, Kind: KindUserTask}
	for _, opt := range opts {
		opt(n)
	}
	b.addNode(n)

	return b
}

// MoveTo redirects the chain: the previous node links to the named node
// (which may be defined later) and the next added node starts a fresh chain
// segment.
func (b *Builder) MoveTo(id string) *Builder {
	if b.tail == "" {
		b.errs = append(b.errs, errors.New("moveTo with no tail node"))
		return b
	}
	b.link(b.tail, id)
	b.tail = ""

	return b
}

// GatewayBuilder collects the arms of one exclusive gateway.
type GatewayBuilder struct {
	b    *Builder
	node *Node
}

// ExclusiveGateway adds a gateway whose arms are declared with When and
// Otherwise. Each arm body builds its own chain segment.
func (b *Builder) ExclusiveGateway(id string) *GatewayBuilder {
	n := b.addNode(&Node{ID: id, Kind: KindExclusiveGateway})
	b.tail = ""

	return &GatewayBuilder{b: b, node: n}
}

// When adds a conditional arm. The body receives the builder with the chain
// positioned at the arm's first node.
func (g *GatewayBuilder) When(name, expr string,
	body func(*Builder)) *GatewayBuilder {

	if err := CheckCondition(expr); err != nil {
		g.b.errs = append(g.b.errs, fmt.Errorf("gateway %s arm %s: %w",
			g.node.ID, name, err))
	}
	target := g.arm(body)
	g.node.branches = append(g.node.branches, branchCond{
		name: name, expr: expr, target: target,
	})

	return g
}

// Otherwise adds the default arm, selected when no When matches. At most one
// per gateway.
func (g *GatewayBuilder) Otherwise(body func(*Builder)) *GatewayBuilder {
	for _, br := range g.node.branches {
		if br.otherwise {
			g.b.errs = append(g.b.errs, fmt.Errorf("gateway %s "+
				"has multiple otherwise arms", g.node.ID))
			break
		}
	}
	target := g.arm(body)
	g.node.branches = append(g.node.branches, branchCond{
		name: "otherwise", otherwise: true, target: target,
	})

	return g
}

// Done returns to the main chain. The next added node is NOT linked from the
// gateway; arms converge via MoveTo.
func (g *GatewayBuilder) Done() *Builder {
	g.b.tail = ""

	return g.b
}

// arm runs the body against a fresh chain segment and returns the ID of its
// first node.
func (g *GatewayBuilder) arm(body func(*Builder)) string {
	before := len(g.b.order)
	g.b.tail = ""
	body(g.b)
	g.b.tail = ""

	if len(g.b.order) == before {
		g.b.errs = append(g.b.errs, fmt.Errorf("gateway %s has an "+
			"empty arm", g.node.ID))
		return ""
	}

	return g.b.order[before]
}

// ParallelGateway adds a fork whose arms all converge at an implicit join
// node named "<id>.join". The next added node chains from the join.
func (b *Builder) ParallelGateway(id string,
	arms ...func(*Builder)) *Builder {

	fork := b.addNode(&Node{ID: id, Kind: KindParallelGateway})
	joinID := id + ".join"

	if len(arms) == 0 {
		b.errs = append(b.errs, fmt.Errorf("parallel gateway %s has "+
			"no arms", id))
	}

	for _, arm := range arms {
		before := len(b.order)
		b.tail = ""
		arm(b)
		if len(b.order) == before {
			b.errs = append(b.errs, fmt.Errorf("parallel gateway "+
				"%s has an empty arm", id))
			continue
		}
		fork.Next = append(fork.Next, b.order[before])

		// The arm's last chained node flows into the join unless the
		// arm redirected itself.
		if b.tail != "" {
			b.link(b.tail, joinID)
		}
	}

	b.tail = ""
	join := b.addNode(&Node{
		ID: joinID, Kind: KindParallelJoin,
		joinWidth: len(fork.Next),
	})
	b.tail = join.ID

	return b
}

// Build validates the graph and returns the immutable definition.
func (b *Builder) Build() (*Definition, error) {
	if b.startID == "" {
		b.errs = append(b.errs, errors.New("no start event"))
	}

	for _, id := range b.order {
		n := b.nodes[id]
		for _, next := range n.Next {
			if _, ok := b.nodes[next]; !ok {
				b.errs = append(b.errs, fmt.Errorf("node %s "+
					"links to unknown node %q", id, next))
			}
		}
		for _, br := range n.branches {
			if _, ok := b.nodes[br.target]; !ok {
				b.errs = append(b.errs, fmt.Errorf("gateway "+
					"%s arm %s targets unknown node %q",
					id, br.name, br.target))
			}
		}

		switch n.Kind {
		case KindServiceTask:
			if n.Handler == nil {
				b.errs = append(b.errs, fmt.Errorf("service "+
					"task %s has no handler", id))
			}
			fallthrough
		case KindStart, KindUserTask, KindParallelJoin:
			if len(n.Next) != 1 {
				b.errs = append(b.errs, fmt.Errorf("node %s "+
					"needs exactly one outgoing edge, "+
					"has %d", id, len(n.Next)))
			}

		case KindExclusiveGateway:
			if len(n.branches) == 0 {
				b.errs = append(b.errs, fmt.Errorf("gateway "+
					"%s has no arms", id))
			}

		case KindEnd:
			if len(n.Next) != 0 {
				b.errs = append(b.errs, fmt.Errorf("end "+
					"event %s has outgoing edges", id))
			}
		}
	}

	if len(b.errs) > 0 {
		return nil, fmt.Errorf("invalid process %q: %w", b.id,
			errors.Join(b.errs...))
	}

	return &Definition{
		ID:      b.id,
		StartID: b.startID,
		nodes:   b.nodes,
	}, nil
}
