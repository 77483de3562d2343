package commands

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrDuplicate is returned when a pattern is registered twice.
var ErrDuplicate = errors.New("commands: pattern already registered")

type slot struct {
	cmd   *Command
	group int // index of the command's own group in the combined expression
	n     int // number of groups inside the command's pattern
}

type compiled struct {
	re    *regexp.Regexp
	slots []slot
}

// Registry holds commands in registration order. Matching reads an
// immutable compiled snapshot, so Match never blocks Register.
type Registry struct {
	prefix string

	mu   sync.Mutex
	cmds []*Command

	current atomic.Pointer[compiled]
}

// NewRegistry builds an empty registry for the given command prefix.
func NewRegistry(prefix string) *Registry {
	if prefix == "" {
		prefix = "!"
	}
	return &Registry{prefix: prefix}
}

// Prefix returns the command prefix.
func (r *Registry) Prefix() string { return r.prefix }

// Register adds c after every existing command.
func (r *Registry) Register(c Command) error {
	if c.Handler == nil {
		return fmt.Errorf("register %q: nil handler", c.Pattern)
	}
	if _, err := regexp.Compile(expand(c.Pattern)); err != nil {
		return fmt.Errorf("register %q: %w", c.Pattern, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.cmds {
		if existing.Pattern == c.Pattern {
			return fmt.Errorf("%w: %q", ErrDuplicate, c.Pattern)
		}
	}
	cmd := c
	next := append(append([]*Command(nil), r.cmds...), &cmd)
	comp, err := compile(r.prefix, next)
	if err != nil {
		return err
	}
	r.cmds = next
	r.current.Store(comp)
	return nil
}

// Unregister removes the command with the given pattern.
func (r *Registry) Unregister(pattern string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]*Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		if c.Pattern != pattern {
			next = append(next, c)
		}
	}
	if len(next) == len(r.cmds) {
		return false
	}
	comp, err := compile(r.prefix, next)
	if err != nil {
		return false
	}
	r.cmds = next
	r.current.Store(comp)
	return true
}

// Match finds the first registered command matching text and returns the
// values of its own groups.
func (r *Registry) Match(text string) (*Command, []string, bool) {
	comp := r.current.Load()
	if comp == nil {
		return nil, nil, false
	}
	idx := comp.re.FindStringSubmatchIndex(text)
	if idx == nil {
		return nil, nil, false
	}
	for _, s := range comp.slots {
		if idx[2*s.group] < 0 {
			continue
		}
		params := make([]string, s.n)
		for i := 0; i < s.n; i++ {
			g := s.group + 1 + i
			if idx[2*g] >= 0 {
				params[i] = text[idx[2*g]:idx[2*g+1]]
			}
		}
		return s.cmd, params, true
	}
	return nil, nil, false
}

// Commands lists every command in registration order.
func (r *Registry) Commands() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c.info(r.prefix))
	}
	return out
}

// expand turns literal spaces into a whitespace run.
func expand(pattern string) string {
	return strings.ReplaceAll(pattern, " ", `(?:\s+)`)
}

func compile(prefix string, cmds []*Command) (*compiled, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString(`(?i)^\s*`)
	b.WriteString(regexp.QuoteMeta(prefix))
	b.WriteString(`\s*(?:`)
	slots := make([]slot, 0, len(cmds))
	group := 1
	for i, c := range cmds {
		sub, err := regexp.Compile(expand(c.Pattern))
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", c.Pattern, err)
		}
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteByte('(')
		b.WriteString(expand(c.Pattern))
		b.WriteByte(')')
		slots = append(slots, slot{cmd: c, group: group, n: sub.NumSubexp()})
		group += 1 + sub.NumSubexp()
	}
	b.WriteString(`)\s*$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compile command table: %w", err)
	}
	return &compiled{re: re, slots: slots}, nil
}
