// Package filter implements optional presentation-layer filters for
// rendered messages. Each filter is a CEL boolean expression; a message is
// hidden when any configured expression evaluates to true.
//
// Expressions see these variables:
//
//	text             string  message content
//	sender           string  speaker name
//	role             string  "assistant", "user" or "system"
//	seq              int     sequence number (0 when unsequenced)
//	mode             string  "workflow" or "ask"
//	initial_message  string  configured initial message, possibly empty
//	last_user_input  string  most recent text the user sent
//
// and one helper, similarity(a, b), which returns the Jaccard index of the
// lower-cased word sets of a and b in [0, 1].
package filter

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/inercia/chatwire/internal/config"
	"github.com/inercia/chatwire/internal/logging"
)

// Input is the message a filter decides on.
type Input struct {
	Text           string
	Sender         string
	Role           string
	Seq            int64
	Mode           string
	InitialMessage string
	LastUserInput  string
}

func (in Input) activation() map[string]any {
	return map[string]any{
		"text":            in.Text,
		"sender":          in.Sender,
		"role":            in.Role,
		"seq":             in.Seq,
		"mode":            in.Mode,
		"initial_message": in.InitialMessage,
		"last_user_input": in.LastUserInput,
	}
}

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

func celEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable("text", cel.StringType),
			cel.Variable("sender", cel.StringType),
			cel.Variable("role", cel.StringType),
			cel.Variable("seq", cel.IntType),
			cel.Variable("mode", cel.StringType),
			cel.Variable("initial_message", cel.StringType),
			cel.Variable("last_user_input", cel.StringType),
			cel.Function("similarity",
				cel.Overload("similarity_string_string",
					[]*cel.Type{cel.StringType, cel.StringType},
					cel.DoubleType,
					cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
						a, ok := lhs.(types.String)
						if !ok {
							return types.MaybeNoSuchOverloadErr(lhs)
						}
						b, ok := rhs.(types.String)
						if !ok {
							return types.MaybeNoSuchOverloadErr(rhs)
						}
						return types.Double(Similarity(string(a), string(b)))
					}),
				),
			),
		)
	})
	return env, envErr
}

// Similarity returns the Jaccard index of the word sets of a and b. Two
// empty strings have similarity 0.
func Similarity(a, b string) float64 {
	wa := words(a)
	wb := words(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	shared := 0
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	union := len(wa) + len(wb) - shared
	return float64(shared) / float64(union)
}

func words(s string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	}) {
		set[f] = true
	}
	return set
}

// Filter is a compiled expression.
type Filter struct {
	name string
	expr string
	prg  cel.Program
}

// Compile compiles expr. An empty expression yields a nil Filter, which
// never matches.
func Compile(name, expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	e, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	ast, iss := e.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("filter %s: %w", name, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter %s: expression must return bool, got %s", name, ast.OutputType())
	}
	prg, err := e.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", name, err)
	}
	return &Filter{name: name, expr: expr, prg: prg}, nil
}

// Name returns the filter name.
func (f *Filter) Name() string {
	if f == nil {
		return ""
	}
	return f.name
}

// Match evaluates the filter against in.
func (f *Filter) Match(in Input) (bool, error) {
	if f == nil {
		return false, nil
	}
	out, _, err := f.prg.Eval(in.activation())
	if err != nil {
		return false, fmt.Errorf("filter %s: %w", f.name, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %s: non-bool result %v", f.name, out.Value())
	}
	return b, nil
}

// Set holds the active filters of a session. It can be replaced at runtime
// when the configuration file changes.
type Set struct {
	mu             sync.RWMutex
	firstMessage   *Filter
	echo           *Filter
	initialMessage string
	logger         *slog.Logger
}

// NewSet compiles the filters in cfg.
func NewSet(cfg config.FilterConfig) (*Set, error) {
	s := &Set{logger: logging.Client()}
	if err := s.Update(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Update recompiles the filters. On error the previous filters stay active.
func (s *Set) Update(cfg config.FilterConfig) error {
	first, err := Compile("suppress_first_message", cfg.SuppressFirstMessage)
	if err != nil {
		return err
	}
	echo, err := Compile("suppress_echo", cfg.SuppressEcho)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.firstMessage = first
	s.echo = echo
	s.initialMessage = cfg.InitialMessage
	s.mu.Unlock()
	return nil
}

// Suppress reports whether the message should be hidden. Evaluation errors
// are logged and the message is shown.
func (s *Set) Suppress(in Input) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	filters := []*Filter{s.firstMessage, s.echo}
	if in.InitialMessage == "" {
		in.InitialMessage = s.initialMessage
	}
	s.mu.RUnlock()

	for _, f := range filters {
		hit, err := f.Match(in)
		if err != nil {
			s.logger.Warn("filter evaluation failed", "filter", f.Name(), "error", err)
			continue
		}
		if hit {
			s.logger.Debug("message suppressed", "filter", f.Name(), "seq", in.Seq, "sender", in.Sender)
			return true
		}
	}
	return false
}
