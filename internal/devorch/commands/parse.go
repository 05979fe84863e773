// Package commands parses operator input and routes it to lifecycle actions.
package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/devorch/internal/devorch/supervisor"
)

// Verb is a recognised command.
type Verb string

const (
	VerbQuit            Verb = "quit"
	VerbAPI             Verb = "api"
	VerbKill            Verb = "kill"
	VerbAPIClean        Verb = "api-clean"
	VerbAPIBuildImage   Verb = "api-build-image"
	VerbNginxBuildImage Verb = "nginx-build-image"
	VerbUINodeInstall   Verb = "ui-node-install"
	VerbUIGenProto      Verb = "ui-gen-proto"
	VerbUIWatch         Verb = "ui-watch"
)

// DefaultVariant is the build variant used when `api` is given none.
const DefaultVariant = "debug"

// Variants are the build directories the builder is bootstrapped with.
var Variants = []string{"debug", "thread", "release"}

var (
	// ErrEmptyCommand is returned for blank input. The loop ignores it.
	ErrEmptyCommand = errors.New("empty command")
	// ErrUnknownCommand is wrapped by ParseError for unrecognised verbs.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrArity is wrapped by ParseError when the argument count is wrong.
	ErrArity = errors.New("wrong number of arguments")
)

// Command is one parsed input line.
type Command struct {
	Verb Verb
	Args []string
}

// Arg returns the i-th argument or "".
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

func (c *Command) String() string {
	if len(c.Args) == 0 {
		return string(c.Verb)
	}
	return string(c.Verb) + " " + strings.Join(c.Args, " ")
}

// ParseError reports input that does not match the grammar.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type verbSpec struct {
	verb    Verb
	aliases []string
	minArgs int
	maxArgs int
	// defaults fills missing optional arguments.
	defaults []string
	// check validates the (defaulted) arguments.
	check func(args []string) error
	usage string
}

var grammar = []verbSpec{
	{verb: VerbQuit, aliases: []string{"q"}, usage: "quit"},
	{verb: VerbAPI, aliases: []string{"a"}, maxArgs: 1, defaults: []string{DefaultVariant}, check: checkVariant, usage: "api [variant]"},
	{verb: VerbKill, aliases: []string{"k"}, minArgs: 1, maxArgs: 1, check: checkRole, usage: "kill db|api|esbuild"},
	{verb: VerbAPIClean, aliases: []string{"ac"}, minArgs: 1, maxArgs: 1, check: checkVariant, usage: "api-clean <variant>"},
	{verb: VerbAPIBuildImage, minArgs: 1, maxArgs: 1, check: checkVariant, usage: "api-build-image <variant>"},
	{verb: VerbNginxBuildImage, minArgs: 1, maxArgs: 1, check: checkDocumentRoot, usage: "nginx-build-image <document-root>"},
	{verb: VerbUINodeInstall, aliases: []string{"ui"}, usage: "ui-node-install"},
	{verb: VerbUIGenProto, aliases: []string{"up"}, usage: "ui-gen-proto"},
	{verb: VerbUIWatch, aliases: []string{"w"}, usage: "ui-watch"},
}

var lookup = func() map[string]*verbSpec {
	m := make(map[string]*verbSpec)
	for i := range grammar {
		spec := &grammar[i]
		m[string(spec.verb)] = spec
		for _, alias := range spec.aliases {
			m[alias] = spec
		}
	}
	return m
}()

// Parse tokenizes line on whitespace and matches it against the grammar.
func Parse(line string) (*Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, ErrEmptyCommand
	}

	spec, ok := lookup[fields[0]]
	if !ok {
		return nil, &ParseError{Input: line, Err: fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])}
	}

	args := fields[1:]
	if len(args) < spec.minArgs || len(args) > spec.maxArgs {
		return nil, &ParseError{Input: line, Err: fmt.Errorf("%w: usage: %s", ErrArity, spec.usage)}
	}
	if n := len(args); n < len(spec.defaults) {
		args = append(args, spec.defaults[n:]...)
	}
	if spec.check != nil {
		if err := spec.check(args); err != nil {
			return nil, &ParseError{Input: line, Err: err}
		}
	}

	return &Command{Verb: spec.verb, Args: args}, nil
}

// Usage lists the grammar, one verb per line.
func Usage() string {
	var b strings.Builder
	for _, spec := range grammar {
		b.WriteString(spec.usage)
		if len(spec.aliases) > 0 {
			b.WriteString(" (" + strings.Join(spec.aliases, ", ") + ")")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func checkVariant(args []string) error {
	for _, v := range Variants {
		if args[0] == v {
			return nil
		}
	}
	return fmt.Errorf("unknown build variant %q (want one of %s)", args[0], strings.Join(Variants, ", "))
}

func checkRole(args []string) error {
	_, err := supervisor.ParseRole(args[0])
	return err
}

func checkDocumentRoot(args []string) error {
	if strings.ContainsAny(args[0], "'\"`$\\;&|<>") {
		return fmt.Errorf("document root %q contains shell metacharacters", args[0])
	}
	return nil
}
