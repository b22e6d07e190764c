// Package classify decides what build action a command line (or a line
// of make output) represents and which artifact it produces.
//
// Classification is an ordered list of rules; the first rule whose match
// function accepts the line handles it. The order is load-bearing: a line
// with both -c and -fPIC is a compile, not a library build.
package classify

import (
	"path"
	"strings"
)

// Category is the build action a line represents.
type Category string

const (
	Compile     Category = "compile"
	Link        Category = "link"
	CompileLink Category = "compile_link"
	Library     Category = "library"
	Others      Category = "others"
	Passthrough Category = "passthrough"
	BuildDone   Category = "make_done"
)

// Recordable reports whether entries of this category name an artifact
// and may be stored in an artifact log.
func (c Category) Recordable() bool {
	switch c {
	case Compile, Link, CompileLink, Library:
		return true
	default:
		return false
	}
}

// Tag returns the display prefix for recordable categories.
func (c Category) Tag() string {
	switch c {
	case Compile:
		return "[Compile]"
	case Link:
		return "[Link]"
	case CompileLink:
		return "[Compile][Link]"
	case Library:
		return "[Library]"
	default:
		return ""
	}
}

// Result is the outcome of classifying one line.
type Result struct {
	Line      string
	Display   bool
	Category  Category
	Artifacts []string
}

// Artifact returns the artifact names joined by spaces.
func (r Result) Artifact() string {
	return strings.Join(r.Artifacts, " ")
}

// Styler decorates a category tag before it is rendered, e.g. with colour.
type Styler func(c Category, tag string) string

// Markers recognized in make output.
const (
	markerPreparation = "Preparation: "
	markerSeparator   = "***"
	markerBuildDone   = "make: DONE "
)

// Flags and file kinds the rules look at.
const (
	flagCompile = "-c"
	flagOutput  = "-o"
	flagPIC     = "-fPIC"

	defaultOutput = "a.out"
)

var (
	drivers            = []string{"gcc", "g++", "clang", "clang++", "ld", "ar"}
	compileSources     = []string{".cc", ".c", ".s"}
	compileLinkSources = []string{".cc", ".s"}
)

type rule struct {
	name   string
	match  func(line string, tokens []string) bool
	handle func(c *Classifier, line string, tokens []string) Result
}

// Classifier applies the rule list. It holds no mutable state and is safe
// for concurrent use.
type Classifier struct {
	rules  []rule
	styler Styler
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithStyler decorates recordable tags with s.
func WithStyler(s Styler) Option {
	return func(c *Classifier) {
		c.styler = s
	}
}

// New returns a Classifier with the default rule order.
func New(opts ...Option) *Classifier {
	c := &Classifier{rules: defaultRules()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify categorizes one line. It has no side effects.
func (c *Classifier) Classify(line string) Result {
	tokens := strings.Fields(line)
	for _, r := range c.rules {
		if r.match(line, tokens) {
			return r.handle(c, line, tokens)
		}
	}
	return passthrough(c, line, tokens)
}

func defaultRules() []rule {
	return []rule{
		{
			name: "diagnostic",
			match: func(line string, tokens []string) bool {
				return len(tokens) == 0 || isDiagnostic(line, tokens)
			},
			handle: passthrough,
		},
		{
			name:   "compile_only",
			match:  hasFlag(flagCompile),
			handle: handleCompile,
		},
		{
			name:   "shared_library",
			match:  hasFlag(flagPIC),
			handle: handleLibrary,
		},
		{
			name:   "link",
			match:  hasFlag(flagOutput),
			handle: handleLink,
		},
		{
			name: "preparation",
			match: func(line string, _ []string) bool {
				return strings.Contains(line, markerPreparation)
			},
			handle: hidden(Others),
		},
		{
			name: "separator",
			match: func(line string, _ []string) bool {
				return strings.Contains(line, markerSeparator)
			},
			handle: hidden(Others),
		},
		{
			name: "build_done",
			match: func(line string, _ []string) bool {
				return strings.Contains(line, markerBuildDone)
			},
			handle: hidden(BuildDone),
		},
	}
}

// isDiagnostic guesses whether a non-empty line is a tool's warning or
// error output. It deliberately avoids matching any tool's message format:
// indented lines are continuations, and anything whose first token is not
// a known driver is treated as diagnostic text.
func isDiagnostic(line string, tokens []string) bool {
	if line[0] == ' ' || line[0] == '\t' {
		return true
	}
	if strings.HasPrefix(line, markerSeparator) || strings.HasPrefix(line, markerBuildDone) ||
		strings.Contains(line, markerPreparation) {
		return false
	}
	return !IsDriver(tokens[0])
}

// IsDriver reports whether a command token names a compiler, linker or
// archiver. Directories and a trailing -<digits> version are ignored, and
// cross-toolchain prefixes are accepted: /usr/bin/g++-12 and
// x86_64-linux-gnu-gcc are both drivers.
func IsDriver(token string) bool {
	name := path.Base(token)
	if i := strings.LastIndexByte(name, '-'); i > 0 && isDigits(name[i+1:]) {
		name = name[:i]
	}
	for _, d := range drivers {
		if name == d || strings.HasSuffix(name, "-"+d) {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func hasFlag(flag string) func(string, []string) bool {
	return func(_ string, tokens []string) bool {
		return indexOf(tokens, flag) >= 0
	}
}

func indexOf(tokens []string, s string) int {
	for i, t := range tokens {
		if t == s {
			return i
		}
	}
	return -1
}

// outputArg returns the argument following -o.
func outputArg(tokens []string) (string, bool) {
	i := indexOf(tokens, flagOutput)
	if i < 0 || i+1 >= len(tokens) {
		return "", false
	}
	return tokens[i+1], true
}

func hasSuffixAny(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

func handleCompile(c *Classifier, line string, tokens []string) Result {
	if out, ok := outputArg(tokens); ok {
		return c.recorded(Compile, out)
	}
	var objects []string
	for _, t := range tokens[1:] {
		if ext := path.Ext(t); contains(compileSources, ext) {
			objects = append(objects, strings.TrimSuffix(path.Base(t), ext)+".o")
		}
	}
	if len(objects) == 0 {
		return Result{Line: line, Display: true, Category: Others}
	}
	return c.recorded(Compile, objects...)
}

func handleLibrary(c *Classifier, line string, tokens []string) Result {
	out, ok := outputArg(tokens)
	if !ok {
		return Result{Line: line, Display: true, Category: Others}
	}
	return c.recorded(Library, path.Clean(out))
}

func handleLink(c *Classifier, _ string, tokens []string) Result {
	category := Link
	for _, t := range tokens[1:] {
		if hasSuffixAny(t, compileLinkSources) {
			category = CompileLink
			break
		}
	}
	out, ok := outputArg(tokens)
	if !ok {
		return c.recorded(category, defaultOutput)
	}
	return c.recorded(category, path.Clean(out))
}

func passthrough(_ *Classifier, line string, _ []string) Result {
	return Result{Line: line, Display: true, Category: Passthrough}
}

func hidden(category Category) func(*Classifier, string, []string) Result {
	return func(*Classifier, string, []string) Result {
		return Result{Category: category}
	}
}

func (c *Classifier) recorded(category Category, artifacts ...string) Result {
	tag := category.Tag()
	if c.styler != nil {
		tag = c.styler(category, tag)
	}
	return Result{
		Line:      tag + " => " + strings.Join(artifacts, " ") + "...",
		Display:   true,
		Category:  category,
		Artifacts: artifacts,
	}
}

func contains(list []string, s string) bool {
	return indexOf(list, s) >= 0
}
