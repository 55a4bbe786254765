// Package language holds the built-in language definitions: how to start a
// worker for each language, which container image it runs in, what code is
// used to warm it up, and which static checks run before code reaches it.
//
// The worker programs themselves live in workers/ and are embedded into the
// binary, so a deployment only needs the interpreters installed.
package language

import (
	_ "embed"
	"slices"
	"strings"

	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/executor/worker"
)

//go:embed workers/python.py
var pythonWorker string

//go:embed workers/javascript.js
var javascriptWorker string

// MaxCodeSize is the largest program accepted, in bytes.
const MaxCodeSize = 50_000

// Definition describes one language the service can run.
type Definition struct {
	Name       string
	Aliases    []string
	Command    worker.Command
	Image      string // used by the docker backend
	WarmupCode string
	Validator  executor.Validator
}

// WithInterpreter returns a copy of d that starts workers with a different
// interpreter binary, e.g. "python3.12" or "/usr/local/bin/node".
func (d Definition) WithInterpreter(path string) Definition {
	if path != "" {
		d.Command.Path = path
	}
	return d
}

func Python() Definition {
	return Definition{
		Name:    "python",
		Aliases: []string{"py", "python3"},
		Command: worker.Command{
			Path: "python3",
			// -u keeps stdout unbuffered so each result line is flushed at once.
			Args: []string{"-u", "-c", pythonWorker},
		},
		Image:      "python:3.12-alpine",
		WarmupCode: `print("Python daemon warmed up")`,
		Validator: newValidator("python",
			`\bimport\s+os\b`,
			`\bimport\s+subprocess\b`,
			`\bfrom\s+os\b`,
			`\bfrom\s+subprocess\b`,
			`__import__\s*\(`,
			`\bexec\s*\(`,
			`\beval\s*\(`,
			`\bcompile\s*\(`,
			`\bopen\s*\(`,
			`\bfile\s*\(`,
			`\binput\s*\(`,
			`\braw_input\s*\(`,
		),
	}
}

func JavaScript() Definition {
	return Definition{
		Name:    "javascript",
		Aliases: []string{"js", "node"},
		Command: worker.Command{
			Path: "node",
			Args: []string{"--max-old-space-size=256", "-e", javascriptWorker},
		},
		Image:      "node:22-alpine",
		WarmupCode: `console.log("JavaScript daemon warmed up")`,
		Validator: newValidator("javascript",
			`\brequire\s*\(\s*['"](node:)?(fs|child_process|os|net|http|https|cluster|worker_threads|vm|process)['"]\s*\)`,
			`\bimport\s*\(`,
			`\bimport\s+.*\bfrom\s+['"]`,
			`\bprocess\s*\.`,
			`\beval\s*\(`,
			`\bFunction\s*\(`,
			`\bglobalThis\s*\.\s*constructor\b`,
		),
	}
}

// Builtin returns every language this build knows about.
func Builtin() []Definition {
	return []Definition{Python(), JavaScript()}
}

// Lookup finds a built-in definition by name or alias, case-insensitively.
func Lookup(name string) (Definition, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, d := range Builtin() {
		if d.Name == name || slices.Contains(d.Aliases, name) {
			return d, true
		}
	}
	return Definition{}, false
}
