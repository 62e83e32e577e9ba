// Package macro implements the macro interpreter (spec §3 Macro /
// MacroCommand, §4.5): a parsed script of named macros, each a sequence
// of commands, executed by a single interpreter thread that owns a call
// stack of (macro, command, bound-variables) frames. Grounded on the
// original RELACS macros.cc's macro-stack interpreter, re-expressed
// without its Qt dependencies.
package macro

import "github.com/multiverse-hardware-labs/ephysd/internal/options"

// Verb is one of the command kinds spec §6 fixes.
type Verb string

const (
	VerbRepro        Verb = "repro"
	VerbMacro        Verb = "macro"
	VerbFilter       Verb = "filter"
	VerbDetector     Verb = "detector"
	VerbSwitch       Verb = "switch"
	VerbStartSession Verb = "startsession"
	VerbShell        Verb = "shell"
	VerbMessage      Verb = "message"
	VerbBrowse       Verb = "browse"
)

// Command is one line of a macro (spec §3 "A command is one of:
// run-another-macro, run-a-procedure-with-parameters, switch-macro-file,
// run-shell, show-message, browse-file, start-session,
// configure-or-save-filter/detector. Each command has enabled/disabled
// state"). The switch verb replaces the whole call stack with the named
// macro from the same File; it does not load another macros file.
type Command struct {
	Verb    Verb
	Name    string
	Params  string // raw "key=value; key=value" parameter block, unexpanded
	Enabled bool
	Seconds int // message command's auto-dismiss timeout, if any
	Save    bool // filter/detector command: save (vs configure) variant
}

// Macro is a named, ordered list of commands plus a local Parameter set
// (spec §3 "Macro = named, ordered list of commands plus local Parameter
// set").
type Macro struct {
	Name      string
	Commands  []Command
	Variables *options.Options
}

// File is the parsed contents of one macros.cfg (spec §4.5 "macros.cfg
// yields a list of named macros").
type File struct {
	Macros []*Macro
}

// ByName looks up a macro by name.
func (f *File) ByName(name string) (*Macro, bool) {
	for _, m := range f.Macros {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}
