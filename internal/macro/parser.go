package macro

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
	"github.com/multiverse-hardware-labs/ephysd/internal/options"
)

// ParseFile parses a macros.cfg per spec §6: "$ <macro-name> [: name=value;
// …]" opens a macro; subsequent indented lines are commands in the form
// "[!] <verb> <name> [: params]"; a parameter block continues on further-
// indented subsequent lines.
func ParseFile(r io.Reader) (*File, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var file File
	var cur *Macro
	var curCmd *Command
	cmdIndent := -1

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		line := stripComment(raw)
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := indentOf(line)
		trimmed := strings.TrimSpace(line)

		if indent == 0 && strings.HasPrefix(trimmed, "$") {
			m, err := parseMacroHeader(trimmed)
			if err != nil {
				return nil, ephyserr.Wrap("macro.ParseFile", ephyserr.ConfigSyntax, fmt.Sprintf("line %d", lineNo), err)
			}
			file.Macros = append(file.Macros, m)
			cur = m
			curCmd = nil
			cmdIndent = -1
			continue
		}

		if cur == nil {
			return nil, ephyserr.New("macro.ParseFile", ephyserr.ConfigSyntax, fmt.Sprintf("line %d", lineNo),
				"command outside any macro")
		}

		if curCmd != nil && indent > cmdIndent {
			// Continuation of the current command's parameter block.
			if curCmd.Params != "" {
				curCmd.Params += "; "
			}
			curCmd.Params += trimmed
			cur.Commands[len(cur.Commands)-1] = *curCmd
			continue
		}

		cmd, err := parseCommandLine(trimmed)
		if err != nil {
			return nil, ephyserr.Wrap("macro.ParseFile", ephyserr.ConfigSyntax, fmt.Sprintf("line %d", lineNo), err)
		}
		cur.Commands = append(cur.Commands, cmd)
		curCmd = &cur.Commands[len(cur.Commands)-1]
		cmdIndent = indent
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &file, nil
}

func indentOf(s string) int {
	n := 0
	for _, r := range s {
		if r == ' ' {
			n++
		} else if r == '\t' {
			n += 8
		} else {
			break
		}
	}
	return n
}

func stripComment(line string) string {
	inQuote := false
	for i, r := range line {
		switch r {
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return line[:i]
			}
		}
	}
	return line
}

// parseMacroHeader parses "$ <name> [: k=v; k=v]".
func parseMacroHeader(line string) (*Macro, error) {
	body := strings.TrimSpace(strings.TrimPrefix(line, "$"))
	name := body
	var paramBlock string
	if idx := strings.IndexByte(body, ':'); idx >= 0 {
		name = strings.TrimSpace(body[:idx])
		paramBlock = strings.TrimSpace(body[idx+1:])
	}
	if name == "" {
		return nil, fmt.Errorf("macro: empty macro name")
	}
	m := &Macro{Name: name, Variables: options.New(name)}
	for _, assign := range splitParams(paramBlock) {
		if assign == "" {
			continue
		}
		pname, text, unit, num, isNum := options.ParseAssignment(assign)
		if pname == "" {
			continue
		}
		if isNum {
			m.Variables.Insert(options.NewNumber(pname, pname, unit, num))
		} else {
			m.Variables.Insert(options.NewText(pname, pname, text))
		}
	}
	return m, nil
}

// parseCommandLine parses "[!] <verb> <name> [: params]".
func parseCommandLine(line string) (Command, error) {
	enabled := true
	if strings.HasPrefix(line, "!") {
		enabled = false
		line = strings.TrimSpace(line[1:])
	}
	var paramBlock string
	head := line
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		head = strings.TrimSpace(line[:idx])
		paramBlock = strings.TrimSpace(line[idx+1:])
	}
	fields := strings.Fields(head)
	if len(fields) < 1 {
		return Command{}, fmt.Errorf("macro: empty command line")
	}
	verb := Verb(strings.ToLower(fields[0]))
	name := ""
	if len(fields) > 1 {
		name = strings.Join(fields[1:], " ")
	}

	cmd := Command{Verb: verb, Name: name, Params: paramBlock, Enabled: enabled}
	switch verb {
	case VerbMessage:
		if name != "" {
			if secs, err := strconv.Atoi(fields[1]); err == nil {
				cmd.Seconds = secs
				cmd.Name = ""
				if len(fields) > 2 {
					cmd.Name = strings.Join(fields[2:], " ")
				}
			}
		}
	case VerbFilter, VerbDetector:
		cmd.Save = strings.Contains(strings.ToLower(paramBlock), "save")
	}
	if !validVerb(verb) {
		return Command{}, fmt.Errorf("macro: unknown verb %q", verb)
	}
	return cmd, nil
}

func validVerb(v Verb) bool {
	switch v {
	case VerbRepro, VerbMacro, VerbFilter, VerbDetector, VerbSwitch, VerbStartSession, VerbShell, VerbMessage, VerbBrowse:
		return true
	default:
		return false
	}
}

// splitParams splits a "k=v; k=v" block on unquoted semicolons.
func splitParams(block string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for _, r := range block {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ';' && !inQuote:
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}
