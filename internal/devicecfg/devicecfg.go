// Package devicecfg parses device.cfg, the line-oriented grammar naming
// the input/output devices, channel lists, and attenuator bindings a
// running ephysd opens at startup (spec §6 "Device naming": `devicename`
// in the config; attenuators addressed as `(ao-device-name, channel)`).
// It deliberately stays outside viper's process-settings blob (SPEC_FULL
// "macros.cfg and the device config remain the custom line-oriented
// grammars"), in the same key=value-per-line spirit as
// internal/macro's parser.
package devicecfg

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/multiverse-hardware-labs/ephysd/internal/daq"
	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
)

// Layout is the fully parsed device.cfg: an input section and an
// optional output section with per-channel attenuator bindings.
type Layout struct {
	InputDevice    string
	InputChannels  []int
	InputUnit      string
	SampleInterval float64
	Capacity       int
	MaxSampleRate  float64

	OutputDevice   string
	OutputChannels []int
	Attenuators    map[int]daq.Attenuator
}

// Parse reads a device.cfg file: "[input]"/"[output]" section headers
// followed by "key = value" lines, '#' starting a comment. Channel lists
// are comma-separated integers; an "atten.<channel> = <dB>" line under
// "[output]" installs a daq.LinearAttenuator referenced to 1.0 with that
// value as its MaxDB.
func Parse(r io.Reader) (Layout, error) {
	var l Layout
	l.Attenuators = make(map[int]daq.Attenuator)

	scanner := bufio.NewScanner(r)
	section := ""
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return Layout{}, ephyserr.New("devicecfg.Parse", ephyserr.ConfigSyntax, fmt.Sprintf("line %d", lineNo), "expected key = value")
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])

		var err error
		switch section {
		case "input":
			err = l.setInput(key, val)
		case "output":
			err = l.setOutput(key, val)
		default:
			err = fmt.Errorf("key %q outside any [section]", key)
		}
		if err != nil {
			return Layout{}, ephyserr.Wrap("devicecfg.Parse", ephyserr.ConfigSyntax, fmt.Sprintf("line %d", lineNo), err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func (l *Layout) setInput(key, val string) error {
	switch key {
	case "device":
		l.InputDevice = val
	case "channels":
		ch, err := parseChannels(val)
		if err != nil {
			return err
		}
		l.InputChannels = ch
	case "unit":
		l.InputUnit = val
	case "sample_interval":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		l.SampleInterval = f
	case "capacity":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		l.Capacity = n
	case "max_sample_rate":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		l.MaxSampleRate = f
	default:
		return fmt.Errorf("unknown [input] key %q", key)
	}
	return nil
}

func (l *Layout) setOutput(key, val string) error {
	switch {
	case key == "device":
		l.OutputDevice = val
	case key == "channels":
		ch, err := parseChannels(val)
		if err != nil {
			return err
		}
		l.OutputChannels = ch
	case strings.HasPrefix(key, "atten."):
		ch, err := strconv.Atoi(strings.TrimPrefix(key, "atten."))
		if err != nil {
			return fmt.Errorf("bad attenuator channel in %q: %w", key, err)
		}
		db, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		l.Attenuators[ch] = &daq.LinearAttenuator{Reference: 1.0, MinDBVal: -120, MaxDBVal: db}
	default:
		return fmt.Errorf("unknown [output] key %q", key)
	}
	return nil
}

func parseChannels(val string) ([]int, error) {
	var out []int
	for _, tok := range strings.Split(val, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("bad channel %q: %w", tok, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func stripComment(line string) string {
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		return line[:idx]
	}
	return line
}
