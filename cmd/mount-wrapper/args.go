package main

import (
	"strings"
)

// mountOpt is a single -o option, order-preserving so the rebuilt option
// string matches what the caller wrote.
type mountOpt struct {
	key      string
	value    string
	hasValue bool
}

// mountInvocation is the parsed form of a mount command line: -o options
// split out, every other flag kept verbatim for the real mount binary.
type mountInvocation struct {
	opts   []mountOpt
	flags  []string
	source string
	target string
}

// flagsWithValue are mount flags whose argument must stay glued to them
// when the command line is rebuilt.
var flagsWithValue = map[string]bool{
	"-t": true, "--types": true,
	"-L": true, "-U": true,
	"--source": true, "--target": true,
}

func parseMountArgs(args []string) *mountInvocation {
	inv := &mountInvocation{}
	var positional []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-o" || arg == "--options":
			if i+1 < len(args) {
				inv.addOptions(args[i+1])
				i++
			}
		case strings.HasPrefix(arg, "-o") && len(arg) > 2:
			inv.addOptions(arg[2:])
		case strings.HasPrefix(arg, "-"):
			if flagsWithValue[arg] && i+1 < len(args) {
				inv.flags = append(inv.flags, arg, args[i+1])
				i++
				continue
			}
			inv.flags = append(inv.flags, arg)
		default:
			positional = append(positional, arg)
		}
	}

	if len(positional) > 0 {
		inv.source = positional[0]
	}
	if len(positional) > 1 {
		inv.target = positional[1]
	}
	return inv
}

func (inv *mountInvocation) addOptions(spec string) {
	for _, opt := range strings.Split(spec, ",") {
		if opt == "" {
			continue
		}
		if key, value, found := strings.Cut(opt, "="); found {
			inv.opts = append(inv.opts, mountOpt{key: key, value: value, hasValue: true})
		} else {
			inv.opts = append(inv.opts, mountOpt{key: opt})
		}
	}
}

// hasOption reports whether the option key was given.
func (inv *mountInvocation) hasOption(key string) bool {
	for _, o := range inv.opts {
		if o.key == key {
			return true
		}
	}
	return false
}

// option returns the value of an option, or "" if absent or bare.
func (inv *mountInvocation) option(key string) string {
	for _, o := range inv.opts {
		if o.key == key {
			return o.value
		}
	}
	return ""
}

// rebuildOptions reproduces the -o string without the excluded keys.
func (inv *mountInvocation) rebuildOptions(exclude ...string) string {
	skip := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		skip[k] = true
	}

	var parts []string
	for _, o := range inv.opts {
		if skip[o.key] {
			continue
		}
		if o.hasValue {
			parts = append(parts, o.key+"="+o.value)
		} else {
			parts = append(parts, o.key)
		}
	}
	return strings.Join(parts, ",")
}
