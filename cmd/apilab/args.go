// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"strconv"
	"strings"
)

// argParser handles the flag formats used across subcommands:
//
//	--flag value     Long flag with space-separated value
//	--flag=value     Long flag with equals sign
//	--flag           Boolean flag (no value)
//	-f value         Short flag with space-separated value
type argParser struct {
	flags      map[string]string
	boolFlags  map[string]bool
	positional []string
}

func parseArgs(raw []string) *argParser {
	p := &argParser{
		flags:     make(map[string]string),
		boolFlags: make(map[string]bool),
	}

	i := 0
	for i < len(raw) {
		arg := raw[i]

		if strings.HasPrefix(arg, "-") {
			if strings.Contains(arg, "=") {
				parts := strings.SplitN(arg, "=", 2)
				name := strings.TrimLeft(parts[0], "-")
				value := parts[1]
				if value == "true" || value == "false" {
					p.boolFlags[name] = value == "true"
				} else {
					p.flags[name] = value
				}
				i++
				continue
			}

			name := strings.TrimLeft(arg, "-")
			if i+1 < len(raw) && !strings.HasPrefix(raw[i+1], "-") {
				p.flags[name] = raw[i+1]
				i += 2
			} else {
				p.boolFlags[name] = true
				i++
			}
		} else {
			p.positional = append(p.positional, arg)
			i++
		}
	}
	return p
}

func (p *argParser) flag(name, fallback string) string {
	if v, ok := p.flags[name]; ok {
		return v
	}
	return fallback
}

func (p *argParser) boolFlag(name string) bool {
	return p.boolFlags[name]
}

func (p *argParser) intFlag(name string, fallback int) int {
	if v, ok := p.flags[name]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func (p *argParser) floatFlag(name string, fallback float64) float64 {
	if v, ok := p.flags[name]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
