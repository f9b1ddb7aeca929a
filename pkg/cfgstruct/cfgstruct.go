// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

// Package cfgstruct registers pflag flags for configuration structs.
//
// Field names are hyphenated and joined with dots for nesting, so the
// field SliceRateLimit.MaxRequests becomes the flag
// "slice-rate-limit.max-requests". Anonymous embedded structs contribute
// no prefix. Defaults and usage text come from the `default` and `help`
// struct tags; fields tagged `internal:"true"` get no flag at all.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/pflag"
)

// Bind registers flags on flags for every taggable field of config, which
// must be a pointer to a struct. It panics on malformed configs because
// those are programmer errors, not runtime conditions.
func Bind(flags *pflag.FlagSet, config interface{}) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr || ptr.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %T, expected a pointer to a struct", config))
	}
	bindStruct(flags, "", ptr.Elem())
}

func bindStruct(flags *pflag.FlagSet, prefix string, val reflect.Value) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}
		if field.Tag.Get("internal") == "true" {
			continue
		}

		fieldVal := val.Field(i)
		name := hyphenate(field.Name)

		if fieldVal.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			childPrefix := prefix
			if !field.Anonymous {
				childPrefix = prefix + name + "."
			}
			bindStruct(flags, childPrefix, fieldVal)
			continue
		}

		flagName := prefix + name
		help := field.Tag.Get("help")
		def := field.Tag.Get("default")

		switch value := fieldVal.Addr().Interface().(type) {
		case *string:
			flags.StringVar(value, flagName, def, help)
		case *bool:
			flags.BoolVar(value, flagName, parseBool(flagName, def), help)
		case *int:
			flags.IntVar(value, flagName, int(parseInt(flagName, def)), help)
		case *int64:
			flags.Int64Var(value, flagName, parseInt(flagName, def), help)
		case *float64:
			flags.Float64Var(value, flagName, parseFloat(flagName, def), help)
		case *time.Duration:
			flags.DurationVar(value, flagName, parseDuration(flagName, def), help)
		default:
			panic(fmt.Sprintf("invalid field type %v for flag %q", field.Type, flagName))
		}

		if field.Tag.Get("hidden") == "true" {
			_ = flags.MarkHidden(flagName)
		}
	}
}

func parseBool(name, def string) bool {
	if def == "" {
		return false
	}
	v, err := strconv.ParseBool(def)
	if err != nil {
		panic(fmt.Sprintf("invalid bool default for %q: %q", name, def))
	}
	return v
}

func parseInt(name, def string) int64 {
	if def == "" {
		return 0
	}
	v, err := strconv.ParseInt(def, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid integer default for %q: %q", name, def))
	}
	return v
}

func parseFloat(name, def string) float64 {
	if def == "" {
		return 0
	}
	v, err := strconv.ParseFloat(def, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid float default for %q: %q", name, def))
	}
	return v
}

func parseDuration(name, def string) time.Duration {
	if def == "" {
		return 0
	}
	v, err := time.ParseDuration(def)
	if err != nil {
		panic(fmt.Sprintf("invalid duration default for %q: %q", name, def))
	}
	return v
}

// hyphenate converts CamelCase field names to kebab-case flag segments,
// keeping acronym runs together: "JSONBodyLimit" becomes "json-body-limit".
func hyphenate(name string) string {
	var out strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || nextLower {
				out.WriteRune('-')
			}
		}
		out.WriteRune(unicode.ToLower(r))
	}
	return out.String()
}
