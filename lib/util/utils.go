// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package util

import (
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

type defaultParser interface {
	ParseDefault(string) error
}

// SetDefaults sets default values on a struct, based on the default annotation.
func SetDefaults(data interface{}) {
	s := reflect.ValueOf(data).Elem()
	t := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		tag := t.Field(i).Tag

		v := tag.Get("default")
		if len(v) == 0 {
			if f.CanSet() && f.Kind() == reflect.Struct && f.CanAddr() {
				if addr := f.Addr(); addr.CanInterface() {
					SetDefaults(addr.Interface())
				}
			}
			continue
		}

		if f.CanAddr() && f.Addr().CanInterface() {
			if parser, ok := f.Addr().Interface().(defaultParser); ok {
				if err := parser.ParseDefault(v); err != nil {
					panic(err)
				}
				continue
			}
		}

		switch f.Interface().(type) {
		case string:
			f.SetString(v)

		case int, int32, int64:
			i, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				panic(err)
			}
			f.SetInt(i)

		case float64, float32:
			i, err := strconv.ParseFloat(v, 64)
			if err != nil {
				panic(err)
			}
			f.SetFloat(i)

		case bool:
			f.SetBool(v == "true")

		case []string:
			// Any default we set here would be appended to by the XML
			// decoder, so string slices are filled after decoding.

		default:
			panic(f.Type())
		}
	}
}

// UniqueTrimmedStrings returns a list of the unique strings in the input,
// with surrounding whitespace removed and empty strings dropped. The order
// of first appearance is kept.
func UniqueTrimmedStrings(ss []string) []string {
	var res []string
	for _, s := range ss {
		s = strings.TrimSpace(s)
		if s == "" || slices.Contains(res, s) {
			continue
		}
		res = append(res, s)
	}
	return res
}

func NiceDurationString(d time.Duration) string {
	switch {
	case d > 24*time.Hour:
		d = d.Round(time.Hour)
	case d > time.Hour:
		d = d.Round(time.Minute)
	case d > time.Minute:
		d = d.Round(time.Second)
	case d > time.Second:
		d = d.Round(time.Millisecond)
	case d > time.Millisecond:
		d = d.Round(time.Microsecond)
	}
	return d.String()
}
