// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package logger

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

func TestAPI(t *testing.T) {
	l := newLogger(io.Discard)
	l.SetFlags(0)
	l.SetPrefix("testing")

	debug := 0
	l.AddHandler(LevelDebug, checkFunc(t, LevelDebug, &debug))
	info := 0
	l.AddHandler(LevelInfo, checkFunc(t, LevelInfo, &info))
	warn := 0
	l.AddHandler(LevelWarn, checkFunc(t, LevelWarn, &warn))

	l.Debugf("test %d", 0)
	l.Debugln("test", 0)
	l.Infof("test %d", 1)
	l.Infoln("test", 1)
	l.Warnf("test %d", 2)
	l.Warnln("test", 2)

	// The debug handler sees every message, the warning handler only warnings.
	if debug != 6 {
		t.Errorf("Debug handler called %d != 6 times", debug)
	}
	if info != 4 {
		t.Errorf("Info handler called %d != 4 times", info)
	}
	if warn != 2 {
		t.Errorf("Warn handler called %d != 2 times", warn)
	}
}

func checkFunc(t *testing.T, minLevel LogLevel, counter *int) func(LogLevel, string) {
	return func(l LogLevel, msg string) {
		*counter++
		if l < minLevel {
			t.Errorf("Incorrect message level %d < %d", l, minLevel)
		}
		if !strings.HasPrefix(msg, "test ") {
			t.Errorf("Unexpected message %q", msg)
		}
	}
}

func TestFacilityDebugging(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf)
	l.SetFlags(0)

	f0 := l.NewFacility("f0", "foo#0")
	f1 := l.NewFacility("f1", "foo#1")

	l.SetDebug("f0", true)
	l.SetDebug("f1", false)

	f0.Debugln("Debug line from f0")
	f1.Debugln("Debug line from f1")

	out := buf.String()
	if !strings.Contains(out, "Debug line from f0") {
		t.Error("Missing debug line for enabled facility")
	}
	if strings.Contains(out, "Debug line from f1") {
		t.Error("Unexpected debug line for disabled facility")
	}

	if facs := l.Facilities(); facs["f1"] != "foo#1" {
		t.Errorf("Unexpected facilities %v", facs)
	}
}

func TestTracedFacilities(t *testing.T) {
	t.Setenv(TraceEnv, "upnp, nat")
	l := newLogger(io.Discard)

	l.NewFacility("nat", "")
	l.NewFacility("pmp", "")

	if !l.ShouldDebug("nat") {
		t.Error("nat should be traced")
	}
	if l.ShouldDebug("pmp") {
		t.Error("pmp should not be traced")
	}
}

func TestRecorder(t *testing.T) {
	l := newLogger(io.Discard)
	l.SetFlags(0)

	r := NewRecorder(l, LevelInfo, 5)

	t0 := time.Now()
	for i := 0; i < 3; i++ {
		l.Infof("hah %d", i)
	}
	l.Debugln("not recorded")

	lines := r.Since(t0)
	if len(lines) != 3 {
		t.Fatalf("Incorrect length %d != 3", len(lines))
	}
	for i := 0; i < 3; i++ {
		if lines[i].Message != fmt.Sprintf("hah %d", i) {
			t.Error("Incorrect line", lines[i].Message)
		}
	}

	for i := 3; i < 10; i++ {
		l.Warnf("hah %d", i)
	}
	lines = r.Since(t0)
	if len(lines) != 5 {
		t.Fatalf("Incorrect length %d != 5", len(lines))
	}
	if lines[0].Message != "hah 5" || lines[4].Message != "hah 9" {
		t.Error("Incorrect window", lines[0].Message, lines[4].Message)
	}

	r.Clear()
	if lines := r.Since(t0); len(lines) != 0 {
		t.Error("Expected empty recorder after Clear")
	}
}

func TestControlStripper(t *testing.T) {
	var buf bytes.Buffer
	w := controlStripper{&buf}
	if _, err := w.Write([]byte("a\x1bb\nc\td")); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "a b\nc d" {
		t.Errorf("Unexpected %q", got)
	}
}
