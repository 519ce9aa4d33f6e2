// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements reading of the port mapper configuration file.
package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/syncthing/portmap/lib/util"
)

const CurrentVersion = 1

var errUnknownFormat = errors.New("unknown configuration file format")

type Configuration struct {
	Version int      `xml:"version,attr" json:"version"`
	Options Options  `xml:"options" json:"options"`
	XMLName xml.Name `xml:"configuration" json:"-"`
}

// New returns a configuration with every option at its default value.
func New() Configuration {
	var cfg Configuration
	cfg.Version = CurrentVersion
	util.SetDefaults(&cfg.Options)
	cfg.prepare()
	return cfg
}

// Load reads the configuration file at path. Files ending in .yaml or .yml
// are read as YAML, everything else as XML.
func Load(path string) (Configuration, error) {
	fd, err := os.Open(path)
	if err != nil {
		return Configuration{}, err
	}
	defer fd.Close()

	var cfg Configuration
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = ReadYAML(fd)
	case ".xml", "":
		cfg, err = ReadXML(fd)
	default:
		return Configuration{}, fmt.Errorf("%s: %w", path, errUnknownFormat)
	}
	if err != nil {
		return Configuration{}, fmt.Errorf("%s: %w", path, err)
	}
	l.Debugf("Loaded configuration from %s: %+v", path, cfg.Options)
	return cfg, nil
}

func ReadXML(r io.Reader) (Configuration, error) {
	var cfg Configuration

	util.SetDefaults(&cfg.Options)

	if err := xml.NewDecoder(r).Decode(&cfg); err != nil {
		return Configuration{}, err
	}

	cfg.prepare()
	return cfg, nil
}

func ReadYAML(r io.Reader) (Configuration, error) {
	var cfg Configuration

	util.SetDefaults(&cfg.Options)

	bs, err := io.ReadAll(r)
	if err != nil {
		return Configuration{}, err
	}
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return Configuration{}, err
	}

	cfg.prepare()
	return cfg, nil
}

// WriteXML writes the configuration in the XML format accepted by ReadXML.
func (cfg Configuration) WriteXML(w io.Writer) error {
	e := xml.NewEncoder(w)
	e.Indent("", "    ")
	if err := e.Encode(cfg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n"))
	return err
}

func (cfg *Configuration) prepare() {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	cfg.Options.prepare()
}
