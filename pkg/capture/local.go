/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package capture

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/gatord/gatord/pkg/session"
	"github.com/gatord/gatord/pkg/wire"
)

// PrepareAPCDir removes any previous capture at dir and recreates it, so a
// re-used path holds exactly the new capture's contents.
func PrepareAPCDir(dir string) error {
	if dir == "" {
		return errors.New("capture: empty apc directory")
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "remove previous capture %q", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create capture directory %q", dir)
	}
	return nil
}

// RemoveAPCDir deletes an incomplete capture directory after a failure.
func RemoveAPCDir(dir string) error {
	return os.RemoveAll(dir)
}

type capturedXML struct {
	XMLName  xml.Name           `xml:"captured"`
	Version  int                `xml:"version,attr"`
	Protocol int                `xml:"protocol,attr"`
	Created  int64              `xml:"created,attr"`
	Target   capturedTargetXML  `xml:"target"`
	Counters []capturedCounterX `xml:"counters>counter"`
}

type capturedTargetXML struct {
	Name       string `xml:"name,attr"`
	SampleRate int    `xml:"sample_rate,attr"`
	Cores      int    `xml:"cores,attr"`
}

type capturedCounterX struct {
	Key   int32  `xml:"key,attr"`
	Type  string `xml:"type,attr"`
	Event int64  `xml:"event,attr"`
}

// WriteCapturedXML records the capture metadata next to the data stream.
func WriteCapturedXML(dir string, cfg *session.Config, counters []session.Counter, cores int) error {
	doc := capturedXML{
		Version:  1,
		Protocol: wire.ProtocolVersion,
		Created:  time.Now().Unix(),
		Target: capturedTargetXML{
			Name:       hostnameOr("unknown"),
			SampleRate: int(cfg.SampleRate),
			Cores:      cores,
		},
	}
	for _, c := range counters {
		doc.Counters = append(doc.Counters, capturedCounterX{Key: c.Key, Type: c.Name, Event: c.EventCode})
	}
	return writeXMLFile(filepath.Join(dir, "captured.xml"), doc)
}

type eventsXML struct {
	XMLName xml.Name    `xml:"events"`
	Events  []eventXML  `xml:"event"`
}

type eventXML struct {
	Counter string `xml:"counter,attr"`
	Title   string `xml:"title,attr"`
	Name    string `xml:"name,attr"`
}

// WriteEventsXML writes the event catalog subset the capture used.
func WriteEventsXML(dir string, counters []session.Counter) error {
	var doc eventsXML
	for _, c := range counters {
		doc.Events = append(doc.Events, eventXML{Counter: c.Name, Title: c.Driver, Name: c.Name})
	}
	return writeXMLFile(filepath.Join(dir, "events.xml"), doc)
}

type countersXML struct {
	XMLName  xml.Name          `xml:"counters"`
	Counters []counterEntryXML `xml:"counter"`
}

type counterEntryXML struct {
	Name string `xml:"counter,attr"`
	Key  int32  `xml:"key,attr"`
}

// WriteCountersXML writes the counter selection.
func WriteCountersXML(dir string, counters []session.Counter) error {
	var doc countersXML
	for _, c := range counters {
		doc.Counters = append(doc.Counters, counterEntryXML{Name: c.Name, Key: c.Key})
	}
	return writeXMLFile(filepath.Join(dir, "counters.xml"), doc)
}

func writeXMLFile(path string, doc interface{}) error {
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal %q", path)
	}
	data := append([]byte(xml.Header), out...)
	data = append(data, '\n')
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %q", path)
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return fallback
}
