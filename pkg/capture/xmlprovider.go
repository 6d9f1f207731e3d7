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
	"strings"

	"github.com/pkg/errors"

	"github.com/gatord/gatord/pkg/session"
)

// BasicXMLProvider serves the pre-capture document exchange from the CLI
// configuration. Full catalog generation belongs to the host-side tooling;
// the daemon answers with what it knows.
type BasicXMLProvider struct {
	Cfg *session.Config

	// SessionXML is the last document the host delivered.
	SessionXML []byte
}

type sessionXMLDoc struct {
	XMLName     xml.Name `xml:"session"`
	Duration    int      `xml:"duration,attr"`
	Buffer      string   `xml:"buffer_mode,attr"`
	SampleRate  string   `xml:"sample_rate,attr"`
	CallStack   string   `xml:"call_stack_unwinding,attr"`
	CapturePids string   `xml:"pids,attr"`
}

// RequestXML implements XMLProvider.
func (p *BasicXMLProvider) RequestXML(request string) ([]byte, error) {
	switch {
	case strings.Contains(request, "events"):
		return []byte(xml.Header + "<events/>\n"), nil
	case strings.Contains(request, "counters"), request == "":
		var sb strings.Builder
		sb.WriteString(xml.Header)
		sb.WriteString("<counters>\n")
		for _, spec := range p.Cfg.CounterSpecs {
			name, _, err := session.ParseCounterSpec(spec)
			if err != nil {
				continue
			}
			sb.WriteString("  <counter name=\"" + name + "\"/>\n")
		}
		sb.WriteString("</counters>\n")
		return []byte(sb.String()), nil
	case strings.Contains(request, "captured"):
		return []byte(xml.Header + "<captured/>\n"), nil
	}
	return nil, errors.Errorf("unknown document request %q", request)
}

// DeliverXML implements XMLProvider: the session document adjusts the
// capture before it starts.
func (p *BasicXMLProvider) DeliverXML(doc []byte) error {
	p.SessionXML = append([]byte(nil), doc...)

	var parsed sessionXMLDoc
	if err := xml.Unmarshal(doc, &parsed); err != nil {
		// Only the session document is understood; other deliveries are
		// stored for the capture directory.
		return nil
	}
	if parsed.Duration > 0 {
		p.Cfg.DurationSec = parsed.Duration
	}
	if parsed.Buffer == "streaming" {
		p.Cfg.OneShot = false
	} else if strings.HasPrefix(parsed.Buffer, "small") || strings.HasPrefix(parsed.Buffer, "normal") ||
		strings.HasPrefix(parsed.Buffer, "large") {
		p.Cfg.OneShot = true
	}
	if parsed.SampleRate != "" {
		if rate, err := session.ParseSampleRate(parsed.SampleRate); err == nil {
			p.Cfg.SampleRate = rate
		}
	}
	if parsed.CallStack == "yes" {
		p.Cfg.BacktraceDepth = session.BacktraceDepth
	} else if parsed.CallStack == "no" {
		p.Cfg.BacktraceDepth = 0
	}
	return nil
}

// CurrentConfigXML implements XMLProvider.
func (p *BasicXMLProvider) CurrentConfigXML() ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(xml.Header)
	sb.WriteString("<current_config system_wide=\"")
	sb.WriteString(yesNo(p.Cfg.SystemWide))
	sb.WriteString("\" sample_rate=\"")
	sb.WriteString(rateName(p.Cfg.SampleRate))
	sb.WriteString("\"/>\n")
	return []byte(sb.String()), nil
}
