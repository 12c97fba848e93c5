// Package payload implements the on-the-wire carrier of a token: an XML
// document with the four top-level sections header, service, joinAttribute,
// and monitorData. Every field is string-typed on the wire; this package owns
// the parsing into runtime types and the validation of required fields.
package payload

import (
	"encoding/xml"
	"sort"
	"strconv"
	"time"

	"github.com/praxisworks/meshflow/common/fault"
	"github.com/praxisworks/meshflow/common/token"
)

// Document is the wire form of one token payload.
type Document struct {
	XMLName xml.Name    `xml:"payload"`
	Header  Header      `xml:"header"`
	Service Service     `xml:"service"`
	Join    JoinSection `xml:"joinAttribute"`
	Monitor Monitor     `xml:"monitorData"`
}

// Header identifies the token and the rule base that must route it.
type Header struct {
	SequenceID      string `xml:"sequenceId"`
	RuleBaseVersion string `xml:"ruleBaseVersion"`
	CreatedAt       string `xml:"createdAt,omitempty"`
	SentAt          string `xml:"sentAt,omitempty"`
}

// Service names the target control node.
type Service struct {
	ServiceName string `xml:"serviceName"`
	Operation   string `xml:"operation"`
}

// JoinSection carries the named attributes a token transports.
type JoinSection struct {
	Attributes []Attribute `xml:"attribute"`
}

// Attribute is one name/value pair with an optional notAfter deadline in
// epoch milliseconds.
type Attribute struct {
	AttributeName  string `xml:"attributeName"`
	AttributeValue string `xml:"attributeValue"`
	NotAfter       string `xml:"notAfter,omitempty"`
}

// Monitor accumulates one instrumentation entry per control node visited.
type Monitor struct {
	Entries []MonitorEntry `xml:"entry"`
}

// MonitorEntry records one node's processing timings, epoch milliseconds.
type MonitorEntry struct {
	Node         string `xml:"node"`
	ReceivedAt   string `xml:"receivedAt,omitempty"`
	DispatchedAt string `xml:"dispatchedAt,omitempty"`
	CompletedAt  string `xml:"completedAt,omitempty"`
	SentAt       string `xml:"sentAt,omitempty"`
}

// Millis formats a timestamp as epoch milliseconds for the wire.
func Millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseMillis parses an epoch-milliseconds wire field.
func ParseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fault.Newf(fault.KindMalformedPayload, "timestamp %q is not epoch millis", s)
	}
	return time.UnixMilli(ms), nil
}

// Decode parses and validates a payload datagram. Any structural or
// required-field problem surfaces as a MalformedPayload fault.
func Decode(data []byte) (*Document, error) {
	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fault.Wrap(fault.KindMalformedPayload, err, "payload XML")
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Encode serializes the document for the wire.
func (d *Document) Encode() ([]byte, error) {
	return xml.Marshal(d)
}

func (d *Document) validate() error {
	if d.Header.SequenceID == "" {
		return fault.New(fault.KindMalformedPayload, "header missing sequenceId")
	}
	if _, err := strconv.ParseUint(d.Header.SequenceID, 10, 64); err != nil {
		return fault.Newf(fault.KindMalformedPayload, "sequenceId %q is not numeric", d.Header.SequenceID)
	}
	if d.Header.RuleBaseVersion == "" {
		return fault.New(fault.KindMalformedPayload, "header missing ruleBaseVersion")
	}
	if d.Service.ServiceName == "" {
		return fault.New(fault.KindMalformedPayload, "service missing serviceName")
	}
	if d.Service.Operation == "" {
		return fault.New(fault.KindMalformedPayload, "service missing operation")
	}
	for _, a := range d.Join.Attributes {
		if a.AttributeName == "" {
			return fault.New(fault.KindMalformedPayload, "attribute missing attributeName")
		}
		if a.NotAfter != "" {
			if _, err := ParseMillis(a.NotAfter); err != nil {
				return fault.Newf(fault.KindMalformedPayload, "attribute %q notAfter %q is not epoch millis", a.AttributeName, a.NotAfter)
			}
		}
	}
	return nil
}

// Token converts the wire document into its runtime form.
func (d *Document) Token() (*token.Token, error) {
	id, err := strconv.ParseUint(d.Header.SequenceID, 10, 64)
	if err != nil {
		return nil, fault.Newf(fault.KindMalformedPayload, "sequenceId %q is not numeric", d.Header.SequenceID)
	}
	version := token.Version(d.Header.RuleBaseVersion)
	base, err := version.Base()
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedPayload, err, "ruleBaseVersion")
	}

	t := &token.Token{
		ID:        id,
		Version:   version,
		Base:      base,
		Service:   d.Service.ServiceName,
		Operation: d.Service.Operation,
		Attrs:     make(map[string]string, len(d.Join.Attributes)),
		NotAfter:  make(map[string]time.Time),
	}
	for _, a := range d.Join.Attributes {
		t.Attrs[a.AttributeName] = a.AttributeValue
		if a.NotAfter != "" {
			deadline, err := ParseMillis(a.NotAfter)
			if err != nil {
				return nil, err
			}
			t.NotAfter[a.AttributeName] = deadline
		}
	}
	return t, nil
}

// New builds a fresh payload document for a token, ordering attributes by
// name so encoded bytes are deterministic.
func New(t *token.Token, now time.Time) *Document {
	doc := &Document{
		Header: Header{
			SequenceID:      strconv.FormatUint(t.ID, 10),
			RuleBaseVersion: string(t.Version),
			CreatedAt:       Millis(now),
		},
		Service: Service{
			ServiceName: t.Service,
			Operation:   t.Operation,
		},
	}
	doc.SetAttributes(t.Attrs, t.NotAfter)
	return doc
}

// SetAttributes replaces the joinAttribute section, ordered by name.
func (d *Document) SetAttributes(attrs map[string]string, notAfter map[string]time.Time) {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	d.Join.Attributes = d.Join.Attributes[:0]
	for _, name := range names {
		a := Attribute{AttributeName: name, AttributeValue: attrs[name]}
		if deadline, ok := notAfter[name]; ok && !deadline.IsZero() {
			a.NotAfter = Millis(deadline)
		}
		d.Join.Attributes = append(d.Join.Attributes, a)
	}
}

// SetTarget rewrites the service section for the next hop.
func (d *Document) SetTarget(service, operation string) {
	d.Service.ServiceName = service
	d.Service.Operation = operation
}

// SetSequence rewrites the token identity, used when forking children.
func (d *Document) SetSequence(id uint64) {
	d.Header.SequenceID = strconv.FormatUint(id, 10)
}

// AppendMonitor adds this node's instrumentation entry.
func (d *Document) AppendMonitor(e MonitorEntry) {
	d.Monitor.Entries = append(d.Monitor.Entries, e)
}

// Stamp updates node's most recent monitor entry in place, appending one on
// first use. Searching backwards keeps cyclic routes correct: each visit
// appends its own entry and later stamps land on the newest.
func (d *Document) Stamp(node string, set func(*MonitorEntry)) {
	for i := len(d.Monitor.Entries) - 1; i >= 0; i-- {
		if d.Monitor.Entries[i].Node == node {
			set(&d.Monitor.Entries[i])
			return
		}
	}
	d.Monitor.Entries = append(d.Monitor.Entries, MonitorEntry{Node: node})
	set(&d.Monitor.Entries[len(d.Monitor.Entries)-1])
}

// Clone deep-copies the document so egress rewriting cannot alias the
// ingress payload.
func (d *Document) Clone() *Document {
	out := *d
	out.Join.Attributes = append([]Attribute(nil), d.Join.Attributes...)
	out.Monitor.Entries = append([]MonitorEntry(nil), d.Monitor.Entries...)
	return &out
}
