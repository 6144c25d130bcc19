// Package dnscodec converts between DNS wire messages and the runtime's
// core.Request / core.Response values.
package dnscodec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/cryguy/flydns/internal/core"
)

// Transport names carried on core.Request.
const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
)

const minUDPSize = dns.MinMsgSize

// RequestMeta describes where a query came from.
type RequestMeta struct {
	RemoteAddr string
	Transport  string
}

// Decode parses a query. Anything that is not a well-formed query with at
// least one question fails with *core.ProtocolError.
func Decode(raw []byte, meta RequestMeta) (*core.Request, *dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, nil, &core.ProtocolError{Err: err}
	}
	req, err := FromMsg(msg, meta)
	if err != nil {
		return nil, nil, err
	}
	return req, msg, nil
}

// FromMsg converts an unpacked query. It rejects responses and messages
// without a question with *core.ProtocolError.
func FromMsg(msg *dns.Msg, meta RequestMeta) (*core.Request, error) {
	if msg.Response {
		return nil, &core.ProtocolError{Err: errors.New("message is a response")}
	}
	if len(msg.Question) == 0 {
		return nil, &core.ProtocolError{Err: errors.New("empty question section")}
	}

	req := &core.Request{
		ID:               msg.Id,
		Opcode:           opcodeString(msg.Opcode),
		RecursionDesired: msg.RecursionDesired,
		Queries:          make([]core.Question, 0, len(msg.Question)),
		RemoteAddr:       meta.RemoteAddr,
		Transport:        meta.Transport,
	}
	for _, q := range msg.Question {
		req.Queries = append(req.Queries, core.Question{
			Name:  q.Name,
			Type:  dns.Type(q.Qtype).String(),
			Class: dns.Class(q.Qclass).String(),
		})
	}
	return req, nil
}

// MaxSize returns the largest reply the client accepts over transport.
func MaxSize(query *dns.Msg, transport string) int {
	if transport == TransportTCP {
		return dns.MaxMsgSize
	}
	if opt := query.IsEdns0(); opt != nil && int(opt.UDPSize()) > minUDPSize {
		return int(opt.UDPSize())
	}
	return minUDPSize
}

// Encode builds the wire reply to query from resp, truncating (and setting
// TC) when it exceeds maxSize.
func Encode(query *dns.Msg, resp *core.Response, maxSize int) ([]byte, error) {
	m := new(dns.Msg)
	m.SetReply(query)

	rcode, err := parseRcode(resp.Rcode)
	if err != nil {
		return nil, err
	}
	m.Rcode = rcode
	m.Authoritative = resp.Authoritative

	if m.Answer, err = buildRecords(resp.Answers); err != nil {
		return nil, fmt.Errorf("answer section: %w", err)
	}
	if m.Ns, err = buildRecords(resp.Authorities); err != nil {
		return nil, fmt.Errorf("authority section: %w", err)
	}
	if m.Extra, err = buildRecords(resp.Additionals); err != nil {
		return nil, fmt.Errorf("additional section: %w", err)
	}

	if opt := query.IsEdns0(); opt != nil {
		m.SetEdns0(opt.UDPSize(), opt.Do())
	}
	m.Truncate(maxSize)
	if resp.Truncated {
		m.Truncated = true
	}
	return m.Pack()
}

// ErrorReply answers query with an empty message carrying rcode.
func ErrorReply(query *dns.Msg, rcode int) ([]byte, error) {
	m := new(dns.Msg)
	m.SetRcode(query, rcode)
	if opt := query.IsEdns0(); opt != nil {
		m.SetEdns0(opt.UDPSize(), opt.Do())
	}
	return m.Pack()
}

// ResponseFromMsg converts an upstream reply into a core.Response. The OPT
// pseudo-record is dropped.
func ResponseFromMsg(msg *dns.Msg) *core.Response {
	resp := &core.Response{
		Rcode:         rcodeString(msg.Rcode),
		Authoritative: msg.Authoritative,
		Truncated:     msg.Truncated,
		Answers:       recordsFromRRs(msg.Answer),
		Authorities:   recordsFromRRs(msg.Ns),
		Additionals:   recordsFromRRs(msg.Extra),
	}
	return resp
}

func recordsFromRRs(rrs []dns.RR) []core.Record {
	out := make([]core.Record, 0, len(rrs))
	for _, rr := range rrs {
		if _, ok := rr.(*dns.OPT); ok {
			continue
		}
		out = append(out, recordFromRR(rr))
	}
	return out
}

func recordFromRR(rr dns.RR) core.Record {
	h := rr.Header()
	return core.Record{
		Name:  h.Name,
		Type:  dns.Type(h.Rrtype).String(),
		Class: dns.Class(h.Class).String(),
		TTL:   h.Ttl,
		Data:  strings.TrimSpace(strings.TrimPrefix(rr.String(), h.String())),
	}
}

func buildRecords(records []core.Record) ([]dns.RR, error) {
	if len(records) == 0 {
		return nil, nil
	}
	out := make([]dns.RR, 0, len(records))
	for _, r := range records {
		rr, err := buildRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, nil
}

func buildRecord(r core.Record) (dns.RR, error) {
	typ := strings.ToUpper(r.Type)
	if _, ok := dns.StringToType[typ]; !ok {
		return nil, fmt.Errorf("unknown record type %q", r.Type)
	}
	class := strings.ToUpper(r.Class)
	if class == "" {
		class = "IN"
	}
	if _, ok := dns.StringToClass[class]; !ok {
		return nil, fmt.Errorf("unknown record class %q", r.Class)
	}
	name := dns.Fqdn(r.Name)
	if _, ok := dns.IsDomainName(name); !ok {
		return nil, fmt.Errorf("invalid record name %q", r.Name)
	}
	if strings.TrimSpace(r.Data) == "" {
		return nil, fmt.Errorf("record %s %s: empty data", name, typ)
	}

	rr, err := dns.NewRR(fmt.Sprintf("%s %d %s %s %s", name, r.TTL, class, typ, r.Data))
	if err != nil {
		return nil, fmt.Errorf("record %s %s: %w", name, typ, err)
	}
	if rr == nil {
		return nil, fmt.Errorf("record %s %s: empty record", name, typ)
	}
	return rr, nil
}

func parseRcode(s string) (int, error) {
	if s == "" {
		return dns.RcodeSuccess, nil
	}
	rcode, ok := dns.StringToRcode[strings.ToUpper(s)]
	if !ok {
		return 0, fmt.Errorf("unknown response code %q", s)
	}
	return rcode, nil
}

func rcodeString(rcode int) string {
	if s, ok := dns.RcodeToString[rcode]; ok {
		return s
	}
	return strconv.Itoa(rcode)
}

func opcodeString(opcode int) string {
	if s, ok := dns.OpcodeToString[opcode]; ok {
		return s
	}
	return strconv.Itoa(opcode)
}
