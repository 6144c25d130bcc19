package core

// Question is a single entry of a query's question section.
type Question struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Class string `json:"class"`
}

// Request is a decoded DNS query as seen by the script runtime.
type Request struct {
	ID               uint16     `json:"id"`
	Opcode           string     `json:"opcode"`
	RecursionDesired bool       `json:"recursionDesired"`
	Queries          []Question `json:"queries"`
	RemoteAddr       string     `json:"remoteAddr"`
	Transport        string     `json:"transport"`
}

// Record is one resource record produced by a script. Data holds the RDATA
// in zone-file presentation format ("1.2.3.4", "10 mail.example.test.").
type Record struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Class string `json:"class,omitempty"`
	TTL   uint32 `json:"ttl"`
	Data  string `json:"data"`
}

// Response is the answer a script produced for a Request.
type Response struct {
	Rcode         string   `json:"rcode"`
	Authoritative bool     `json:"authoritative"`
	Truncated     bool     `json:"truncated"`
	Answers       []Record `json:"answers"`
	Authorities   []Record `json:"authorities"`
	Additionals   []Record `json:"additionals"`
}
