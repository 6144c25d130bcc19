package webapi

import (
	"fmt"

	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/eventloop"
)

// dnsJS defines the DNS message classes, the enums, the resolv event
// listener registry and the dispatch hooks the Go side drives.
//
// Dispatch protocol: __dispatch(json) fans a request out to the listeners
// and records whether any called respondWith. __poll() then reports ""
// while the response promise is pending, or a JSON status once it is known.
const dnsJS = `
(function() {
var DNSClass = Object.freeze({ IN: 'IN', CS: 'CS', CH: 'CH', HS: 'HS', NONE: 'NONE', ANY: 'ANY' });
var DNSRecordType = Object.freeze({
	A: 'A', NS: 'NS', CNAME: 'CNAME', SOA: 'SOA', PTR: 'PTR', MX: 'MX', TXT: 'TXT',
	AAAA: 'AAAA', SRV: 'SRV', NAPTR: 'NAPTR', DS: 'DS', CAA: 'CAA', ANY: 'ANY',
});
var DNSMessageType = Object.freeze({ Query: 'query', Response: 'response' });
var DNSOpCode = Object.freeze({ Query: 'QUERY', IQuery: 'IQUERY', Status: 'STATUS', Notify: 'NOTIFY', Update: 'UPDATE' });
var DNSResponseCode = Object.freeze({
	NoError: 'NOERROR', FormErr: 'FORMERR', ServFail: 'SERVFAIL',
	NXDomain: 'NXDOMAIN', NotImp: 'NOTIMP', Refused: 'REFUSED',
});

var DEFAULT_TTL = 300;

function formatData(type, data) {
	if (typeof data === 'string') return data;
	if (data === null || data === undefined) throw new TypeError(type + ' record requires data');
	switch (type) {
	case 'A':
	case 'AAAA':
		return String(data.ip);
	case 'CNAME':
	case 'NS':
	case 'PTR':
		return String(data.name || data.target);
	case 'MX':
		return data.preference + ' ' + data.exchange;
	case 'SRV':
		return [data.priority, data.weight, data.port, data.target].join(' ');
	case 'SOA':
		return [data.mname, data.rname, data.serial, data.refresh, data.retry, data.expire, data.minimum].join(' ');
	case 'TXT':
		var parts = Array.isArray(data) ? data : (Array.isArray(data.data) ? data.data : [data.data]);
		return parts.map(function(s) { return JSON.stringify(String(s)); }).join(' ');
	}
	throw new TypeError(type + ' record data must be a string');
}

function encodeRecord(rec) {
	if (!rec || typeof rec !== 'object') throw new TypeError('record must be an object');
	var type = String(rec.rrType || rec.type || DNSRecordType.A).toUpperCase();
	var ttl = rec.ttl === undefined ? DEFAULT_TTL : Number(rec.ttl);
	if (!isFinite(ttl) || ttl < 0) throw new TypeError('invalid ttl ' + rec.ttl);
	return {
		name: String(rec.name),
		type: type,
		class: String(rec.dnsClass || rec.class || DNSClass.IN),
		ttl: ttl >>> 0,
		data: formatData(type, rec.data),
	};
}

function decodeRecord(rec) {
	return { name: rec.name, rrType: rec.type, dnsClass: rec.class, ttl: rec.ttl, data: rec.data };
}

class DNSRequest {
	constructor(init) {
		init = init || {};
		this.id = init.id || 0;
		this.type = DNSMessageType.Query;
		this.opCode = init.opcode || DNSOpCode.Query;
		this.recursionDesired = !!init.recursionDesired;
		this.queries = (init.queries || []).map(function(q) {
			return { name: q.name, rrType: q.type, dnsClass: q.class };
		});
		this.remoteAddr = init.remoteAddr || '';
		this.transport = init.transport || '';
	}
}

class DNSResponse {
	constructor(init) {
		init = init || {};
		this.type = DNSMessageType.Response;
		this.responseCode = init.responseCode || DNSResponseCode.NoError;
		this.authoritative = init.authoritative === undefined ? true : !!init.authoritative;
		this.truncated = !!init.truncated;
		this.answers = init.answers || [];
		this.authorities = init.authorities || [];
		this.additionals = init.additionals || [];
	}
	toJSON() {
		return {
			rcode: String(this.responseCode).toUpperCase(),
			authoritative: this.authoritative,
			truncated: this.truncated,
			answers: this.answers.map(encodeRecord),
			authorities: this.authorities.map(encodeRecord),
			additionals: this.additionals.map(encodeRecord),
		};
	}
}

// Builds a DNSResponse from the Go-side wire form (used by resolv).
DNSResponse.__fromWire = function(obj) {
	return new DNSResponse({
		responseCode: obj.rcode,
		authoritative: obj.authoritative,
		truncated: obj.truncated,
		answers: (obj.answers || []).map(decodeRecord),
		authorities: (obj.authorities || []).map(decodeRecord),
		additionals: (obj.additionals || []).map(decodeRecord),
	});
};

var listeners = {};

globalThis.addEventListener = function(type, fn) {
	if (typeof fn !== 'function') throw new TypeError('listener must be a function');
	(listeners[type] = listeners[type] || []).push(fn);
};

globalThis.removeEventListener = function(type, fn) {
	var list = listeners[type];
	if (!list) return;
	var i = list.indexOf(fn);
	if (i >= 0) list.splice(i, 1);
};

globalThis.respond = function(type, data, ttl) {
	var rrType = String(type).toUpperCase();
	globalThis.addEventListener('resolv', function(event) {
		var answers = [];
		event.request.queries.forEach(function(q) {
			if (q.rrType === rrType) {
				answers.push({ name: q.name, rrType: rrType, dnsClass: q.dnsClass, ttl: ttl, data: data });
			}
		});
		if (answers.length > 0) event.respondWith(new DNSResponse({ answers: answers }));
	});
};

var current = null;

function errorString(e) {
	if (e instanceof Error) return String(e);
	try { return typeof e === 'string' ? e : JSON.stringify(e); } catch (_) { return String(e); }
}

globalThis.__dispatch = function(json) {
	var state = { responded: false, settled: false, value: undefined, error: undefined, failed: false };
	current = state;
	var event = {
		type: 'resolv',
		request: new DNSRequest(JSON.parse(json)),
		respondWith: function(r) {
			if (state.responded) throw new Error('respondWith was already called');
			state.responded = true;
			Promise.resolve(r).then(
				function(v) { state.value = v; state.settled = true; },
				function(e) { state.error = e; state.failed = true; state.settled = true; }
			);
		},
	};
	var list = (listeners['resolv'] || []).slice();
	for (var i = 0; i < list.length && !state.responded; i++) {
		try {
			list[i].call(globalThis, event);
		} catch (e) {
			if (!state.responded) {
				state.responded = true;
				state.error = e;
				state.failed = true;
				state.settled = true;
			}
		}
	}
};

globalThis.__poll = function() {
	var s = current;
	if (!s) return JSON.stringify({ state: 'rejected', error: 'no request in flight' });
	if (!s.responded) {
		current = null;
		return JSON.stringify({ state: 'unanswered' });
	}
	if (!s.settled) return '';
	current = null;
	if (s.failed) return JSON.stringify({ state: 'rejected', error: errorString(s.error) });
	var v = s.value;
	if (!(v instanceof DNSResponse)) {
		if (!v || typeof v !== 'object') {
			return JSON.stringify({ state: 'rejected', error: 'respondWith expects a DNSResponse' });
		}
		v = new DNSResponse(v);
	}
	try {
		return JSON.stringify({ state: 'fulfilled', response: v.toJSON() });
	} catch (e) {
		return JSON.stringify({ state: 'rejected', error: errorString(e) });
	}
};

globalThis.__abandon = function() { current = null; };

globalThis.DNSRequest = DNSRequest;
globalThis.DNSResponse = DNSResponse;
globalThis.DNSClass = DNSClass;
globalThis.DNSRecordType = DNSRecordType;
globalThis.DNSMessageType = DNSMessageType;
globalThis.DNSOpCode = DNSOpCode;
globalThis.DNSResponseCode = DNSResponseCode;
})();
`

// SetupDNS installs the DNS classes, enums, addEventListener('resolv')
// and respond().
func SetupDNS(rt core.ScriptHost, _ *eventloop.EventLoop) error {
	if err := rt.Eval(dnsJS); err != nil {
		return fmt.Errorf("evaluating dns.js: %w", err)
	}
	return nil
}
