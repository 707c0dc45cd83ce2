package wire

import (
	"github.com/tinylib/msgp/msgp"
)

// The MessagePack encoding mirrors the JSON shape: maps keyed by the JSON
// field names, so clients can switch formats without remapping.

var (
	_ msgp.Marshaler   = (*Response)(nil)
	_ msgp.Unmarshaler = (*Response)(nil)
)

// MarshalMsg appends the MessagePack encoding of r to b.
func (r *Response) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 3)
	b = msgp.AppendString(b, "spf")
	b = r.SPF.appendMsg(b)
	b = msgp.AppendString(b, "dkim")
	b = r.DKIM.appendMsg(b)
	b = msgp.AppendString(b, "dmarc")
	b = r.DMARC.appendMsg(b)
	return b, nil
}

func (s *SPF) appendMsg(b []byte) []byte {
	b = msgp.AppendMapHeader(b, 5)
	b = msgp.AppendString(b, "result")
	b = msgp.AppendString(b, s.Result)
	b = msgp.AppendString(b, "domain")
	b = msgp.AppendString(b, s.Domain)
	b = msgp.AppendString(b, "dns_lookups")
	b = msgp.AppendInt(b, s.DNSLookups)
	b = msgp.AppendString(b, "trace")
	b = appendStrings(b, s.Trace)
	b = msgp.AppendString(b, "tree")
	return s.Tree.appendMsg(b)
}

func (n *PolicyNode) appendMsg(b []byte) []byte {
	b = msgp.AppendMapHeader(b, 4)
	b = msgp.AppendString(b, "domain")
	b = msgp.AppendString(b, n.Domain)
	b = msgp.AppendString(b, "spf")
	if n.SPF == nil {
		b = msgp.AppendNil(b)
	} else {
		b = msgp.AppendString(b, *n.SPF)
	}
	b = msgp.AppendString(b, "mechanisms")
	b = appendStrings(b, n.Mechanisms)
	b = msgp.AppendString(b, "children")
	b = msgp.AppendArrayHeader(b, uint32(len(n.Children)))
	for i := range n.Children {
		b = n.Children[i].appendMsg(b)
	}
	return b
}

func (d *DKIM) appendMsg(b []byte) []byte {
	b = msgp.AppendMapHeader(b, 7)
	b = msgp.AppendString(b, "performed")
	b = msgp.AppendBool(b, d.Performed)
	b = msgp.AppendString(b, "result")
	b = msgp.AppendString(b, d.Result)
	b = msgp.AppendString(b, "domain")
	b = msgp.AppendString(b, d.Domain)
	b = msgp.AppendString(b, "header_from_domain")
	b = msgp.AppendString(b, d.HeaderFromDomain)
	b = msgp.AppendString(b, "aligned")
	b = msgp.AppendBool(b, d.Aligned)
	b = msgp.AppendString(b, "signatures")
	b = msgp.AppendArrayHeader(b, uint32(len(d.Signatures)))
	for _, s := range d.Signatures {
		b = msgp.AppendMapHeader(b, 4)
		b = msgp.AppendString(b, "domain")
		b = msgp.AppendString(b, s.Domain)
		b = msgp.AppendString(b, "selector")
		b = msgp.AppendString(b, s.Selector)
		b = msgp.AppendString(b, "algorithm")
		b = msgp.AppendString(b, s.Algorithm)
		b = msgp.AppendString(b, "canonicalization")
		b = msgp.AppendString(b, s.Canonicalization)
	}
	b = msgp.AppendString(b, "tree")
	return appendStrings(b, d.Tree)
}

func (d *DMARC) appendMsg(b []byte) []byte {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "tree")
	b = appendStrings(b, d.Tree)
	b = msgp.AppendString(b, "raw")
	b = msgp.AppendMapHeader(b, 5)
	b = msgp.AppendString(b, "dmarc_result")
	b = msgp.AppendString(b, d.Raw.DMARCResult)
	b = msgp.AppendString(b, "policy")
	b = msgp.AppendString(b, d.Raw.Policy)
	b = msgp.AppendString(b, "spf_aligned")
	b = msgp.AppendBool(b, d.Raw.SPFAligned)
	b = msgp.AppendString(b, "dkim_aligned")
	b = msgp.AppendBool(b, d.Raw.DKIMAligned)
	b = msgp.AppendString(b, "enforcement")
	return msgp.AppendString(b, d.Raw.Enforcement)
}

func appendStrings(b []byte, l []string) []byte {
	b = msgp.AppendArrayHeader(b, uint32(len(l)))
	for _, s := range l {
		b = msgp.AppendString(b, s)
	}
	return b
}

// UnmarshalMsg decodes r from the front of bts and returns the remainder.
// Unknown keys are skipped.
func (r *Response) UnmarshalMsg(bts []byte) ([]byte, error) {
	return readMap(bts, func(key string, bts []byte) ([]byte, error) {
		switch key {
		case "spf":
			return r.SPF.unmarshalMsg(bts)
		case "dkim":
			return r.DKIM.unmarshalMsg(bts)
		case "dmarc":
			return r.DMARC.unmarshalMsg(bts)
		}
		return msgp.Skip(bts)
	})
}

func (s *SPF) unmarshalMsg(bts []byte) ([]byte, error) {
	return readMap(bts, func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "result":
			s.Result, o, err = msgp.ReadStringBytes(bts)
		case "domain":
			s.Domain, o, err = msgp.ReadStringBytes(bts)
		case "dns_lookups":
			s.DNSLookups, o, err = msgp.ReadIntBytes(bts)
		case "trace":
			s.Trace, o, err = readStrings(bts)
		case "tree":
			o, err = s.Tree.unmarshalMsg(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, wrap(err, "spf", key)
	})
}

func (n *PolicyNode) unmarshalMsg(bts []byte) ([]byte, error) {
	return readMap(bts, func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "domain":
			n.Domain, o, err = msgp.ReadStringBytes(bts)
		case "spf":
			if msgp.IsNil(bts) {
				n.SPF = nil
				o, err = msgp.ReadNilBytes(bts)
				break
			}
			var record string
			record, o, err = msgp.ReadStringBytes(bts)
			n.SPF = &record
		case "mechanisms":
			n.Mechanisms, o, err = readStrings(bts)
		case "children":
			var sz uint32
			sz, o, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				break
			}
			n.Children = make([]PolicyNode, sz)
			for i := range n.Children {
				if o, err = n.Children[i].unmarshalMsg(o); err != nil {
					break
				}
			}
		default:
			o, err = msgp.Skip(bts)
		}
		return o, wrap(err, "tree", key)
	})
}

func (d *DKIM) unmarshalMsg(bts []byte) ([]byte, error) {
	return readMap(bts, func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "performed":
			d.Performed, o, err = msgp.ReadBoolBytes(bts)
		case "result":
			d.Result, o, err = msgp.ReadStringBytes(bts)
		case "domain":
			d.Domain, o, err = msgp.ReadStringBytes(bts)
		case "header_from_domain":
			d.HeaderFromDomain, o, err = msgp.ReadStringBytes(bts)
		case "aligned":
			d.Aligned, o, err = msgp.ReadBoolBytes(bts)
		case "signatures":
			var sz uint32
			sz, o, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				break
			}
			d.Signatures = make([]Signature, sz)
			for i := range d.Signatures {
				if o, err = d.Signatures[i].unmarshalMsg(o); err != nil {
					break
				}
			}
		case "tree":
			d.Tree, o, err = readStrings(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, wrap(err, "dkim", key)
	})
}

func (s *Signature) unmarshalMsg(bts []byte) ([]byte, error) {
	return readMap(bts, func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "domain":
			s.Domain, o, err = msgp.ReadStringBytes(bts)
		case "selector":
			s.Selector, o, err = msgp.ReadStringBytes(bts)
		case "algorithm":
			s.Algorithm, o, err = msgp.ReadStringBytes(bts)
		case "canonicalization":
			s.Canonicalization, o, err = msgp.ReadStringBytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

func (d *DMARC) unmarshalMsg(bts []byte) ([]byte, error) {
	return readMap(bts, func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "tree":
			d.Tree, o, err = readStrings(bts)
		case "raw":
			o, err = d.Raw.unmarshalMsg(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, wrap(err, "dmarc", key)
	})
}

func (r *DMARCRaw) unmarshalMsg(bts []byte) ([]byte, error) {
	return readMap(bts, func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "dmarc_result":
			r.DMARCResult, o, err = msgp.ReadStringBytes(bts)
		case "policy":
			r.Policy, o, err = msgp.ReadStringBytes(bts)
		case "spf_aligned":
			r.SPFAligned, o, err = msgp.ReadBoolBytes(bts)
		case "dkim_aligned":
			r.DKIMAligned, o, err = msgp.ReadBoolBytes(bts)
		case "enforcement":
			r.Enforcement, o, err = msgp.ReadStringBytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

func wrap(err error, ctx ...any) error {
	if err == nil {
		return nil
	}
	return msgp.WrapError(err, ctx...)
}

// readMap reads a map header and calls field for every key, with bts
// positioned at the value.
func readMap(bts []byte, field func(key string, bts []byte) ([]byte, error)) ([]byte, error) {
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	for range sz {
		var key []byte
		key, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return bts, err
		}
		if bts, err = field(string(key), bts); err != nil {
			return bts, err
		}
	}
	return bts, nil
}

func readStrings(bts []byte) ([]string, []byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, bts, err
	}
	l := make([]string, sz)
	for i := range l {
		if l[i], bts, err = msgp.ReadStringBytes(bts); err != nil {
			return nil, bts, err
		}
	}
	return l, bts, nil
}
