package icerpc

import (
	"strconv"
	"strings"
)

// Param is one entry of an Endpoint's ordered parameter list.
type Param struct {
	Key   string
	Value string
}

// Endpoint identifies a transport-level destination: a transport name, a
// host, a port, and an ordered list of transport-specific parameters.
// Endpoint is immutable once constructed.
type Endpoint struct {
	Transport string
	Host      string
	Port      uint16
	Params    []Param
}

// Param returns the value of the first parameter with the given key and
// whether it was present.
func (e Endpoint) Param(key string) (string, bool) {
	for _, p := range e.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (e Endpoint) String() string {
	var b strings.Builder
	b.WriteString(e.Transport)
	b.WriteString("://")
	b.WriteString(e.Host)
	if e.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(int(e.Port)))
	}
	for _, p := range e.Params {
		b.WriteByte('?')
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}
